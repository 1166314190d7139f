package upstream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRateLimited is returned by Send when the upstream's QPS quota is
// exhausted. The check runs before a connection is consumed.
var ErrRateLimited = errors.New("upstream rate limit exceeded")

// MissingTagError reports a reference to an upstream tag that was never
// declared.
type MissingTagError struct {
	Tag string
}

func (e *MissingTagError) Error() string {
	return fmt.Sprintf("missing upstream: %q", e.Tag)
}

// RecursionError reports a cycle in the hybrid reference graph. Tag names
// an upstream on the cycle.
type RecursionError struct {
	Tag string
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("hybrid upstreams recursively defined: %q", e.Tag)
}

// EmptyHybridError reports a hybrid upstream with no members.
type EmptyHybridError struct {
	Tag string
}

func (e *EmptyHybridError) Error() string {
	return fmt.Sprintf("hybrid upstream %q has no members", e.Tag)
}

// UnusedUpstreamsError reports declared upstreams unreachable from any
// routing rule.
type UnusedUpstreamsError struct {
	Tags []string
}

func (e *UnusedUpstreamsError) Error() string {
	tags := append([]string(nil), e.Tags...)
	sort.Strings(tags)
	return fmt.Sprintf("unused upstreams: %s", strings.Join(tags, ", "))
}

// TransportError wraps any failure between sending a query and obtaining a
// valid response: timeouts, resets, TLS or HTTP failures, and responses
// that do not parse or do not answer the query. Callers see one failure
// kind regardless of transport.
type TransportError struct {
	Tag string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %q: %v", e.Tag, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
