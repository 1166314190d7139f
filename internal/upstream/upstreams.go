// Package upstream implements the resolver endpoints queries are forwarded
// to: plain UDP, DNS-over-TLS, DNS-over-HTTPS, local zone files, and
// hybrid upstreams that race a set of members. A Set owns the shared
// response cache and applies the per-send caching policy.
//
// Concurrency:
//
// A Set is immutable after construction. Connection pools and caches are
// internally synchronised; hybrid races run one goroutine per member and
// cancel the losers once a winner arrives. Background cache refreshes are
// fire-and-forget and never capture request-scoped state.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/waypointdns/waypoint/internal/cache"
	"github.com/waypointdns/waypoint/internal/dnsmsg"
)

// CacheMode controls how Send consults the response cache.
type CacheMode int

const (
	// CacheDisabled always queries the transport and never touches the
	// cache.
	CacheDisabled CacheMode = iota

	// CacheStandard serves fresh cached answers and queries the
	// transport synchronously otherwise.
	CacheStandard

	// CachePersistent additionally serves stale answers immediately,
	// refreshing them in the background.
	CachePersistent
)

func (m CacheMode) String() string {
	switch m {
	case CacheDisabled:
		return "disabled"
	case CachePersistent:
		return "persistent"
	default:
		return "standard"
	}
}

// Upstream is one tagged resolver endpoint: either a transport or, for
// hybrids, a list of member tags.
type Upstream struct {
	tag       string
	members   []string
	transport Transport
	limiter   *rate.Limiter
	queries   atomic.Uint64
}

// New creates a transport-backed upstream.
func New(tag string, transport Transport) *Upstream {
	return &Upstream{tag: tag, transport: transport}
}

// NewHybrid creates an upstream that races the given member tags.
func NewHybrid(tag string, members []string) *Upstream {
	// A non-nil slice marks the upstream as hybrid even with no members,
	// so Validate can reject it as empty.
	return &Upstream{tag: tag, members: append([]string{}, members...)}
}

// WithRateLimit caps the upstream at qps queries per second (burst of the
// same size). Zero or negative qps leaves the upstream unlimited.
func (u *Upstream) WithRateLimit(qps float64) *Upstream {
	if qps > 0 {
		burst := int(qps)
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
	return u
}

// Tag returns the upstream's identity.
func (u *Upstream) Tag() string { return u.tag }

// IsHybrid reports whether the upstream is a member race.
func (u *Upstream) IsHybrid() bool { return u.members != nil }

// Set is the collection of all declared upstreams of a router instance
// together with the shared response cache.
type Set struct {
	upstreams map[string]*Upstream
	cache     *cache.ResponseCache
	logger    *slog.Logger
	group     singleflight.Group
}

// NewSet assembles a Set. Tags must be unique.
func NewSet(upstreams []*Upstream, respCache *cache.ResponseCache, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := make(map[string]*Upstream, len(upstreams))
	for _, u := range upstreams {
		if _, dup := m[u.tag]; dup {
			return nil, fmt.Errorf("upstream %q declared twice", u.tag)
		}
		m[u.tag] = u
	}
	return &Set{upstreams: m, cache: respCache, logger: logger}, nil
}

// Tags returns all declared upstream tags.
func (s *Set) Tags() []string {
	tags := make([]string, 0, len(s.upstreams))
	for tag := range s.upstreams {
		tags = append(tags, tag)
	}
	return tags
}

// Has reports whether tag is declared.
func (s *Set) Has(tag string) bool {
	_, ok := s.upstreams[tag]
	return ok
}

// QueryCounts returns how many transport queries each upstream has served.
func (s *Set) QueryCounts() map[string]uint64 {
	out := make(map[string]uint64, len(s.upstreams))
	for tag, u := range s.upstreams {
		out[tag] = u.queries.Load()
	}
	return out
}

// CacheStats exposes the shared response cache counters.
func (s *Set) CacheStats() (hits, stale, misses uint64) {
	return s.cache.Stats()
}

// Close shuts down every transport.
func (s *Set) Close() error {
	for _, u := range s.upstreams {
		if u.transport != nil {
			_ = u.transport.Close()
		}
	}
	return nil
}

// Send resolves query through the named upstream under the given cache
// mode. The response always carries the query's id.
func (s *Set) Send(ctx context.Context, tag string, mode CacheMode, query *dns.Msg) (*dns.Msg, error) {
	u, ok := s.upstreams[tag]
	if !ok {
		return nil, &MissingTagError{Tag: tag}
	}

	if u.limiter != nil && !u.limiter.Allow() {
		return nil, fmt.Errorf("upstream %q: %w", tag, ErrRateLimited)
	}

	if u.IsHybrid() {
		return s.race(ctx, u, mode, query)
	}

	var resp *dns.Msg
	var err error

	switch mode {
	case CacheDisabled:
		resp, err = s.exchange(ctx, u, query, false)

	case CacheStandard:
		if cached, status := s.cache.Get(tag, query); status == cache.Alive {
			resp = cached
		} else {
			resp, err = s.exchangeShared(ctx, u, query)
		}

	case CachePersistent:
		cached, status := s.cache.Get(tag, query)
		switch status {
		case cache.Alive:
			resp = cached
		case cache.Expired:
			s.refresh(u, query)
			resp = cached
		default:
			resp, err = s.exchangeShared(ctx, u, query)
		}
	}

	if err != nil {
		return nil, err
	}
	resp.Id = query.Id
	return resp, nil
}

// exchange performs one transport query, counting it and optionally
// storing the response.
func (s *Set) exchange(ctx context.Context, u *Upstream, query *dns.Msg, store bool) (*dns.Msg, error) {
	u.queries.Add(1)
	resp, err := u.transport.Query(ctx, query)
	if err != nil {
		return nil, &TransportError{Tag: u.tag, Err: err}
	}
	if store {
		s.cache.Put(u.tag, query, resp)
	}
	return resp, nil
}

// exchangeShared coalesces concurrent cache-miss queries for the same
// question so one upstream exchange feeds all waiters.
func (s *Set) exchangeShared(ctx context.Context, u *Upstream, query *dns.Msg) (*dns.Msg, error) {
	key, ok := dnsmsg.Key(query)
	if !ok {
		return s.exchange(ctx, u, query, true)
	}

	sfKey := fmt.Sprintf("%s|%s|%d|%d", u.tag, key.Name, key.Qtype, key.Qclass)
	v, err, _ := s.group.Do(sfKey, func() (any, error) {
		return s.exchange(ctx, u, query, true)
	})
	if err != nil {
		return nil, err
	}
	// Waiters share the leader's message; hand out copies.
	return v.(*dns.Msg).Copy(), nil
}

// refresh updates an expired cache record in the background. Failures only
// log; the caller has already been served the stale answer.
func (s *Set) refresh(u *Upstream, query *dns.Msg) {
	q := query.Copy()
	go func() {
		if _, err := s.exchange(context.Background(), u, q, true); err != nil {
			s.logger.Debug("background refresh failed", "upstream", u.tag, "err", err)
		}
	}()
}

// race sends the query to every member in parallel and returns the first
// successful response, cancelling the rest. All members failing is itself
// an upstream failure.
func (s *Set) race(ctx context.Context, u *Upstream, mode CacheMode, query *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		msg *dns.Msg
		err error
	}
	results := make(chan result, len(u.members))
	for _, member := range u.members {
		go func() {
			msg, err := s.Send(ctx, member, mode, query.Copy())
			results <- result{msg: msg, err: err}
		}()
	}

	var lastErr error
	for range u.members {
		r := <-results
		if r.err == nil {
			r.msg.Id = query.Id
			return r.msg, nil
		}
		lastErr = r.err
	}
	return nil, &TransportError{Tag: u.tag, Err: fmt.Errorf("all hybrid members failed: %w", lastErr)}
}

// Validate checks the upstream graph against the set of tags the routing
// table actually uses: every used tag exists, hybrid references form a DAG
// with no empty member sets, and no declared upstream is left unreachable.
func (s *Set) Validate(used []string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	colour := make(map[string]int, len(s.upstreams))

	var visit func(tag string) error
	visit = func(tag string) error {
		u, ok := s.upstreams[tag]
		if !ok {
			return &MissingTagError{Tag: tag}
		}
		switch colour[tag] {
		case visiting:
			return &RecursionError{Tag: tag}
		case done:
			return nil
		}
		colour[tag] = visiting
		if u.IsHybrid() {
			if len(u.members) == 0 {
				return &EmptyHybridError{Tag: tag}
			}
			for _, member := range u.members {
				if err := visit(member); err != nil {
					return err
				}
			}
		}
		colour[tag] = done
		return nil
	}

	for _, tag := range used {
		if err := visit(tag); err != nil {
			return err
		}
	}

	var unused []string
	for tag := range s.upstreams {
		if colour[tag] != done {
			unused = append(unused, tag)
		}
	}
	if len(unused) > 0 {
		return &UnusedUpstreamsError{Tags: unused}
	}
	return nil
}
