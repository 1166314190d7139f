// Package netset answers IP membership queries against sets of CIDR
// ranges.
package netset

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Set is an immutable set of IPv4/IPv6 ranges with O(log n) membership
// tests. Build one with Builder and share it read-only.
type Set struct {
	inner *netipx.IPSet
	size  int
}

// Contains reports whether ip is covered by any range in the set.
func (s *Set) Contains(ip netip.Addr) bool {
	return s.inner.Contains(ip.Unmap())
}

// Len returns the number of CIDR literals added to the builder.
func (s *Set) Len() int {
	return s.size
}

// Builder accumulates CIDR literals into a Set.
type Builder struct {
	b    netipx.IPSetBuilder
	size int
}

// Add parses one CIDR literal ("10.0.0.0/8", "2001:db8::/32") or a bare
// address and adds it.
func (b *Builder) Add(cidr string) error {
	cidr = strings.TrimSpace(cidr)
	if prefix, err := netip.ParsePrefix(cidr); err == nil {
		b.b.AddPrefix(prefix.Masked())
		b.size++
		return nil
	}
	addr, err := netip.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("not a CIDR or IP literal: %q", cidr)
	}
	b.b.Add(addr)
	b.size++
	return nil
}

// AddLines reads newline-separated CIDR literals from r. Empty lines are
// skipped; a malformed line is an error, as CIDR lists are expected to be
// machine-generated.
func (b *Builder) AddLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := b.Add(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Build finalises the set. The builder can keep accumulating afterwards.
func (b *Builder) Build() (*Set, error) {
	set, err := b.b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("building IP set: %w", err)
	}
	return &Set{inner: set, size: b.size}, nil
}
