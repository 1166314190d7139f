// Package dnsmsg holds the message-level helpers shared by the router,
// the upstream layer, and the servers.
//
// DNS wire messages are section-ordered (question, answer, authority,
// additional, with the OPT pseudo-record living inside additional), so all
// mutations here go through copy-and-replace helpers rather than in-place
// edits. Records with unknown rdata types pass through opaque.
package dnsmsg

import (
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const (
	// MaxTTL caps cache lifetimes and is the TTL of blackhole SOA records.
	MaxTTL = 86400

	// MaxUDPPayload is the largest UDP datagram we send or advertise,
	// per DNS Flag Day 2020.
	MaxUDPPayload = 1232
)

// Section identifies one of the three record sections of a message.
type Section int

const (
	Answer Section = iota
	Authority
	Additional
)

func (s Section) String() string {
	switch s {
	case Answer:
		return "answer"
	case Authority:
		return "authority"
	case Additional:
		return "additional"
	}
	return "unknown"
}

// Records returns the records of section s.
func Records(m *dns.Msg, s Section) []dns.RR {
	switch s {
	case Answer:
		return m.Answer
	case Authority:
		return m.Ns
	default:
		return m.Extra
	}
}

// WithSection returns a deep copy of m whose section s is replaced by rrs.
// Header and the other sections are carried over verbatim.
func WithSection(m *dns.Msg, s Section, rrs []dns.RR) *dns.Msg {
	out := m.Copy()
	switch s {
	case Answer:
		out.Answer = rrs
	case Authority:
		out.Ns = rrs
	case Additional:
		out.Extra = rrs
	}
	return out
}

// QuestionKey identifies a DNS question by value: canonical (lowercase,
// fully qualified) owner name, query type, and class. It is the cache key
// together with the upstream tag.
type QuestionKey struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// Key extracts the question key from the first question of m.
// The second return is false when the message carries no question.
func Key(m *dns.Msg) (QuestionKey, bool) {
	if len(m.Question) == 0 {
		return QuestionKey{}, false
	}
	q := m.Question[0]
	return QuestionKey{
		Name:   dns.CanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}, true
}

// ResponseTTL computes the cache lifetime of a response: the minimum answer
// TTL clamped to [0, MaxTTL]. A NOERROR response with no answers uses MaxTTL.
func ResponseTTL(m *dns.Msg) time.Duration {
	ttl := uint32(MaxTTL)
	found := false
	for _, rr := range m.Answer {
		if t := rr.Header().Ttl; !found || t < ttl {
			ttl = t
			found = true
		}
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return time.Duration(ttl) * time.Second
}

// ErrorResponse synthesises a response with the given rcode carrying the
// query's id and opcode and no records. Used for SERVFAIL and NXDOMAIN
// short-circuits.
func ErrorResponse(query *dns.Msg, rcode int) *dns.Msg {
	out := new(dns.Msg)
	out.Id = query.Id
	out.Opcode = query.Opcode
	out.Response = true
	out.Rcode = rcode
	out.Question = append([]dns.Question(nil), query.Question...)
	return out
}

// SOA parameters taken from smartdns; widely deployed for synthesised
// "stop asking" responses.
func blackholeSOA() *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    MaxTTL,
		},
		Ns:      "a.gtld-servers.net.",
		Mbox:    "nstld.verisign-grs.com.",
		Serial:  1800,
		Refresh: 1800,
		Retry:   900,
		Expire:  604800,
		Minttl:  MaxTTL,
	}
}

// Blackhole builds a NOERROR response for query whose only record is an SOA
// in the additional section. The long TTL discourages the client from
// retrying.
func Blackhole(query *dns.Msg) *dns.Msg {
	out := new(dns.Msg)
	out.Id = query.Id
	out.Opcode = query.Opcode
	out.Response = true
	out.Rcode = dns.RcodeSuccess
	out.Question = append([]dns.Question(nil), query.Question...)
	out.Extra = []dns.RR{blackholeSOA()}
	return out
}

// WithClientSubnet returns a copy of m carrying exactly one OPT
// pseudo-record whose options are a single EDNS Client Subnet for ip, with
// source prefix length 24 (IPv4) or 56 (IPv6) and scope 0. Any OPT records
// already present, including malformed duplicates, are dropped first.
func WithClientSubnet(m *dns.Msg, ip netip.Addr) *dns.Msg {
	out := m.Copy()

	extra := make([]dns.RR, 0, len(out.Extra)+1)
	for _, rr := range out.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		extra = append(extra, rr)
	}

	subnet := &dns.EDNS0_SUBNET{
		Code:        dns.EDNS0SUBNET,
		SourceScope: 0,
		Address:     net.IP(ip.AsSlice()),
	}
	if ip.Is4() {
		subnet.Family = 1
		subnet.SourceNetmask = 24
	} else {
		subnet.Family = 2
		subnet.SourceNetmask = 56
	}

	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
		Option: []dns.EDNS0{subnet},
	}
	opt.SetUDPSize(MaxUDPPayload)

	out.Extra = append(extra, opt)
	return out
}

// FirstAddr returns the first A or AAAA address found in rrs.
func FirstAddr(rrs []dns.RR) (netip.Addr, bool) {
	for _, rr := range rrs {
		switch r := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(r.A.To4()); ok {
				return addr, true
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(r.AAAA.To16()); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// IsGlobal reports whether ip is globally routable. Private (RFC 1918 and
// ULA), loopback, link-local, multicast, and unspecified addresses are not.
func IsGlobal(ip netip.Addr) bool {
	return ip.IsValid() && ip.IsGlobalUnicast() && !ip.IsPrivate()
}
