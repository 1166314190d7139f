package router

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/geoip"
	"github.com/waypointdns/waypoint/internal/netset"
	"github.com/waypointdns/waypoint/internal/trie"
)

// Matcher is a pure predicate over routing state. Matchers never block and
// never mutate the state.
type Matcher interface {
	Matches(state *State) bool
}

// Any matches every query.
type Any struct{}

func (Any) Matches(*State) bool { return true }

// Domain matches when the first question's name has a suffix in the trie.
type Domain struct {
	set *trie.Trie[struct{}]
}

// NewDomain wraps a domain trie as a matcher.
func NewDomain(set *trie.Trie[struct{}]) *Domain {
	return &Domain{set: set}
}

func (d *Domain) Matches(state *State) bool {
	if len(state.Query.Question) == 0 {
		return false
	}
	_, ok := d.set.Match(state.Query.Question[0].Name)
	return ok
}

// QType matches when the first question's type is in the set.
type QType struct {
	types map[uint16]struct{}
}

// NewQType builds a QType matcher from record types.
func NewQType(types ...uint16) *QType {
	m := make(map[uint16]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return &QType{types: m}
}

// NewQTypeNames builds a QType matcher from mnemonics like "A" or "AAAA".
func NewQTypeNames(names ...string) (*QType, error) {
	types := make([]uint16, 0, len(names))
	for _, name := range names {
		t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown query type %q", name)
		}
		types = append(types, t)
	}
	return NewQType(types...), nil
}

func (q *QType) Matches(state *State) bool {
	if len(state.Query.Question) == 0 {
		return false
	}
	_, ok := q.types[state.Query.Question[0].Qtype]
	return ok
}

// IPCidr matches when the first A/AAAA address in the chosen response
// section is inside the set.
type IPCidr struct {
	set     *netset.Set
	section dnsmsg.Section
}

// NewIPCidr builds an IPCidr matcher over the given response section.
func NewIPCidr(set *netset.Set, section dnsmsg.Section) *IPCidr {
	return &IPCidr{set: set, section: section}
}

func (m *IPCidr) Matches(state *State) bool {
	addr, ok := dnsmsg.FirstAddr(dnsmsg.Records(state.Response, m.section))
	if !ok {
		return false
	}
	return m.set.Contains(addr)
}

// GeoIP matches when the country of the first A/AAAA address in the chosen
// response section is in the code list.
type GeoIP struct {
	db      *geoip.DB
	codes   map[string]struct{}
	section dnsmsg.Section
}

// NewGeoIP builds a GeoIP matcher for a set of ISO country codes like "CN"
// or "AU".
func NewGeoIP(db *geoip.DB, codes []string, section dnsmsg.Section) *GeoIP {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		set[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	return &GeoIP{db: db, codes: set, section: section}
}

func (m *GeoIP) Matches(state *State) bool {
	addr, ok := dnsmsg.FirstAddr(dnsmsg.Records(state.Response, m.section))
	if !ok {
		return false
	}
	code := m.db.CountryCode(addr)
	if code == "" {
		return false
	}
	_, hit := m.codes[code]
	return hit
}

// HeaderField names the message-header property a Header matcher examines.
type HeaderField int

const (
	HeaderAA HeaderField = iota
	HeaderTC
	HeaderRD
	HeaderRA
	HeaderZ
	HeaderAD
	HeaderCD
	HeaderRcode
	HeaderOpcode
)

// ParseHeaderField resolves a field name like "aa", "rcode", or "opcode".
func ParseHeaderField(name string) (HeaderField, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "aa":
		return HeaderAA, nil
	case "tc":
		return HeaderTC, nil
	case "rd":
		return HeaderRD, nil
	case "ra":
		return HeaderRA, nil
	case "z":
		return HeaderZ, nil
	case "ad":
		return HeaderAD, nil
	case "cd":
		return HeaderCD, nil
	case "rcode":
		return HeaderRcode, nil
	case "opcode":
		return HeaderOpcode, nil
	}
	return 0, fmt.Errorf("unknown header field %q", name)
}

// Header evaluates a header bit, the rcode, or the opcode of either the
// query or the response.
type Header struct {
	// Field selects which header property to read.
	Field HeaderField

	// Value is compared against rcode/opcode fields; ignored for bits.
	Value int

	// OnQuery selects the query header instead of the response header.
	OnQuery bool
}

func (h *Header) Matches(state *State) bool {
	msg := state.Response
	if h.OnQuery {
		msg = state.Query
	}
	hdr := msg.MsgHdr
	switch h.Field {
	case HeaderAA:
		return hdr.Authoritative
	case HeaderTC:
		return hdr.Truncated
	case HeaderRD:
		return hdr.RecursionDesired
	case HeaderRA:
		return hdr.RecursionAvailable
	case HeaderZ:
		return hdr.Zero
	case HeaderAD:
		return hdr.AuthenticatedData
	case HeaderCD:
		return hdr.CheckingDisabled
	case HeaderRcode:
		return hdr.Rcode == h.Value
	case HeaderOpcode:
		return hdr.Opcode == h.Value
	}
	return false
}
