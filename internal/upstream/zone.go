package upstream

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// ZoneConfig describes an upstream answering from a local authoritative
// zone file instead of a remote server.
type ZoneConfig struct {
	// ZoneType is "primary" or "secondary"; only primary zones are
	// served from a file.
	ZoneType string

	// Origin is the zone apex, e.g. "example.org".
	Origin string

	// Path points at an RFC 1035 master file.
	Path string
}

// zone holds the parsed records of one zone, indexed by canonical owner
// name and type.
type zone struct {
	origin  string
	soa     *dns.SOA
	records map[zoneKey][]dns.RR
	names   map[string]struct{}
}

type zoneKey struct {
	name  string
	qtype uint16
}

// NewZone loads and indexes the zone file at cfg.Path.
func NewZone(cfg ZoneConfig) (Transport, error) {
	if t := strings.ToLower(cfg.ZoneType); t != "" && t != "primary" {
		return nil, fmt.Errorf("zone type %q is not servable from a file", cfg.ZoneType)
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening zone file: %w", err)
	}
	defer f.Close()

	origin := dns.Fqdn(cfg.Origin)
	z := &zone{
		origin:  dns.CanonicalName(origin),
		records: make(map[zoneKey][]dns.RR),
		names:   make(map[string]struct{}),
	}

	parser := dns.NewZoneParser(f, origin, cfg.Path)
	for rr, ok := parser.Next(); ok; rr, ok = parser.Next() {
		name := dns.CanonicalName(rr.Header().Name)
		key := zoneKey{name: name, qtype: rr.Header().Rrtype}
		z.records[key] = append(z.records[key], rr)
		z.names[name] = struct{}{}
		if soa, isSOA := rr.(*dns.SOA); isSOA && z.soa == nil {
			z.soa = soa
		}
	}
	if err := parser.Err(); err != nil {
		return nil, fmt.Errorf("parsing zone %s: %w", cfg.Origin, err)
	}
	if z.soa == nil {
		return nil, fmt.Errorf("zone %s has no SOA record", cfg.Origin)
	}
	return z, nil
}

func (z *zone) Query(_ context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Authoritative = true
	if len(msg.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		return resp, nil
	}

	q := msg.Question[0]
	name := dns.CanonicalName(q.Name)

	if !dns.IsSubDomain(z.origin, name) {
		resp.Rcode = dns.RcodeRefused
		return resp, nil
	}

	answers := z.lookup(name, q.Qtype)
	if len(answers) > 0 {
		resp.Answer = answers
		return resp, nil
	}

	// NXDOMAIN vs NODATA, both with the SOA in authority per RFC 2308.
	if _, exists := z.names[name]; !exists {
		resp.Rcode = dns.RcodeNameError
	}
	resp.Ns = []dns.RR{z.soa}
	return resp, nil
}

// lookup resolves name/qtype within the zone, following CNAME chains.
func (z *zone) lookup(name string, qtype uint16) []dns.RR {
	var answers []dns.RR
	seen := make(map[string]struct{})

	for {
		if rrs := z.records[zoneKey{name: name, qtype: qtype}]; len(rrs) > 0 {
			return append(answers, rrs...)
		}
		if qtype == dns.TypeCNAME {
			return answers
		}
		cnames := z.records[zoneKey{name: name, qtype: dns.TypeCNAME}]
		if len(cnames) == 0 {
			return answers
		}
		answers = append(answers, cnames...)

		target := dns.CanonicalName(cnames[0].(*dns.CNAME).Target)
		if _, looped := seen[target]; looped {
			return answers
		}
		seen[target] = struct{}{}
		name = target
	}
}

func (z *zone) Close() error { return nil }
