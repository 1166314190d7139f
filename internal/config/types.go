package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes either a Go duration string ("4s", "2m") or a bare
// number of seconds, which older rule sets use.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.Atoi(node.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the parsed configuration consumed by Build. Loading it from
// disk and CLI overrides belong to the caller.
type Config struct {
	// Address is the UDP listen endpoint.
	Address string `yaml:"address"`

	// Verbosity is one of off, error, warn, info, debug, trace.
	Verbosity string `yaml:"verbosity"`

	// RateLimit optionally caps global queries per second.
	RateLimit float64 `yaml:"ratelimit"`

	// CacheSize bounds the shared response cache; defaults to 2048.
	CacheSize int `yaml:"cache_size"`

	// DisableIPv6 answers every AAAA query with NXDOMAIN.
	DisableIPv6 bool `yaml:"disable_ipv6"`

	// AdminAddress optionally enables the HTTP admin/stats API.
	AdminAddress string `yaml:"admin_address"`

	// JSONLogs switches logging to JSON.
	JSONLogs bool `yaml:"json_logs"`

	Upstreams map[string]UpstreamSpec `yaml:"upstreams"`
	Matchers  map[string]MatcherSpec  `yaml:"matchers"`
	Table     TableSpec               `yaml:"table"`
}

// UpstreamSpec declares one upstream; exactly one variant field may be
// set.
type UpstreamSpec struct {
	UDP    *UDPSpec   `yaml:"udp"`
	TLS    *TLSSpec   `yaml:"tls"`
	HTTPS  *HTTPSSpec `yaml:"https"`
	Zone   *ZoneSpec  `yaml:"zone"`
	Hybrid []string   `yaml:"hybrid"`

	// RateLimit optionally caps this upstream's queries per second.
	RateLimit float64 `yaml:"ratelimit"`
}

type UDPSpec struct {
	Addr    string   `yaml:"addr"`
	Timeout Duration `yaml:"timeout"`
}

type TLSSpec struct {
	ServerName      string   `yaml:"server_name"`
	Addr            string   `yaml:"addr"`
	SendSNI         *bool    `yaml:"send_sni"`
	Timeout         Duration `yaml:"timeout"`
	MaxReuseQueries int      `yaml:"max_reuse_queries"`
	ReuseTimeout    Duration `yaml:"reuse_timeout"`
}

type HTTPSSpec struct {
	URL          string   `yaml:"url"`
	ResolvedAddr string   `yaml:"resolved_addr"`
	Proxy        string   `yaml:"proxy"`
	Timeout      Duration `yaml:"timeout"`
}

type ZoneSpec struct {
	ZoneType string `yaml:"type"`
	Origin   string `yaml:"origin"`
	File     string `yaml:"file"`
}

// MatcherSpec declares one matcher; exactly one variant field may be set.
// The lowercase variant names mirror the rule-block serialisation: any,
// domain, qtype, ipcidr, geoip, header.
type MatcherSpec struct {
	Any    *struct{}   `yaml:"any"`
	Domain *DomainSpec `yaml:"domain"`
	QType  []string    `yaml:"qtype"`
	IPCidr *IPCidrSpec `yaml:"ipcidr"`
	GeoIP  *GeoIPSpec  `yaml:"geoip"`
	Header *HeaderSpec `yaml:"header"`
}

// DomainSpec feeds a domain trie from list files and inline names.
type DomainSpec struct {
	Files []string `yaml:"files"`
	List  []string `yaml:"list"`
}

// IPCidrSpec feeds an IP set from CIDR list files and inline literals.
// Section selects which response section supplies the address (default
// answer).
type IPCidrSpec struct {
	Files   []string `yaml:"files"`
	List    []string `yaml:"list"`
	Section string   `yaml:"section"`
}

// GeoIPSpec matches response addresses against countries. With no Path, an
// embedded database is required at build time.
type GeoIPSpec struct {
	Codes   []string `yaml:"codes"`
	Path    string   `yaml:"path"`
	Section string   `yaml:"section"`
}

// HeaderSpec examines a header bit, rcode, or opcode of the query or the
// response.
type HeaderSpec struct {
	// Field is one of aa, tc, rd, ra, z, ad, cd, rcode, opcode.
	Field string `yaml:"field"`

	// Value is the rcode/opcode mnemonic to compare against (e.g.
	// "NXDOMAIN", "QUERY"); unused for bit fields.
	Value string `yaml:"value"`

	// Of selects "query" or "response" (default).
	Of string `yaml:"of"`
}

// TableSpec declares the routing rules. Start defaults to "start".
type TableSpec struct {
	Start string     `yaml:"start"`
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule block. With an "if" it is an IfBlock whose
// condition is either an inline matcher or an expression string over named
// matchers; otherwise it is a sequence block running "actions" and jumping
// to "next".
type RuleSpec struct {
	Tag string `yaml:"tag"`

	If   *CondSpec   `yaml:"if"`
	Then *BranchSpec `yaml:"then"`
	Else *BranchSpec `yaml:"else"`

	Actions []ActionSpec `yaml:"actions"`
	Next    string       `yaml:"next"`
}

// BranchSpec is the (actions, next) pair of an IfBlock branch. A missing
// next means "end".
type BranchSpec struct {
	Actions []ActionSpec `yaml:"actions"`
	Next    string       `yaml:"next"`
}

// CondSpec is either an expression string over named matchers ("ads and
// not cn") or an inline matcher mapping ({domain: {...}}).
type CondSpec struct {
	Expr    string
	Matcher *MatcherSpec
}

func (c *CondSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Expr = node.Value
		return nil
	case yaml.MappingNode:
		c.Matcher = new(MatcherSpec)
		return node.Decode(c.Matcher)
	}
	return fmt.Errorf("line %d: condition must be an expression string or a matcher mapping", node.Line)
}

// ActionSpec is one action. Serialised forms:
//
//	- blackhole
//	- query: upstream-tag
//	- query: {tag: upstream-tag, cache_policy: persistent}
//	- ecs: {auto: "https://api.ipify.org"}
//	- ecs: {manual: "203.0.113.1"}
type ActionSpec struct {
	Blackhole bool
	Query     *QueryActionSpec
	ECS       *ECSActionSpec
}

// QueryActionSpec names the upstream and cache policy of a query action.
type QueryActionSpec struct {
	Tag         string `yaml:"tag"`
	CachePolicy string `yaml:"cache_policy"`
}

// ECSActionSpec selects auto (discovery URL) or manual (fixed IP) mode.
type ECSActionSpec struct {
	Auto   string `yaml:"auto"`
	Manual string `yaml:"manual"`
}

func (a *ActionSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		switch strings.ToLower(node.Value) {
		case "blackhole":
			a.Blackhole = true
			return nil
		}
		return fmt.Errorf("line %d: unknown action %q", node.Line, node.Value)
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: action must be a name or a mapping", node.Line)
	}

	var raw struct {
		Blackhole *struct{} `yaml:"blackhole"`
		Query     yaml.Node `yaml:"query"`
		ECS       yaml.Node `yaml:"ecs"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch {
	case raw.Blackhole != nil:
		a.Blackhole = true
	case raw.Query.Kind != 0:
		a.Query = new(QueryActionSpec)
		if raw.Query.Kind == yaml.ScalarNode {
			a.Query.Tag = raw.Query.Value
			return nil
		}
		return raw.Query.Decode(a.Query)
	case raw.ECS.Kind != 0:
		a.ECS = new(ECSActionSpec)
		return raw.ECS.Decode(a.ECS)
	default:
		return fmt.Errorf("line %d: action names no known variant", node.Line)
	}
	return nil
}
