package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/cache"
	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/geoip"
	"github.com/waypointdns/waypoint/internal/netset"
	"github.com/waypointdns/waypoint/internal/router"
	"github.com/waypointdns/waypoint/internal/trie"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// EmbeddedGeoIP optionally carries a MaxMind database image compiled into
// the binary. GeoIP matchers without an explicit path fall back to it.
var EmbeddedGeoIP []byte

// Runtime is everything Build assembles: the router plus the shared
// components the admin API reports on.
type Runtime struct {
	Router    *router.Router
	Upstreams *upstream.Set
	Cache     *cache.ResponseCache
	Config    *Config
}

// Build turns a parsed configuration into a running router. All
// construction-time validation happens here: unknown variants, missing
// files, bad tags, hybrid cycles, rule cycles, unused upstreams.
func Build(cfg *Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	respCache := cache.NewResponseCache(cfg.CacheSize)
	ecsCache := cache.NewECSCache(cfg.CacheSize)

	set, err := buildUpstreams(cfg, respCache, logger)
	if err != nil {
		return nil, err
	}

	named := make(map[string]router.Matcher, len(cfg.Matchers))
	for name, spec := range cfg.Matchers {
		m, err := buildMatcher(&spec)
		if err != nil {
			return nil, fmt.Errorf("matcher %q: %w", name, err)
		}
		named[name] = m
	}

	table, err := buildTable(cfg, named, ecsCache, logger)
	if err != nil {
		return nil, err
	}

	engine, err := router.NewEngine(table, set, logger)
	if err != nil {
		return nil, err
	}

	r := router.New(engine,
		router.WithDisableIPv6(cfg.DisableIPv6),
		router.WithLogger(logger),
	)
	return &Runtime{Router: r, Upstreams: set, Cache: respCache, Config: cfg}, nil
}

func buildUpstreams(cfg *Config, respCache *cache.ResponseCache, logger *slog.Logger) (*upstream.Set, error) {
	upstreams := make([]*upstream.Upstream, 0, len(cfg.Upstreams))
	for tag, spec := range cfg.Upstreams {
		u, err := buildUpstream(tag, &spec)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", tag, err)
		}
		upstreams = append(upstreams, u.WithRateLimit(spec.RateLimit))
	}
	return upstream.NewSet(upstreams, respCache, logger)
}

func buildUpstream(tag string, spec *UpstreamSpec) (*upstream.Upstream, error) {
	variants := 0
	for _, set := range []bool{spec.UDP != nil, spec.TLS != nil, spec.HTTPS != nil, spec.Zone != nil, spec.Hybrid != nil} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return nil, fmt.Errorf("exactly one of udp, tls, https, zone, hybrid must be set")
	}

	switch {
	case spec.UDP != nil:
		return upstream.New(tag, upstream.NewUDP(spec.UDP.Addr, spec.UDP.Timeout.Std())), nil

	case spec.TLS != nil:
		sendSNI := true
		if spec.TLS.SendSNI != nil {
			sendSNI = *spec.TLS.SendSNI
		}
		return upstream.New(tag, upstream.NewDoT(upstream.DoTConfig{
			ServerName:      spec.TLS.ServerName,
			Addr:            spec.TLS.Addr,
			SendSNI:         sendSNI,
			Timeout:         spec.TLS.Timeout.Std(),
			MaxReuseQueries: spec.TLS.MaxReuseQueries,
			ReuseTimeout:    spec.TLS.ReuseTimeout.Std(),
		})), nil

	case spec.HTTPS != nil:
		t, err := upstream.NewDoH(upstream.DoHConfig{
			URL:          spec.HTTPS.URL,
			ResolvedAddr: spec.HTTPS.ResolvedAddr,
			Proxy:        spec.HTTPS.Proxy,
			Timeout:      spec.HTTPS.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		return upstream.New(tag, t), nil

	case spec.Zone != nil:
		t, err := upstream.NewZone(upstream.ZoneConfig{
			ZoneType: spec.Zone.ZoneType,
			Origin:   spec.Zone.Origin,
			Path:     spec.Zone.File,
		})
		if err != nil {
			return nil, err
		}
		return upstream.New(tag, t), nil

	default:
		return upstream.NewHybrid(tag, spec.Hybrid), nil
	}
}

func buildMatcher(spec *MatcherSpec) (router.Matcher, error) {
	variants := 0
	for _, set := range []bool{spec.Any != nil, spec.Domain != nil, spec.QType != nil, spec.IPCidr != nil, spec.GeoIP != nil, spec.Header != nil} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return nil, fmt.Errorf("exactly one of any, domain, qtype, ipcidr, geoip, header must be set")
	}

	switch {
	case spec.Any != nil:
		return router.Any{}, nil

	case spec.Domain != nil:
		set := trie.New[struct{}]()
		for _, name := range spec.Domain.List {
			set.Insert(name, struct{}{})
		}
		for _, path := range spec.Domain.Files {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("domain list: %w", err)
			}
			_, _, err = set.InsertLines(f, struct{}{})
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("domain list %s: %w", path, err)
			}
		}
		return router.NewDomain(set), nil

	case spec.QType != nil:
		return router.NewQTypeNames(spec.QType...)

	case spec.IPCidr != nil:
		var b netset.Builder
		for _, literal := range spec.IPCidr.List {
			if err := b.Add(literal); err != nil {
				return nil, err
			}
		}
		for _, path := range spec.IPCidr.Files {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("cidr list: %w", err)
			}
			err = b.AddLines(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("cidr list %s: %w", path, err)
			}
		}
		set, err := b.Build()
		if err != nil {
			return nil, err
		}
		section, err := parseSection(spec.IPCidr.Section)
		if err != nil {
			return nil, err
		}
		return router.NewIPCidr(set, section), nil

	case spec.GeoIP != nil:
		var db *geoip.DB
		var err error
		if spec.GeoIP.Path != "" {
			db, err = geoip.Open(spec.GeoIP.Path)
		} else {
			db, err = geoip.FromBytes(EmbeddedGeoIP)
		}
		if err != nil {
			return nil, err
		}
		section, err := parseSection(spec.GeoIP.Section)
		if err != nil {
			return nil, err
		}
		return router.NewGeoIP(db, spec.GeoIP.Codes, section), nil

	default:
		return buildHeaderMatcher(spec.Header)
	}
}

func buildHeaderMatcher(spec *HeaderSpec) (router.Matcher, error) {
	field, err := router.ParseHeaderField(spec.Field)
	if err != nil {
		return nil, err
	}

	m := &router.Header{Field: field}
	switch strings.ToLower(spec.Of) {
	case "", "response":
	case "query":
		m.OnQuery = true
	default:
		return nil, fmt.Errorf("header subject %q is neither query nor response", spec.Of)
	}

	switch field {
	case router.HeaderRcode:
		rcode, ok := dns.StringToRcode[strings.ToUpper(spec.Value)]
		if !ok {
			return nil, fmt.Errorf("unknown rcode %q", spec.Value)
		}
		m.Value = rcode
	case router.HeaderOpcode:
		opcode, ok := dns.StringToOpcode[strings.ToUpper(spec.Value)]
		if !ok {
			return nil, fmt.Errorf("unknown opcode %q", spec.Value)
		}
		m.Value = opcode
	}
	return m, nil
}

func parseSection(s string) (dnsmsg.Section, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "answer":
		return dnsmsg.Answer, nil
	case "authority":
		return dnsmsg.Authority, nil
	case "additional":
		return dnsmsg.Additional, nil
	}
	return 0, fmt.Errorf("unknown message section %q", s)
}

func buildTable(cfg *Config, named map[string]router.Matcher, ecsCache *cache.ECSCache, logger *slog.Logger) (*router.Table, error) {
	rules := make(map[string]router.Rule, len(cfg.Table.Rules))
	for _, spec := range cfg.Table.Rules {
		if spec.Tag == "" {
			return nil, fmt.Errorf("rule without a tag")
		}
		if _, dup := rules[spec.Tag]; dup {
			return nil, fmt.Errorf("rule %q declared twice", spec.Tag)
		}
		rule, err := buildRule(&spec, named, ecsCache, logger)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Tag, err)
		}
		rules[spec.Tag] = rule
	}
	return router.NewTable(rules, cfg.Table.Start)
}

func buildRule(spec *RuleSpec, named map[string]router.Matcher, ecsCache *cache.ECSCache, logger *slog.Logger) (router.Rule, error) {
	if spec.If == nil {
		actions, err := buildActions(spec.Actions, ecsCache, logger)
		if err != nil {
			return nil, err
		}
		return &router.SeqBlock{Actions: actions, Next: defaultNext(spec.Next)}, nil
	}

	cond, err := buildCond(spec.If, named)
	if err != nil {
		return nil, err
	}
	thenBranch, err := buildBranch(spec.Then, ecsCache, logger)
	if err != nil {
		return nil, err
	}
	elseBranch, err := buildBranch(spec.Else, ecsCache, logger)
	if err != nil {
		return nil, err
	}
	return &router.IfBlock{Cond: cond, Then: thenBranch, Else: elseBranch}, nil
}

func buildCond(spec *CondSpec, named map[string]router.Matcher) (router.Matcher, error) {
	if spec.Matcher != nil {
		return buildMatcher(spec.Matcher)
	}
	return router.ParseExpr(spec.Expr, func(name string) (router.Matcher, bool) {
		m, ok := named[name]
		return m, ok
	})
}

func buildBranch(spec *BranchSpec, ecsCache *cache.ECSCache, logger *slog.Logger) (router.Branch, error) {
	if spec == nil {
		return router.Branch{Next: router.End}, nil
	}
	actions, err := buildActions(spec.Actions, ecsCache, logger)
	if err != nil {
		return router.Branch{}, err
	}
	return router.Branch{Actions: actions, Next: defaultNext(spec.Next)}, nil
}

func buildActions(specs []ActionSpec, ecsCache *cache.ECSCache, logger *slog.Logger) ([]router.Action, error) {
	actions := make([]router.Action, 0, len(specs))
	for _, spec := range specs {
		action, err := buildAction(&spec, ecsCache, logger)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func buildAction(spec *ActionSpec, ecsCache *cache.ECSCache, logger *slog.Logger) (router.Action, error) {
	switch {
	case spec.Blackhole:
		return router.BlackholeAction{}, nil

	case spec.Query != nil:
		if spec.Query.Tag == "" {
			return nil, fmt.Errorf("query action without an upstream tag")
		}
		mode, err := parseCacheMode(spec.Query.CachePolicy)
		if err != nil {
			return nil, err
		}
		return &router.QueryAction{Tag: spec.Query.Tag, Mode: mode}, nil

	case spec.ECS != nil:
		switch {
		case spec.ECS.Auto != "" && spec.ECS.Manual != "":
			return nil, fmt.Errorf("ecs action cannot be both auto and manual")
		case spec.ECS.Auto != "":
			return router.NewECSAuto(spec.ECS.Auto, ecsCache, logger), nil
		case spec.ECS.Manual != "":
			ip, err := netip.ParseAddr(spec.ECS.Manual)
			if err != nil {
				return nil, fmt.Errorf("ecs manual address: %w", err)
			}
			return router.NewECSManual(ip), nil
		default:
			return nil, fmt.Errorf("ecs action needs auto or manual")
		}

	default:
		return nil, fmt.Errorf("action names no known variant")
	}
}

func parseCacheMode(s string) (upstream.CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return upstream.CacheStandard, nil
	case "disabled":
		return upstream.CacheDisabled, nil
	case "persistent":
		return upstream.CachePersistent, nil
	}
	return 0, fmt.Errorf("unknown cache policy %q", s)
}

func defaultNext(next string) string {
	if next == "" {
		return router.End
	}
	return next
}
