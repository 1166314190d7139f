package router

import (
	"context"
	"log/slog"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// Backend routes one query to a response. The built-in rule-block Engine
// is one implementation; an embedded scripting engine is another. Backends
// hold the only long-lived reference to the upstream set and must treat it
// as shared read-only state.
type Backend interface {
	Route(ctx context.Context, query *dns.Msg, qctx *Context) (*dns.Msg, error)
}

// BackendFunc adapts a plain function into a Backend, the hook for
// embedding custom routing logic without the rule-block table.
type BackendFunc func(ctx context.Context, query *dns.Msg, qctx *Context) (*dns.Msg, error)

func (f BackendFunc) Route(ctx context.Context, query *dns.Msg, qctx *Context) (*dns.Msg, error) {
	return f(ctx, query, qctx)
}

// Engine is the rule-block Backend: a validated table executed against a
// shared upstream set.
type Engine struct {
	table     *Table
	upstreams *upstream.Set
	logger    *slog.Logger
}

// NewEngine binds a table to an upstream set. The table's used-upstream
// set is handed to the upstream validator, so construction fails on
// missing tags, unused upstreams, empty hybrids, and hybrid cycles.
func NewEngine(table *Table, upstreams *upstream.Set, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := upstreams.Validate(table.UsedUpstreams()); err != nil {
		return nil, err
	}
	return &Engine{table: table, upstreams: upstreams, logger: logger}, nil
}

func (e *Engine) Route(ctx context.Context, query *dns.Msg, qctx *Context) (*dns.Msg, error) {
	state := NewState(query, qctx)
	if err := e.table.Route(ctx, state, e.upstreams); err != nil {
		return nil, err
	}
	if len(query.Question) > 0 {
		e.logger.Debug("routing complete",
			"qname", query.Question[0].Name,
			"rcode", dns.RcodeToString[state.Response.Rcode],
		)
	}
	return state.Response, nil
}

// Upstreams exposes the engine's upstream set for stats reporting.
func (e *Engine) Upstreams() *upstream.Set {
	return e.upstreams
}

// Router is the query-facing entry point. It owns the error translation
// the wire contract demands: whatever the backend does, the client gets a
// response whose id and opcode mirror the query.
type Router struct {
	backend     Backend
	disableIPv6 bool
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDisableIPv6 answers every AAAA query with NXDOMAIN without routing.
func WithDisableIPv6(disable bool) Option {
	return func(r *Router) { r.disableIPv6 = disable }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router over a backend.
func New(backend Backend, opts ...Option) *Router {
	r := &Router{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve routes one query and always produces a response:
//
//   - a query without questions is answered SERVFAIL;
//   - AAAA queries are answered NXDOMAIN when IPv6 is disabled;
//   - any backend failure is translated into SERVFAIL carrying the
//     query's id and opcode;
//   - the response id is forced to the query id, and ra is set whenever
//     the query asked rd.
func (r *Router) Resolve(ctx context.Context, query *dns.Msg, qctx *Context) *dns.Msg {
	var resp *dns.Msg

	switch {
	case len(query.Question) == 0:
		resp = dnsmsg.ErrorResponse(query, dns.RcodeServerFailure)

	case r.disableIPv6 && query.Question[0].Qtype == dns.TypeAAAA:
		resp = dnsmsg.ErrorResponse(query, dns.RcodeNameError)

	default:
		routed, err := r.backend.Route(ctx, query, qctx)
		if err != nil {
			r.logger.Warn("routing failed", "qname", query.Question[0].Name, "err", err)
			resp = dnsmsg.ErrorResponse(query, dns.RcodeServerFailure)
		} else {
			resp = routed
		}
	}

	resp.Id = query.Id
	if query.RecursionDesired {
		resp.RecursionAvailable = true
	}
	return resp
}
