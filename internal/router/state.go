// Package router implements the scripted routing pipeline: a table of
// named rule blocks built from matchers and actions, executed once per
// query against a mutable routing state.
//
// Structure:
//
//   - State carries the query, the response under construction, and the
//     optional client context through one routing pass.
//   - Matcher values are pure predicates over the state; an expression
//     language combines them with and/or/not.
//   - Action values mutate the state, possibly by querying upstreams.
//   - Table wires IfBlock/SeqBlock rules into a validated graph that the
//     Engine walks from "start" to "end".
//
// Matcher/action polymorphism is expressed through small interfaces and
// tagged constructors; a new matcher is added by widening the config
// builder, not by subclassing.
package router

import (
	"net/netip"

	"github.com/miekg/dns"
)

// Context is the optional per-query client context. It is read-only to
// matchers; selected actions (ECS) read it to derive wire options.
type Context struct {
	ClientIP netip.Addr
}

// State is the mutable per-request routing state. It lives on the request
// goroutine only; nothing here is shared.
type State struct {
	// Query is the message being routed. Actions may rewrite it (ECS).
	Query *dns.Msg

	// Response is what will be sent on the wire after routing ends. It
	// starts as an empty NOERROR reply to the query.
	Response *dns.Msg

	// Context is the client context, if the server provided one.
	Context *Context
}

// NewState initialises routing state for a query.
func NewState(query *dns.Msg, qctx *Context) *State {
	resp := new(dns.Msg)
	resp.SetReply(query)
	return &State{
		Query:    query.Copy(),
		Response: resp,
		Context:  qctx,
	}
}
