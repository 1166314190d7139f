package router

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointdns/waypoint/internal/cache"
	"github.com/waypointdns/waypoint/internal/trie"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// fakeTransport answers with a fixed A record.
type fakeTransport struct {
	fail  bool
	calls atomic.Int64
}

func (f *fakeTransport) Query(_ context.Context, msg *dns.Msg) (*dns.Msg, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("fake transport down")
	}
	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: msg.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
		A:   net.IPv4(203, 0, 113, 1),
	}}
	return resp, nil
}

func (f *fakeTransport) Close() error { return nil }

func newSet(t *testing.T, ups ...*upstream.Upstream) *upstream.Set {
	t.Helper()
	set, err := upstream.NewSet(ups, cache.NewResponseCache(64), nil)
	require.NoError(t, err)
	return set
}

func newQuery(name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.Id = 0x1234
	return q
}

func forwardTable(t *testing.T, tag string) *Table {
	t.Helper()
	table, err := NewTable(map[string]Rule{
		"start": &SeqBlock{
			Actions: []Action{&QueryAction{Tag: tag, Mode: upstream.CacheStandard}},
			Next:    End,
		},
	}, "start")
	require.NoError(t, err)
	return table
}

func TestEngineForwards(t *testing.T) {
	mock := &fakeTransport{}
	set := newSet(t, upstream.New("mock", mock))
	engine, err := NewEngine(forwardTable(t, "mock"), set, nil)
	require.NoError(t, err)

	q := newQuery("cloudflare-dns.com", dns.TypeA)
	resp, err := engine.Route(context.Background(), q, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), resp.Id)
	assert.Equal(t, q.Question, resp.Question)
	require.NotEmpty(t, resp.Answer)
	assert.Equal(t, dns.TypeA, resp.Answer[0].Header().Rrtype)
}

func TestEngineRejectsUnusedUpstream(t *testing.T) {
	set := newSet(t,
		upstream.New("mock", &fakeTransport{}),
		upstream.New("orphan", &fakeTransport{}),
	)
	_, err := NewEngine(forwardTable(t, "mock"), set, nil)
	var uerr *upstream.UnusedUpstreamsError
	require.ErrorAs(t, err, &uerr)
}

func TestEngineRejectsMissingUpstream(t *testing.T) {
	set := newSet(t, upstream.New("mock", &fakeTransport{}))
	table, err := NewTable(map[string]Rule{
		"start": &SeqBlock{
			Actions: []Action{
				&QueryAction{Tag: "mock", Mode: upstream.CacheStandard},
				&QueryAction{Tag: "ghost", Mode: upstream.CacheStandard},
			},
			Next: End,
		},
	}, "start")
	require.NoError(t, err)

	_, err = NewEngine(table, set, nil)
	var merr *upstream.MissingTagError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "ghost", merr.Tag)
}

func TestIfBlockRoutesBlackholeOnMatch(t *testing.T) {
	ads := trie.New[struct{}]()
	ads.Insert("ads.example", struct{}{})

	mock := &fakeTransport{}
	set := newSet(t, upstream.New("mock", mock))

	table, err := NewTable(map[string]Rule{
		"start": &IfBlock{
			Cond: NewDomain(ads),
			Then: Branch{Actions: []Action{BlackholeAction{}}, Next: End},
			Else: Branch{Actions: []Action{&QueryAction{Tag: "mock", Mode: upstream.CacheStandard}}, Next: End},
		},
	}, "start")
	require.NoError(t, err)

	engine, err := NewEngine(table, set, nil)
	require.NoError(t, err)

	// Matching query is blackholed: NOERROR, no answers, SOA additional.
	resp, err := engine.Route(context.Background(), newQuery("ads.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Extra, 1)
	soa := resp.Extra[0].(*dns.SOA)
	assert.Equal(t, ".", soa.Hdr.Name)
	assert.Equal(t, uint32(86400), soa.Hdr.Ttl)
	assert.Zero(t, mock.calls.Load())

	// Non-matching query is forwarded.
	resp, err = engine.Route(context.Background(), newQuery("example.com", dns.TypeA), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
	assert.Equal(t, int64(1), mock.calls.Load())
}

func TestMultiRuleTraversal(t *testing.T) {
	mock := &fakeTransport{}
	set := newSet(t, upstream.New("mock", mock))

	table, err := NewTable(map[string]Rule{
		"start": &SeqBlock{Next: "forward"},
		"forward": &SeqBlock{
			Actions: []Action{&QueryAction{Tag: "mock", Mode: upstream.CacheDisabled}},
			Next:    End,
		},
	}, "start")
	require.NoError(t, err)

	engine, err := NewEngine(table, set, nil)
	require.NoError(t, err)

	resp, err := engine.Route(context.Background(), newQuery("hop.test", dns.TypeA), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
}

func TestNewTableRejectsUnknownStart(t *testing.T) {
	_, err := NewTable(map[string]Rule{"a": &SeqBlock{Next: End}}, "missing")
	var uerr *UnknownRuleError
	require.ErrorAs(t, err, &uerr)
}

func TestNewTableRejectsUnknownJump(t *testing.T) {
	_, err := NewTable(map[string]Rule{
		"start": &SeqBlock{Next: "nowhere"},
	}, "start")
	var uerr *UnknownRuleError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "nowhere", uerr.Tag)
}

func TestNewTableRejectsCycle(t *testing.T) {
	_, err := NewTable(map[string]Rule{
		"start": &SeqBlock{Next: "loop"},
		"loop":  &SeqBlock{Next: "start"},
	}, "start")
	var cerr *RuleCycleError
	require.ErrorAs(t, err, &cerr)
}

func TestNewTableIgnoresUnreachableUpstreams(t *testing.T) {
	table, err := NewTable(map[string]Rule{
		"start": &SeqBlock{
			Actions: []Action{&QueryAction{Tag: "used"}},
			Next:    End,
		},
		"island": &SeqBlock{
			Actions: []Action{&QueryAction{Tag: "island-upstream"}},
			Next:    End,
		},
	}, "start")
	require.NoError(t, err)
	assert.Equal(t, []string{"used"}, table.UsedUpstreams())
}

func TestRouterZeroQuestionsServfail(t *testing.T) {
	set := newSet(t, upstream.New("mock", &fakeTransport{}))
	engine, err := NewEngine(forwardTable(t, "mock"), set, nil)
	require.NoError(t, err)
	r := New(engine)

	q := new(dns.Msg)
	q.Id = 0xbeef
	resp := r.Resolve(context.Background(), q, nil)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, uint16(0xbeef), resp.Id)
}

func TestRouterDisableIPv6(t *testing.T) {
	mock := &fakeTransport{}
	set := newSet(t, upstream.New("mock", mock))
	engine, err := NewEngine(forwardTable(t, "mock"), set, nil)
	require.NoError(t, err)
	r := New(engine, WithDisableIPv6(true))

	q := newQuery("foo.test", dns.TypeAAAA)
	q.Opcode = dns.OpcodeQuery
	resp := r.Resolve(context.Background(), q, nil)

	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Equal(t, q.Id, resp.Id)
	assert.Equal(t, q.Opcode, resp.Opcode)
	assert.Zero(t, mock.calls.Load(), "AAAA must not be forwarded")

	// A queries still go through.
	resp = r.Resolve(context.Background(), newQuery("foo.test", dns.TypeA), nil)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func TestRouterActionFailureBecomesServfail(t *testing.T) {
	set := newSet(t, upstream.New("broken", &fakeTransport{fail: true}))
	engine, err := NewEngine(forwardTable(t, "broken"), set, nil)
	require.NoError(t, err)
	r := New(engine)

	q := newQuery("down.test", dns.TypeA)
	resp := r.Resolve(context.Background(), q, nil)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, q.Id, resp.Id)
	assert.Equal(t, q.Opcode, resp.Opcode)
}

func TestBackendFunc(t *testing.T) {
	backend := BackendFunc(func(_ context.Context, query *dns.Msg, _ *Context) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetRcode(query, dns.RcodeRefused)
		return resp, nil
	})
	r := New(backend)

	resp := r.Resolve(context.Background(), newQuery("scripted.test", dns.TypeA), nil)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestRouterSetsRecursionAvailable(t *testing.T) {
	set := newSet(t, upstream.New("mock", &fakeTransport{}))
	engine, err := NewEngine(forwardTable(t, "mock"), set, nil)
	require.NoError(t, err)
	r := New(engine)

	q := newQuery("rd.test", dns.TypeA)
	q.RecursionDesired = true
	resp := r.Resolve(context.Background(), q, nil)
	assert.True(t, resp.RecursionAvailable)
}
