package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointdns/waypoint/internal/geoip"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// startMockUpstream runs a local nameserver for build-level end-to-end
// checks.
func startMockUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(r)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(192, 0, 2, 7),
		}}
		_ = w.WriteMsg(resp)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func buildFromYAML(t *testing.T, src string) (*Runtime, error) {
	t.Helper()
	cfg, err := Parse([]byte(src))
	require.NoError(t, err)
	return Build(cfg, nil)
}

func TestBuildAndRoute(t *testing.T) {
	mockAddr := startMockUpstream(t)

	listPath := filepath.Join(t.TempDir(), "ads.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("ads.example\nünïcode-junk\n"), 0o644))

	rt, err := buildFromYAML(t, `
address: "127.0.0.1:0"
upstreams:
  mock:
    udp:
      addr: "`+mockAddr+`"
      timeout: 5s
matchers:
  ads:
    domain:
      files: ["`+listPath+`"]
table:
  rules:
    - tag: start
      if: ads
      then:
        actions: [blackhole]
      else:
        actions: [{query: mock}]
`)
	require.NoError(t, err)

	q := new(dns.Msg)
	q.SetQuestion("ads.example.", dns.TypeA)
	resp := rt.Router.Resolve(context.Background(), q, nil)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Extra, 1)

	q = new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	resp = rt.Router.Resolve(context.Background(), q, nil)
	require.NotEmpty(t, resp.Answer)
	assert.Equal(t, "192.0.2.7", resp.Answer[0].(*dns.A).A.String())
}

func TestBuildRejectsHybridRecursion(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  a: {hybrid: [b]}
  b: {hybrid: [a]}
table:
  rules:
    - tag: start
      actions: [{query: a}]
`)
	var rerr *upstream.RecursionError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, []string{"a", "b"}, rerr.Tag)
}

func TestBuildRejectsUnusedUpstream(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  used: {udp: {addr: "1.1.1.1:53", timeout: 2s}}
  orphan: {udp: {addr: "8.8.8.8:53", timeout: 2s}}
table:
  rules:
    - tag: start
      actions: [{query: used}]
`)
	var uerr *upstream.UnusedUpstreamsError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, []string{"orphan"}, uerr.Tags)
}

func TestBuildRejectsTwoVariantUpstream(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  both:
    udp: {addr: "1.1.1.1:53", timeout: 2s}
    hybrid: [x]
table:
  rules:
    - tag: start
      actions: [{query: both}]
`)
	assert.Error(t, err)
}

func TestBuildRejectsUnknownExprMatcher(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  up: {udp: {addr: "1.1.1.1:53", timeout: 2s}}
table:
  rules:
    - tag: start
      if: "no-such-matcher"
      then: {actions: [blackhole]}
      else: {actions: [{query: up}]}
`)
	assert.Error(t, err)
}

func TestBuildRejectsGeoIPWithoutDatabase(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  up: {udp: {addr: "1.1.1.1:53", timeout: 2s}}
matchers:
  cn:
    geoip: {codes: [CN]}
table:
  rules:
    - tag: start
      if: cn
      then: {actions: [blackhole]}
      else: {actions: [{query: up}]}
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, geoip.ErrNoDatabase)
}

func TestBuildRejectsBadCachePolicy(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  up: {udp: {addr: "1.1.1.1:53", timeout: 2s}}
table:
  rules:
    - tag: start
      actions: [{query: {tag: up, cache_policy: sometimes}}]
`)
	assert.Error(t, err)
}

func TestBuildRejectsRuleCycle(t *testing.T) {
	_, err := buildFromYAML(t, `
address: ":53"
upstreams:
  up: {udp: {addr: "1.1.1.1:53", timeout: 2s}}
table:
  rules:
    - tag: start
      actions: [{query: up}]
      next: start
`)
	assert.Error(t, err)
}
