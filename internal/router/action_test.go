package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointdns/waypoint/internal/cache"
)

func ecsOf(t *testing.T, msg *dns.Msg) *dns.EDNS0_SUBNET {
	t.Helper()
	opt := msg.IsEdns0()
	require.NotNil(t, opt, "no OPT record present")
	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			return subnet
		}
	}
	t.Fatal("no ECS option present")
	return nil
}

func TestECSManualUsesStaticIPForPrivateClient(t *testing.T) {
	action := NewECSManual(netip.MustParseAddr("203.0.113.10"))
	s := stateFor("ecs.test", dns.TypeA)
	s.Context = &Context{ClientIP: netip.MustParseAddr("192.168.0.9")}

	require.NoError(t, action.Act(context.Background(), s, nil))

	subnet := ecsOf(t, s.Query)
	assert.Equal(t, "203.0.113.10", subnet.Address.String())
	assert.Equal(t, uint8(24), subnet.SourceNetmask)
}

func TestECSUsesGlobalClientDirectly(t *testing.T) {
	action := NewECSManual(netip.MustParseAddr("203.0.113.10"))
	s := stateFor("ecs.test", dns.TypeA)
	s.Context = &Context{ClientIP: netip.MustParseAddr("198.51.100.20")}

	require.NoError(t, action.Act(context.Background(), s, nil))

	subnet := ecsOf(t, s.Query)
	assert.Equal(t, "198.51.100.20", subnet.Address.String())
}

func TestECSWithoutContextIsNoOp(t *testing.T) {
	action := NewECSManual(netip.MustParseAddr("203.0.113.10"))
	s := stateFor("ecs.test", dns.TypeA)

	require.NoError(t, action.Act(context.Background(), s, nil))
	assert.Nil(t, s.Query.IsEdns0())
}

func TestECSAutoFetchesAndCaches(t *testing.T) {
	var hits atomic.Int64
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("203.0.113.77\n"))
	}))
	defer api.Close()

	ecsCache := cache.NewECSCache(8)
	action := NewECSAuto(api.URL, ecsCache, nil)

	s := stateFor("ecs.test", dns.TypeA)
	s.Context = &Context{ClientIP: netip.MustParseAddr("10.1.2.3")}
	require.NoError(t, action.Act(context.Background(), s, nil))
	assert.Equal(t, "203.0.113.77", ecsOf(t, s.Query).Address.String())
	assert.Equal(t, int64(1), hits.Load())

	// Second act for the same client is served from the cache.
	s2 := stateFor("ecs.test", dns.TypeA)
	s2.Context = &Context{ClientIP: netip.MustParseAddr("10.1.2.3")}
	require.NoError(t, action.Act(context.Background(), s2, nil))
	assert.Equal(t, int64(1), hits.Load())
}

func TestECSAutoRejectsGarbageAPI(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not an ip</html>"))
	}))
	defer api.Close()

	action := NewECSAuto(api.URL, cache.NewECSCache(8), nil)
	s := stateFor("ecs.test", dns.TypeA)
	s.Context = &Context{ClientIP: netip.MustParseAddr("10.1.2.3")}

	assert.Error(t, action.Act(context.Background(), s, nil))
}

func TestECSReplacesExistingOPT(t *testing.T) {
	action := NewECSManual(netip.MustParseAddr("203.0.113.10"))
	s := stateFor("ecs.test", dns.TypeA)
	s.Query.SetEdns0(4096, true)
	s.Context = &Context{ClientIP: netip.MustParseAddr("192.168.0.9")}

	require.NoError(t, action.Act(context.Background(), s, nil))

	opts := 0
	for _, rr := range s.Query.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			opts++
		}
	}
	assert.Equal(t, 1, opts)
}

func TestBlackholeUsedUpstream(t *testing.T) {
	_, used := BlackholeAction{}.UsedUpstream()
	assert.False(t, used)

	tag, used := (&QueryAction{Tag: "up"}).UsedUpstream()
	assert.True(t, used)
	assert.Equal(t, "up", tag)
}
