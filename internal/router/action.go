package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/waypointdns/waypoint/internal/cache"
	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// Action is a side-effecting routing step. Actions run strictly in
// declared order within a branch; a failing action aborts the request's
// routing.
type Action interface {
	Act(ctx context.Context, state *State, upstreams *upstream.Set) error

	// UsedUpstream names the upstream the action sends to, if any, so
	// the table can compute the used-upstreams set for validation.
	UsedUpstream() (string, bool)
}

// QueryAction forwards the state's query through an upstream and stores
// the response.
type QueryAction struct {
	Tag  string
	Mode upstream.CacheMode
}

func (a *QueryAction) Act(ctx context.Context, state *State, upstreams *upstream.Set) error {
	resp, err := upstreams.Send(ctx, a.Tag, a.Mode, state.Query)
	if err != nil {
		return err
	}
	state.Response = resp
	return nil
}

func (a *QueryAction) UsedUpstream() (string, bool) { return a.Tag, true }

// BlackholeAction replaces the response with the synthesised "stop asking"
// message: NOERROR with a single long-TTL SOA in the additional section.
type BlackholeAction struct{}

func (BlackholeAction) Act(_ context.Context, state *State, _ *upstream.Set) error {
	state.Response = dnsmsg.Blackhole(state.Query)
	return nil
}

func (BlackholeAction) UsedUpstream() (string, bool) { return "", false }

// ecsFetchTimeout bounds one external-IP discovery request.
const ecsFetchTimeout = 5 * time.Second

// ECSAction stamps an EDNS Client Subnet option onto the query. A globally
// routable client address is used directly; otherwise the external IP is
// either fixed (manual mode) or discovered through an HTTP API and cached
// (auto mode).
type ECSAction struct {
	// StaticIP is the manual-mode external address.
	StaticIP netip.Addr

	// APIURL is the auto-mode discovery endpoint; an HTTP GET must
	// return the caller's public IP as text.
	APIURL string

	cache  *cache.ECSCache
	client *http.Client
	logger *slog.Logger
}

// NewECSManual creates an ECS action with a fixed external address.
func NewECSManual(ip netip.Addr) *ECSAction {
	return &ECSAction{StaticIP: ip, logger: slog.Default()}
}

// NewECSAuto creates an ECS action that discovers the external address via
// apiURL and caches it per client.
func NewECSAuto(apiURL string, ecsCache *cache.ECSCache, logger *slog.Logger) *ECSAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &ECSAction{
		APIURL: apiURL,
		cache:  ecsCache,
		client: &http.Client{Timeout: ecsFetchTimeout},
		logger: logger,
	}
}

func (a *ECSAction) Act(ctx context.Context, state *State, _ *upstream.Set) error {
	if state.Context == nil || !state.Context.ClientIP.IsValid() {
		a.logger.Warn("no client address available for ECS")
		return nil
	}
	client := state.Context.ClientIP

	external := client
	if !dnsmsg.IsGlobal(client) {
		var err error
		external, err = a.externalIP(ctx, client)
		if err != nil {
			return err
		}
	}

	state.Query = dnsmsg.WithClientSubnet(state.Query, external)
	return nil
}

// externalIP resolves the address to stamp for a non-global client.
func (a *ECSAction) externalIP(ctx context.Context, client netip.Addr) (netip.Addr, error) {
	if a.StaticIP.IsValid() {
		return a.StaticIP, nil
	}

	switch ip, status := a.cache.Get(client); status {
	case cache.Alive:
		return ip, nil
	case cache.Expired:
		// Serve the stale mapping and refresh it off the request path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ecsFetchTimeout)
			defer cancel()
			if _, err := a.fetchExternalIP(ctx, client); err != nil {
				a.logger.Debug("ECS refresh failed", "err", err)
			}
		}()
		return ip, nil
	default:
		return a.fetchExternalIP(ctx, client)
	}
}

// fetchExternalIP asks the configured API for our public address and
// records it for the client.
func (a *ECSAction) fetchExternalIP(ctx context.Context, client netip.Addr) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIURL, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("external IP API status %s", res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 256))
	if err != nil {
		return netip.Addr{}, err
	}

	external, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external IP API returned %q: %w", strings.TrimSpace(string(body)), err)
	}

	a.logger.Info("got external IP", "ip", external)
	a.cache.Put(client, external)
	return external, nil
}

func (a *ECSAction) UsedUpstream() (string, bool) { return "", false }
