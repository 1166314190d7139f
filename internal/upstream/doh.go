package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

const dohContentType = "application/dns-message"

// DoHConfig describes a DNS-over-HTTPS upstream.
type DoHConfig struct {
	// URL is the query endpoint, e.g. "https://cloudflare-dns.com/dns-query".
	URL string

	// ResolvedAddr pins the TCP endpoint the URL's host resolves to,
	// e.g. "1.1.1.1:443". Required: the proxy must not need DNS to
	// reach its DNS server.
	ResolvedAddr string

	// Proxy optionally routes the HTTPS connection through an HTTP
	// proxy. With a proxy, connections go to the proxy, which reaches the
	// URL's host itself; ResolvedAddr is then not used.
	Proxy string

	// Timeout bounds each query.
	Timeout time.Duration
}

// doh posts wire-format queries per RFC 8484 over a shared HTTP/2 client.
type doh struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// NewDoH creates a DNS-over-HTTPS transport.
func NewDoH(cfg DoHConfig) (Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("DoH url %q is not https", cfg.URL)
	}

	transport := &http.Transport{
		// Without a proxy, all connections go to the configured address:
		// resolving the DoH host through DNS would be circular. With a
		// proxy, net/http only dials the proxy address.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			if cfg.Proxy != "" {
				return d.DialContext(ctx, network, addr)
			}
			return d.DialContext(ctx, network, cfg.ResolvedAddr)
		},
		TLSClientConfig:     &tls.Config{ServerName: u.Hostname()},
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     2 * time.Minute,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("enabling http2: %w", err)
	}

	return &doh{
		client:  &http.Client{Transport: transport},
		url:     cfg.URL,
		timeout: cfg.Timeout,
	}, nil
}

func (d *doh) Query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Per RFC 8484 the id is zeroed to improve HTTP cache hit rates; the
	// caller's id is restored on the response.
	wire := msg.Copy()
	wire.Id = 0
	body, err := wire.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	res, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH status %s", res.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(raw); err != nil {
		return nil, err
	}
	if !isAnswerTo(resp, wire) {
		return nil, fmt.Errorf("DoH response does not answer the query")
	}
	resp.Id = msg.Id
	return resp, nil
}

func (d *doh) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
