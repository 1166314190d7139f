package server

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/router"
)

// handle processes one datagram end to end: decode, route, encode, reply.
//
// A datagram that does not decode is dropped without a response; the peer
// times out and retries elsewhere. Everything that decodes gets an answer,
// the router guaranteeing SERVFAIL translation for routing failures.
func (s *UDPServer) handle(ctx context.Context, conn *net.UDPConn, buf []byte, peer *net.UDPAddr) {
	started := time.Now()

	query := new(dns.Msg)
	if err := query.Unpack(buf); err != nil {
		s.Stats.RecordDropped()
		s.Logger.Debug("dropping undecodable datagram", "peer", peer, "err", err)
		return
	}
	s.Stats.RecordQuery()

	qctx := clientContext(peer)
	resp := s.Router.Resolve(ctx, query, qctx)
	s.Stats.RecordRcode(resp.Rcode)

	// Datagrams over the payload limit are truncated rather than
	// silently overflowed; clients retry over TCP elsewhere.
	resp.Truncate(dnsmsg.MaxUDPPayload)

	packed, err := resp.Pack()
	if err != nil {
		s.Logger.Warn("failed to encode response", "peer", peer, "err", err)
		return
	}
	if _, err := conn.WriteToUDP(packed, peer); err != nil {
		s.Logger.Debug("failed to send response", "peer", peer, "err", err)
		return
	}

	s.Stats.RecordLatency(time.Since(started))
	if len(query.Question) > 0 {
		s.Logger.Debug("query answered",
			"peer", peer,
			"qname", query.Question[0].Name,
			"qtype", dns.TypeToString[query.Question[0].Qtype],
			"rcode", dns.RcodeToString[resp.Rcode],
		)
	}
}

// clientContext derives the routing context from the peer address.
func clientContext(peer *net.UDPAddr) *router.Context {
	addr, ok := netip.AddrFromSlice(peer.IP)
	if !ok {
		return nil
	}
	return &router.Context{ClientIP: addr.Unmap()}
}
