// Package server implements the UDP front end of the proxy.
//
// Goroutine Model:
//
// Run opens one socket per CPU core (sharing the port via SO_REUSEPORT
// where the platform supports it) and starts a receive loop per socket.
// Every datagram is handed to its own goroutine: routing a query can stall
// on upstream I/O for seconds and must never block the receive path.
//
// All goroutines watch the shared context and exit on shutdown; in-flight
// responses may be dropped at that point, which UDP clients handle by
// retrying.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"golang.org/x/time/rate"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
	"github.com/waypointdns/waypoint/internal/pool"
	"github.com/waypointdns/waypoint/internal/router"
)

// Socket buffer sizes for burst handling (4MB each).
const (
	socketRecvBufferSize = 4 * 1024 * 1024
	socketSendBufferSize = 4 * 1024 * 1024
)

// bufferPool recycles receive buffers sized for the largest datagram we
// accept.
var bufferPool = pool.NewBytes(dnsmsg.MaxUDPPayload)

// UDPServer reads DNS queries from UDP sockets and answers them through a
// Router.
type UDPServer struct {
	Logger *slog.Logger
	Router *router.Router
	Stats  *Stats

	// Limiter optionally caps the global query rate; datagrams over the
	// limit are dropped before decoding.
	Limiter *rate.Limiter

	conns []*net.UDPConn
	wg    sync.WaitGroup
}

// Run binds addr and serves until ctx is cancelled or the socket fails
// fatally.
func (s *UDPServer) Run(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the server's sockets without serving yet.
func (s *UDPServer) Listen(addr string) error {
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Stats == nil {
		s.Stats = NewStats()
	}

	socketCount := runtime.NumCPU()
	if !reusePortAvailable {
		socketCount = 1
	}

	for range socketCount {
		conn, err := listenUDP(addr)
		if err != nil {
			for _, c := range s.conns {
				_ = c.Close()
			}
			s.conns = nil
			return err
		}
		// With an ephemeral port, later sockets must share whatever the
		// first bind got.
		addr = conn.LocalAddr().String()
		_ = conn.SetReadBuffer(socketRecvBufferSize)
		_ = conn.SetWriteBuffer(socketSendBufferSize)
		s.conns = append(s.conns, conn)
	}
	return nil
}

// Addr returns the bound address; empty before Listen.
func (s *UDPServer) Addr() string {
	if len(s.conns) == 0 {
		return ""
	}
	return s.conns[0].LocalAddr().String()
}

// Serve runs the receive loops until ctx is cancelled.
func (s *UDPServer) Serve(ctx context.Context) error {
	for _, conn := range s.conns {
		s.wg.Go(func() {
			s.recvLoop(ctx, conn)
		})
	}
	s.Logger.Info("DNS server listening", "addr", s.Addr(), "sockets", len(s.conns))

	<-ctx.Done()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}

// recvLoop reads datagrams and spawns one handler goroutine per query.
func (s *UDPServer) recvLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := bufferPool.Get()
		n, peer, err := conn.ReadFromUDP(*bufPtr)
		if err != nil {
			bufferPool.Put(bufPtr)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger.Warn("UDP read error", "err", err)
			continue
		}

		if s.Limiter != nil && !s.Limiter.Allow() {
			s.Stats.RecordDropped()
			bufferPool.Put(bufPtr)
			continue
		}

		s.wg.Go(func() {
			defer bufferPool.Put(bufPtr)
			s.handle(ctx, conn, (*bufPtr)[:n], peer)
		})
	}
}
