package upstream

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
)

// udpPoolSize is how many connected sockets are kept idle per upstream.
const udpPoolSize = 8

// NewUDP creates a plain DNS-over-UDP transport for addr ("ip:port").
func NewUDP(addr string, timeout time.Duration) Transport {
	return newConnPool(&udpInitiator{addr: addr}, udpPoolSize, timeout)
}

type udpInitiator struct {
	addr string
}

func (i *udpInitiator) kind() string { return "UDP" }

func (i *udpInitiator) create(ctx context.Context) (conn, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "udp", i.addr)
	if err != nil {
		return nil, err
	}
	return &udpConn{conn: c.(*net.UDPConn)}, nil
}

// udpConn is one connected UDP socket. A read timeout leaves the socket
// usable (late datagrams are discarded by the id check of the next query);
// a write failure marks it broken.
type udpConn struct {
	conn   *net.UDPConn
	broken bool
}

func (c *udpConn) reusable() bool { return !c.broken }

func (c *udpConn) close() error { return c.conn.Close() }

func (c *udpConn) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	// A fresh random id per send; the caller's id is restored on the
	// response so pooled sockets can't leak answers across queries.
	wire := msg.Copy()
	wire.Id = dns.Id()

	packed, err := wire.Pack()
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.broken = true
		return nil, err
	}

	if _, err := c.conn.Write(packed); err != nil {
		c.broken = true
		return nil, err
	}

	buf := make([]byte, dnsmsg.MaxUDPPayload)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				c.broken = true
			}
			return nil, err
		}

		// Garbage and answers to earlier queries are discarded; the
		// deadline bounds the whole loop.
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		if !isAnswerTo(resp, wire) {
			continue
		}
		resp.Id = msg.Id
		return resp, nil
	}
}
