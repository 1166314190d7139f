package upstream

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Transport sends one DNS query and returns the matching response. A
// Transport owns whatever connection state it needs; implementations are
// safe for concurrent use.
type Transport interface {
	Query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
	Close() error
}

// conn is one reusable handle inside a pool.
type conn interface {
	// exchange sends msg and awaits the matching response. After a fatal
	// error the handle reports itself non-reusable.
	exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)

	// reusable reports whether the handle may serve another query.
	reusable() bool

	close() error
}

// initiator knows how to create one handle for its transport.
type initiator interface {
	create(ctx context.Context) (conn, error)
	kind() string
}

// connPool keeps idle handles of one upstream for reuse. Acquisition never
// blocks on pool capacity: when no idle handle is available a fresh one is
// created, and surplus handles are closed on release.
type connPool struct {
	init    initiator
	idle    chan conn
	timeout time.Duration
}

func newConnPool(init initiator, size int, timeout time.Duration) *connPool {
	if size <= 0 {
		size = 1
	}
	return &connPool{
		init:    init,
		idle:    make(chan conn, size),
		timeout: timeout,
	}
}

// Query runs one exchange under the pool's per-query timeout. The handle
// goes back to the pool unless it declared itself non-reusable.
func (p *connPool) Query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.exchange(ctx, msg)
	p.release(c)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *connPool) acquire(ctx context.Context) (conn, error) {
	for {
		select {
		case c := <-p.idle:
			if c.reusable() {
				return c, nil
			}
			_ = c.close()
		default:
			return p.init.create(ctx)
		}
	}
}

func (p *connPool) release(c conn) {
	if !c.reusable() {
		_ = c.close()
		return
	}
	select {
	case p.idle <- c:
	default:
		_ = c.close()
	}
}

func (p *connPool) Close() error {
	for {
		select {
		case c := <-p.idle:
			_ = c.close()
		default:
			return nil
		}
	}
}

// isAnswerTo reports whether resp answers the question carried by the wire
// query: matching id and, when both carry questions, matching canonical
// qname, qtype, and qclass.
func isAnswerTo(resp, query *dns.Msg) bool {
	if !resp.Response || resp.Id != query.Id {
		return false
	}
	if len(query.Question) == 0 {
		return true
	}
	if len(resp.Question) == 0 {
		// Some servers strip the question on error responses.
		return resp.Rcode != dns.RcodeSuccess
	}
	q, r := query.Question[0], resp.Question[0]
	return dns.CanonicalName(q.Name) == dns.CanonicalName(r.Name) &&
		q.Qtype == r.Qtype && q.Qclass == r.Qclass
}
