// Package cache provides the bounded TTL-aware LRU caches shared across a
// router instance: the response cache keyed by (upstream tag, question) and
// the ECS external-IP cache keyed by client address.
//
// Unlike a plain expiring cache, entries are kept past their TTL until
// capacity pressure evicts them: readers of an expired entry receive the
// stale value together with the Expired status and are expected to trigger
// a refresh.
package cache

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/waypointdns/waypoint/internal/dnsmsg"
)

// Status classifies the outcome of a cache read.
type Status int

const (
	Miss Status = iota
	Expired
	Alive
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// ecsTTL is how long a discovered external IP stays fresh.
const ecsTTL = 30 * time.Minute

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
	elem       *list.Element
}

// ttlCache is a mutex-guarded LRU whose entries carry an insertion time and
// TTL. Get never deletes: expired entries survive until evicted by
// capacity, so callers can serve stale data while refreshing.
type ttlCache[K comparable, V any] struct {
	mu         sync.Mutex
	maxEntries int
	lru        *list.List // front = least recently used
	data       map[K]*entry[V]

	hits   uint64
	stale  uint64
	misses uint64
}

func newTTLCache[K comparable, V any](maxEntries int) *ttlCache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &ttlCache[K, V]{
		maxEntries: maxEntries,
		lru:        list.New(),
		data:       make(map[K]*entry[V]),
	}
}

func (c *ttlCache[K, V]) put(key K, val V, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.data[key]; existing != nil {
		existing.value = val
		existing.insertedAt = now
		existing.ttl = ttl
		c.lru.MoveToBack(existing.elem)
		return
	}

	e := &entry[V]{value: val, insertedAt: now, ttl: ttl}
	e.elem = c.lru.PushBack(key)
	c.data[key] = e

	for len(c.data) > c.maxEntries {
		front := c.lru.Front()
		if front == nil {
			break
		}
		k := front.Value.(K)
		c.lru.Remove(front)
		delete(c.data, k)
	}
}

func (c *ttlCache[K, V]) get(key K) (V, Status) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.data[key]
	if e == nil {
		c.misses++
		return zero, Miss
	}
	c.lru.MoveToBack(e.elem)

	if time.Since(e.insertedAt) <= e.ttl {
		c.hits++
		return e.value, Alive
	}
	c.stale++
	return e.value, Expired
}

func (c *ttlCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *ttlCache[K, V]) stats() (hits, stale, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.stale, c.misses
}

type respKey struct {
	tag      string
	question dnsmsg.QuestionKey
}

// ResponseCache is the shared response cache of a router instance: one
// bounded LRU across all upstreams, keyed by upstream tag and question.
type ResponseCache struct {
	inner *ttlCache[respKey, *dns.Msg]
}

// NewResponseCache creates a response cache holding at most maxEntries
// records.
func NewResponseCache(maxEntries int) *ResponseCache {
	return &ResponseCache{inner: newTTLCache[respKey, *dns.Msg](maxEntries)}
}

// Put stores resp under (tag, first question of query). Responses with a
// non-NOERROR rcode are not cached. The lifetime is the minimum answer TTL
// clamped to [0, 86400] seconds; an answerless NOERROR response gets the
// maximum.
func (c *ResponseCache) Put(tag string, query, resp *dns.Msg) {
	if resp.Rcode != dns.RcodeSuccess {
		return
	}
	key, ok := dnsmsg.Key(query)
	if !ok {
		return
	}
	c.inner.put(respKey{tag: tag, question: key}, resp.Copy(), dnsmsg.ResponseTTL(resp))
}

// Get looks up the cached response for (tag, first question of query).
// The returned message is a private copy; the caller owns it and must still
// rewrite its id. On Miss the message is nil.
func (c *ResponseCache) Get(tag string, query *dns.Msg) (*dns.Msg, Status) {
	key, ok := dnsmsg.Key(query)
	if !ok {
		return nil, Miss
	}
	msg, status := c.inner.get(respKey{tag: tag, question: key})
	if status == Miss {
		return nil, Miss
	}
	return msg.Copy(), status
}

// Len returns the number of cached records, expired ones included.
func (c *ResponseCache) Len() int {
	return c.inner.len()
}

// Stats returns cumulative hit (alive), stale (expired), and miss counts.
func (c *ResponseCache) Stats() (hits, stale, misses uint64) {
	return c.inner.stats()
}

// ECSCache maps a client address to the external IP used for its EDNS
// Client Subnet option. Entries stay fresh for 30 minutes.
type ECSCache struct {
	inner *ttlCache[netip.Addr, netip.Addr]
}

// NewECSCache creates an ECS cache holding at most maxEntries mappings.
func NewECSCache(maxEntries int) *ECSCache {
	return &ECSCache{inner: newTTLCache[netip.Addr, netip.Addr](maxEntries)}
}

// Put records the external IP observed for client.
func (c *ECSCache) Put(client, external netip.Addr) {
	c.inner.put(client, external, ecsTTL)
}

// Get returns the external IP recorded for client.
func (c *ECSCache) Get(client netip.Addr) (netip.Addr, Status) {
	return c.inner.get(client)
}
