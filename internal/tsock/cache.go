// Package tsock implements the transparent-socket LRU cache (spec.md 4.3):
// a bounded pool of IP_TRANSPARENT-bound UDP sockets keyed by peer address,
// used to forge reply datagrams as coming from the original destination.
//
// The lock protocol is reproduced verbatim from the reference
// hev-tsocks-cache.c: Get takes a read lock and, on a cache hit, returns
// without releasing it — the matching Put is the release. On a miss Get
// drops the read lock, evicts the LRU head under a write lock only if the
// cache is at capacity, inserts the new entry under a write lock, and loops
// back to the top so the hit path is what actually returns holding the read
// lock. The rbtree keyed by a 28-byte sockaddr in the original is replaced
// here by a Go map keyed by netip.AddrPort (already a plain comparable
// value): a map is the idiomatic, equal-or-better substitute for a tree used
// purely for equality lookup (see DESIGN.md).
package tsock

import (
	"container/list"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"tproxysocks5/internal/addrnorm"
	"tproxysocks5/internal/logx"
	"tproxysocks5/internal/sockopt"
)

// MaxCached is the cache capacity (TSOCKS_MAX_CACHED in the original).
const MaxCached = 64

var log = logx.New(logx.WithPrefix("tsock"))

type entry struct {
	addr netip.AddrPort
	conn *net.UDPConn
	elem *list.Element // this entry's node in lru
}

// Cache is the process-wide transparent-socket pool. The zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.RWMutex
	lruMu    sync.Mutex // guards lru reordering on the Get hit path
	entries  map[netip.AddrPort]*entry
	lru      *list.List // front = least-recently-used, back = most-recently-used
	capacity int
}

func New() *Cache {
	return &Cache{
		entries:  make(map[netip.AddrPort]*entry),
		lru:      list.New(),
		capacity: MaxCached,
	}
}

// Get returns a UDP socket bound to peer, transparent so sendto from it
// appears to originate from peer. On success the cache's read lock is left
// held — callers MUST call Put exactly once to release it, regardless of
// whether they used the fd. Get never blocks for long: eviction and
// insertion take the write lock only for the O(1) map/list operations.
func (c *Cache) Get(peer netip.AddrPort) (*net.UDPConn, error) {
	peer = addrnorm.NewKey(peer.Addr(), peer.Port())

	for {
		c.mu.RLock()
		if e, ok := c.entries[peer]; ok {
			c.touch(e)
			return e.conn, nil // read lock held; caller releases via Put
		}
		c.mu.RUnlock()

		if err := c.evictIfFull(); err != nil {
			return nil, err
		}

		conn, err := newReplySocket(peer)
		if err != nil {
			return nil, fmt.Errorf("tsock: create reply socket for %s: %w", peer, err)
		}

		c.mu.Lock()
		if _, exists := c.entries[peer]; exists {
			// Lost a race with another inserter; drop our socket and retry
			// the lookup, which will now hit.
			c.mu.Unlock()
			_ = conn.Close()
			continue
		}
		e := &entry{addr: peer, conn: conn}
		e.elem = c.lru.PushBack(e)
		c.entries[peer] = e
		c.mu.Unlock()
		// Loop back: the next RLock+lookup will find it and return holding
		// the read lock, matching the reference's control flow exactly.
	}
}

// touch moves e to the MRU (back) position under the LRU reorder lock. In
// the reference this is a separate spinlock held while the read lock is
// also held; a single RWMutex already serializes this module's writers, so
// the reorder here additionally needs its own mutex only because it mutates
// lru while other readers may be holding the RLock concurrently.
func (c *Cache) touch(e *entry) {
	c.lruMu.Lock()
	c.lru.MoveToBack(e.elem)
	c.lruMu.Unlock()
}

// evictIfFull closes and removes the least-recently-used entry if the cache
// is at capacity, under the write lock, mirroring the reference's
// check-under-wrlock-then-destroy-outside-lock sequence.
func (c *Cache) evictIfFull() error {
	c.mu.Lock()
	var evicted *entry
	if len(c.entries) >= c.capacity {
		front := c.lru.Front()
		if front != nil {
			evicted = front.Value.(*entry)
			c.lru.Remove(front)
			delete(c.entries, evicted.addr)
		}
	}
	c.mu.Unlock()

	if evicted != nil {
		log.Debugf("evict lru reply socket %s", evicted.addr)
		_ = evicted.conn.Close()
	}
	return nil
}

// Put releases the lock acquired by a successful Get.
func (c *Cache) Put() {
	c.mu.RUnlock()
}

// Len reports the number of cached entries (test/diagnostic use only).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close tears down every cached socket. Call only after all workers have
// stopped issuing Get/Put.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		_ = e.Value.(*entry).conn.Close()
	}
	c.entries = make(map[netip.AddrPort]*entry)
	c.lru.Init()
}

func newReplySocket(addr netip.AddrPort) (*net.UDPConn, error) {
	return sockopt.NewTransparentReplySocket(addr)
}
