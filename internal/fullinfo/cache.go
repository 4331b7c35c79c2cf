// Package fullinfo caches the lazily fetched "full" extension records of
// entities. Records expire on a TTL; reads through the cache serve stale
// values immediately while refreshing in the background, and concurrent
// fetches for the same id coalesce into one network call whose result fans
// out to every waiter.
package fullinfo

import (
	"time"

	"go.uber.org/zap"
)

// Callback receives the fetch outcome. Exactly one of full/err is set.
type Callback[F any] func(full *F, err error)

// Fetcher issues the network fetch for an id. It must complete by calling
// Apply or Fail on the cache, from the engine run loop.
type Fetcher[K comparable] func(id K)

type entry[F any] struct {
	full      *F
	expiresAt time.Time
}

// Cache is a per-kind full-record cache. All methods run on the engine loop.
type Cache[K comparable, F any] struct {
	name   string
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
	fetch  Fetcher[K]

	records map[K]*entry[F]
	pending map[K][]Callback[F]
}

// New creates a cache. fetch is wired by the engine after construction via
// SetFetcher because the engine owns the transport.
func New[K comparable, F any](name string, ttl time.Duration, logger *zap.Logger) *Cache[K, F] {
	return &Cache[K, F]{
		name:    name,
		logger:  logger.Named(name),
		ttl:     ttl,
		now:     time.Now,
		records: map[K]*entry[F]{},
		pending: map[K][]Callback[F]{},
	}
}

// SetFetcher wires the network fetch.
func (c *Cache[K, F]) SetFetcher(fetch Fetcher[K]) { c.fetch = fetch }

// SetClock overrides the time source, for tests.
func (c *Cache[K, F]) SetClock(now func() time.Time) { c.now = now }

// Get returns the cached record regardless of freshness, or nil. It never
// triggers a fetch.
func (c *Cache[K, F]) Get(id K) *F {
	if e := c.records[id]; e != nil {
		return e.full
	}
	return nil
}

// IsFresh reports whether a cached record exists and has not expired.
func (c *Cache[K, F]) IsFresh(id K) bool {
	e := c.records[id]
	return e != nil && c.now().Before(e.expiresAt)
}

// InFlight reports whether a fetch for id is outstanding.
func (c *Cache[K, F]) InFlight(id K) bool {
	_, ok := c.pending[id]
	return ok
}

// GetWithRefresh serves the record without blocking on the network. A fresh
// record completes cb immediately. An expired record is still served
// immediately, with a background refresh kicked off. A missing record joins
// (or starts) the in-flight fetch and completes when it does.
func (c *Cache[K, F]) GetWithRefresh(id K, cb Callback[F]) {
	e := c.records[id]
	switch {
	case e == nil:
		c.join(id, cb)
	case c.now().Before(e.expiresAt):
		cb(e.full, nil)
	default:
		cb(e.full, nil)
		c.refresh(id)
	}
}

// GetFresh completes cb only with a record that is not expired, fetching
// first when needed.
func (c *Cache[K, F]) GetFresh(id K, cb Callback[F]) {
	if c.IsFresh(id) {
		cb(c.records[id].full, nil)
		return
	}
	c.join(id, cb)
}

// join registers cb for the result of the in-flight fetch, starting one if
// none is outstanding. This is the coalescing point: any number of callers
// before completion share a single network call.
func (c *Cache[K, F]) join(id K, cb Callback[F]) {
	waiting, inFlight := c.pending[id]
	c.pending[id] = append(waiting, cb)
	if !inFlight {
		c.fetch(id)
	}
}

// refresh starts a background fetch with no waiter, unless one is in flight.
func (c *Cache[K, F]) refresh(id K) {
	if _, inFlight := c.pending[id]; inFlight {
		return
	}
	c.pending[id] = nil
	c.fetch(id)
}

// Apply installs a fetched record, restarts its TTL, and satisfies every
// pending waiter with the same value.
func (c *Cache[K, F]) Apply(id K, full *F) {
	c.records[id] = &entry[F]{full: full, expiresAt: c.now().Add(c.ttl)}
	waiting := c.pending[id]
	delete(c.pending, id)
	for _, cb := range waiting {
		cb(full, nil)
	}
}

// Fail delivers err to every pending waiter. The cached record, if any, is
// left as it was.
func (c *Cache[K, F]) Fail(id K, err error) {
	waiting := c.pending[id]
	delete(c.pending, id)
	if len(waiting) == 0 {
		c.logger.Debug("background refresh failed", zap.Any("id", id), zap.Error(err))
	}
	for _, cb := range waiting {
		cb(nil, err)
	}
}

// Invalidate marks the record expired so the next authoritative read
// refetches truth from the server. The stale value remains readable.
func (c *Cache[K, F]) Invalidate(id K) {
	if e := c.records[id]; e != nil {
		e.expiresAt = c.now()
	}
}

// Len returns the number of cached records.
func (c *Cache[K, F]) Len() int { return len(c.records) }
