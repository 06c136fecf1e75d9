// Package cache memoizes data source responses for a short TTL and collapses
// identical in-flight requests.
package cache

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/constellation-viewer/internal/logging"
	"github.com/signalsfoundry/constellation-viewer/timectrl"
)

// DefaultTTL absorbs duplicate requests from rapid scrubbing without serving
// data stale enough to drift from a fast clock.
const DefaultTTL = 5 * time.Second

// DefaultLoadTimeout bounds a load that no caller can cancel.
const DefaultLoadTimeout = 30 * time.Second

// Lookup results reported to the MetricsRecorder.
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupShared   = "shared"
	LookupStoreHit = "store_hit"
)

// Entry is one memoized response.
type Entry struct {
	Key      string    `msgpack:"key"`
	Payload  []byte    `msgpack:"payload"`
	StoredAt time.Time `msgpack:"stored_at"`
}

// Fresh reports whether the entry may still be reused at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) < ttl
}

// Store is an optional second tier shared between processes. Errors are
// treated as misses by RequestCache.
type Store interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, e Entry, ttl time.Duration) error
}

// MetricsRecorder receives lookup results.
type MetricsRecorder interface {
	ObserveCacheLookup(result string)
}

// Loader produces the payload for a key on a miss.
type Loader func(ctx context.Context) ([]byte, error)

// Stats counts lookups since construction.
type Stats struct {
	Hits      int64
	Misses    int64
	Shared    int64
	StoreHits int64
	Evictions int64
}

// RequestCache is a process-wide TTL memo keyed by request signature. It is
// safe for concurrent use. Payloads are shared between callers and must not
// be modified.
type RequestCache struct {
	ttl         time.Duration
	loadTimeout time.Duration
	clock       timectrl.Clock
	store       Store
	metrics     MetricsRecorder
	log         logging.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats
}

// Option customises a RequestCache.
type Option func(*RequestCache)

// WithTTL sets the reuse window; non-positive values keep DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *RequestCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLoadTimeout bounds each load; non-positive values keep
// DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *RequestCache) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithClock injects the time source used for freshness checks.
func WithClock(clock timectrl.Clock) Option {
	return func(c *RequestCache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithStore adds a shared second tier.
func WithStore(s Store) Option {
	return func(c *RequestCache) { c.store = s }
}

// WithMetrics reports lookups to m.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *RequestCache) { c.metrics = m }
}

// WithLogger sets the logger used for second-tier failures.
func WithLogger(l logging.Logger) Option {
	return func(c *RequestCache) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *RequestCache {
	c := &RequestCache{
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		clock:       timectrl.SystemClock{},
		log:         logging.Noop(),
		entries:     make(map[string]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key builds a request signature from an endpoint path and its parameters.
// url.Values.Encode sorts by key, so parameter order does not matter.
func Key(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// TTL returns the reuse window.
func (c *RequestCache) TTL() time.Duration { return c.ttl }

// Get returns a fresh payload for key. Expired entries are evicted.
func (c *RequestCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *RequestCache) getLocked(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.Fresh(c.clock.Now(), c.ttl) {
		delete(c.entries, key)
		c.stats.Evictions++
		return nil, false
	}
	return e.Payload, true
}

// Put stores payload under key, replacing any previous entry.
func (c *RequestCache) Put(key string, payload []byte) Entry {
	e := Entry{Key: key, Payload: payload, StoredAt: c.clock.Now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e
}

// Do returns the payload for key, calling load only when no fresh entry
// exists and no identical load is already running. Failed loads are not
// cached.
//
// The load runs detached from the cancellation of whichever caller started
// it, bounded by the load timeout, so callers that joined it are not failed
// by another caller giving up. Each caller still returns as soon as its own
// ctx is done.
func (c *RequestCache) Do(ctx context.Context, key string, load Loader) ([]byte, error) {
	if payload, ok := c.Get(key); ok {
		c.record(LookupHit)
		return payload, nil
	}

	led := false
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		c.mu.Lock()
		payload, ok := c.getLocked(key)
		c.mu.Unlock()
		if ok {
			return payload, nil
		}

		if payload, ok := c.loadStore(loadCtx, key); ok {
			c.record(LookupStoreHit)
			return payload, nil
		}

		c.record(LookupMiss)
		payload, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		e := c.Put(key, payload)
		c.saveStore(loadCtx, e)
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		// singleflight reports Shared to the caller that ran the load too.
		if res.Shared && !led {
			c.record(LookupShared)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Purge drops every expired entry and returns how many were removed.
func (c *RequestCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if !e.Fresh(now, c.ttl) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Evictions += int64(n)
	return n
}

// Len returns the number of stored entries, fresh or not.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the lookup counters.
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *RequestCache) loadStore(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	e, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.Warn(ctx, "shared cache load failed", logging.String("key", key), logging.Err(err))
		return nil, false
	}
	if !ok || !e.Fresh(c.clock.Now(), c.ttl) {
		return nil, false
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e.Payload, true
}

func (c *RequestCache) saveStore(ctx context.Context, e Entry) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, e, c.ttl); err != nil {
		c.log.Warn(ctx, "shared cache save failed", logging.String("key", e.Key), logging.Err(err))
	}
}

func (c *RequestCache) record(result string) {
	c.mu.Lock()
	switch result {
	case LookupHit:
		c.stats.Hits++
	case LookupMiss:
		c.stats.Misses++
	case LookupShared:
		c.stats.Shared++
	case LookupStoreHit:
		c.stats.StoreHits++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveCacheLookup(result)
	}
}
