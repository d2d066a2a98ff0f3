// Package cache provides a keyed TTL cache whose loads are coalesced: while a
// load for a key is in flight, every caller asking for that key waits on it
// instead of issuing its own.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/txlander/service/metrics"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for a key. It receives a context that carries the
// first caller's values but not its cancellation.
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// stamp identifies the generation a load was started under. A load whose
// stamp no longer matches when it finishes must not be stored.
type stamp struct {
	epoch uint64
	gen   uint64
}

// Cache is safe for concurrent use. The mutex is only held for map access,
// never across a load, so slow loads for one key do not block other keys.
type Cache[V any] struct {
	name    string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]entry[V]
	gens    map[string]uint64
	epoch   uint64

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// WithClock overrides time.Now. Tests use it to expire entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records lookups and loads under the cache's name.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger used for load failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates an empty cache. name labels metrics and log lines.
func New[V any](name string, opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Cache[V]{
		name:    name,
		now:     o.now,
		metrics: o.metrics,
		logger:  o.logger.With("cache", name),
		entries: make(map[string]entry[V]),
		gens:    make(map[string]uint64),
	}
}

// GetOrLoad returns the cached value for key if it was fetched no more than
// ttl ago. Otherwise it joins or starts the single in-flight load for key.
//
// Failed loads are not cached and their error is returned to every caller
// that waited on them. If ctx is cancelled the caller stops waiting and gets
// ctx.Err(); the shared load keeps running for the other waiters.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load Loader[V]) (V, error) {
	var zero V

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) <= ttl {
		c.mu.Unlock()
		c.recordLookup("hit")
		return e.value, nil
	}
	s := stamp{epoch: c.epoch, gen: c.gens[key]}
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s\x00%d\x00%d", key, s.epoch, s.gen)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.load(ctx, key, s, ttl, load)
	})

	select {
	case <-ctx.Done():
		c.recordLookup("abandoned")
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.recordLookup("shared")
		} else {
			c.recordLookup("miss")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[V]) load(ctx context.Context, key string, s stamp, ttl time.Duration, load Loader[V]) (any, error) {
	// A flight that finished between our caller's lookup and DoChan may
	// already have stored a live value.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.epoch == s.epoch && c.gens[key] == s.gen && c.now().Sub(e.fetchedAt) <= ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	start := c.now()
	v, err := load(context.WithoutCancel(ctx))
	if c.metrics != nil {
		c.metrics.RecordCacheLoad(c.name, c.now().Sub(start).Seconds(), err)
	}
	if err != nil {
		c.logger.DebugContext(ctx, "cache load failed", "key", key, "error", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == s.epoch && c.gens[key] == s.gen {
		c.entries[key] = entry[V]{value: v, fetchedAt: c.now()}
	} else {
		c.logger.DebugContext(ctx, "discarding load superseded by invalidation", "key", key)
	}
	return v, nil
}

// Invalidate drops key and detaches any in-flight load for it, so the next
// GetOrLoad starts a fresh load.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gens[key]++
}

// Clear invalidates every key.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
	c.gens = make(map[string]uint64)
	c.epoch++
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) recordLookup(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(c.name, result)
	}
}
