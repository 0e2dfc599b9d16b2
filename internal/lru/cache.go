// Package lru implements a bounded in-memory cache with lazy TTL expiry.
//
// Eviction is frequency first: when full, the entry with the lowest access
// count goes, and among equally cold entries the one touched longest ago.
package lru

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/relay/internal/models"
)

const (
	DefaultMaxSize = 100
	DefaultTTL     = 300 * time.Second
)

// Entry is a cached value together with its bookkeeping.
type Entry[T any] struct {
	Value       T
	Timestamp   time.Time
	AccessCount int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// WithMaxSize 設置快取最多保存的項目數
func WithMaxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSize = n
		}
	}
}

// WithTTL 設置項目的存活時間
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 設置日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[T]

	maxSize int
	ttl     time.Duration
	now     func() time.Time

	metrics *models.Metrics
	logger  *zap.Logger
}

// New creates a Cache with the given options applied over the defaults.
func New[T any](opts ...Option) *Cache[T] {
	o := options{
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Cache[T]{
		entries: make(map[string]*Entry[T], o.maxSize),
		maxSize: o.maxSize,
		ttl:     o.ttl,
		now:     o.now,
		metrics: models.NewMetrics(),
		logger:  o.logger,
	}
}

// Get returns the value for key. An entry older than the TTL is removed and
// reported as a miss before its access count is ever consulted.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.metrics.Misses.Inc()
		return zero, false
	}

	now := c.now()
	if now.Sub(entry.Timestamp) > c.ttl {
		delete(c.entries, key)
		c.metrics.Expirations.Inc()
		c.metrics.Misses.Inc()
		return zero, false
	}

	entry.AccessCount++
	entry.Timestamp = now
	c.metrics.Hits.Inc()
	return entry.Value, true
}

// Set stores value under key, evicting one entry first if a new key would
// exceed the capacity.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	c.entries[key] = &Entry[T]{
		Value:     value,
		Timestamp: c.now(),
	}
}

// evictLocked removes the entry with the lowest access count, breaking ties
// by the oldest timestamp.
func (c *Cache[T]) evictLocked() {
	var (
		victim string
		found  bool
		best   *Entry[T]
	)
	for key, entry := range c.entries {
		if !found ||
			entry.AccessCount < best.AccessCount ||
			(entry.AccessCount == best.AccessCount && entry.Timestamp.Before(best.Timestamp)) {
			victim, best, found = key, entry, true
		}
	}
	if !found {
		return
	}

	delete(c.entries, victim)
	c.metrics.Evictions.Inc()
	c.logger.Debug("Evicted cache entry",
		zap.String("key", victim),
		zap.Int64("accessCount", best.AccessCount))
}

// Delete removes key if present.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[T], c.maxSize)
}

// Len returns the number of stored entries, expired ones included until a
// Get discovers them.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns a snapshot of the stored keys in no particular order.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Peek returns a copy of the entry without touching its bookkeeping.
func (c *Cache[T]) Peek(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry[T]{}, false
	}
	return *entry, true
}

// Stats returns the cache counters.
func (c *Cache[T]) Stats() models.Snapshot {
	return c.metrics.Snapshot()
}

// ResetStats zeroes the counters and leaves the entries alone.
func (c *Cache[T]) ResetStats() {
	c.metrics.Reset()
}
