package lru

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(t *testing.T, size int, ttl time.Duration) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string](
		WithMaxSize(size),
		WithTTL(ttl),
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t)),
	)
	return c, clock
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	c.Set("a", "alpha")
	got, ok := c.Get("a")
	if !ok || got != "alpha" {
		t.Fatalf("Get(a) = %q, %v; want alpha, true", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestCache_Defaults(t *testing.T) {
	c := New[int]()
	if c.maxSize != DefaultMaxSize {
		t.Errorf("maxSize = %d, want %d", c.maxSize, DefaultMaxSize)
	}
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}

func TestCache_NeverExceedsMaxSize(t *testing.T) {
	c, clock := newTestCache(t, 5, time.Hour)

	for i := 0; i < 50; i++ {
		clock.Advance(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), "v")
		if i%3 == 0 {
			c.Get(fmt.Sprintf("k%d", i))
		}
		if n := c.Len(); n > 5 {
			t.Fatalf("Len() = %d after %d sets, want <= 5", n, i+1)
		}
	}
}

func TestCache_EvictsLowestAccessCount(t *testing.T) {
	c, clock := newTestCache(t, 3, time.Hour)

	c.Set("a", "1")
	clock.Advance(time.Second)
	c.Set("b", "2")
	clock.Advance(time.Second)
	c.Set("c", "3")
	clock.Advance(time.Second)

	// a and c become hot, b stays cold even though it is not the oldest.
	c.Get("a")
	c.Get("c")
	clock.Advance(time.Second)

	c.Set("d", "4")

	if _, ok := c.Peek("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Peek(key); !ok {
			t.Errorf("%s should still be cached", key)
		}
	}
	if ev := c.Stats().Evictions; ev != 1 {
		t.Errorf("Evictions = %d, want 1", ev)
	}
}

func TestCache_EvictionTieBreaksOnOldestTimestamp(t *testing.T) {
	c, clock := newTestCache(t, 3, time.Hour)

	c.Set("a", "1")
	clock.Advance(time.Second)
	c.Set("b", "2")
	clock.Advance(time.Second)
	c.Set("c", "3")
	clock.Advance(time.Second)

	// Every entry has one access; a's access is now the most recent.
	c.Get("b")
	clock.Advance(time.Second)
	c.Get("c")
	clock.Advance(time.Second)
	c.Get("a")
	clock.Advance(time.Second)

	c.Set("d", "4")

	if _, ok := c.Peek("b"); ok {
		t.Error("b holds the oldest timestamp among equal counts and should be evicted")
	}
	if _, ok := c.Peek("a"); !ok {
		t.Error("a should survive")
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Hour)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "updated")

	if n := c.Len(); n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}
	if got, _ := c.Get("a"); got != "updated" {
		t.Errorf("Get(a) = %q, want updated", got)
	}
	if c.Stats().Evictions != 0 {
		t.Error("overwriting an existing key must not evict")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)

	c.Set("a", "1")
	clock.Advance(time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry exactly at the TTL should still be served")
	}

	clock.Advance(time.Minute + time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry past the TTL should miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed, Len() = %d", c.Len())
	}
	if c.Stats().Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", c.Stats().Expirations)
	}
}

func TestCache_GetRefreshesTimestamp(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)

	c.Set("a", "1")
	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		if _, ok := c.Get("a"); !ok {
			t.Fatalf("Get #%d missed; each hit should extend the lifetime", i)
		}
	}

	entry, _ := c.Peek("a")
	if entry.AccessCount != 5 {
		t.Errorf("AccessCount = %d, want 5", entry.AccessCount)
	}
}

func TestCache_HotButExpiredEntryMisses(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Minute)

	c.Set("hot", "1")
	for i := 0; i < 20; i++ {
		c.Get("hot")
	}
	clock.Advance(2 * time.Minute)

	if _, ok := c.Get("hot"); ok {
		t.Error("expiry must be checked before access count matters")
	}
}

func TestCache_DeleteClearKeys(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	c.Delete("b")
	keys := c.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("Keys() = %v, want [a c]", keys)
	}

	c.Delete("not-there")

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
}

func TestCache_Stats(t *testing.T) {
	c, clock := newTestCache(t, 1, time.Minute)

	c.Set("a", "1")
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Set("b", "2")
	clock.Advance(2 * time.Minute)
	c.Get("b")

	got := c.Stats()
	if got.Hits != 2 || got.Misses != 2 || got.Evictions != 1 || got.Expirations != 1 {
		t.Errorf("Stats() = %+v", got)
	}
	if ratio := got.HitRatio(); ratio != 0.5 {
		t.Errorf("HitRatio() = %v, want 0.5", ratio)
	}

	c.ResetStats()
	if got := c.Stats(); got.Hits != 0 || got.Misses != 0 || got.HitRatio() != 0 {
		t.Errorf("Stats() after ResetStats = %+v", got)
	}
}
