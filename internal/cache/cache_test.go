package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/sapliy/notifysync/internal/notify"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func TestCache_GetAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithDefaultTTL(time.Minute))

	c.Set("notifications:user_1:list", "v1", 0)

	// Exactly at the TTL boundary the entry is still valid.
	clock.Advance(time.Minute)
	if _, ok := c.Get("notifications:user_1:list"); !ok {
		t.Fatal("entry should still be valid at storedAt+ttl")
	}

	// One millisecond past the TTL it must be gone.
	clock.Advance(time.Millisecond)
	if v, ok := c.Get("notifications:user_1:list"); ok {
		t.Fatalf("expected expired entry to be absent, got %v", v)
	}
}

func TestCache_GetStale(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithDefaultTTL(time.Minute))
	c.Set("k", "v1", 0)

	clock.Advance(2 * time.Minute)

	v, stale, ok := c.GetStale("k")
	if !ok || !stale {
		t.Fatalf("expected stale hit, got ok=%v stale=%v", ok, stale)
	}
	if v != "v1" {
		t.Fatalf("expected v1, got %v", v)
	}

	// A fresh Set (the revalidation landing) clears staleness.
	c.Set("k", "v2", 0)
	v, stale, ok = c.GetStale("k")
	if !ok || stale {
		t.Fatalf("expected fresh hit after revalidation, got ok=%v stale=%v", ok, stale)
	}
	if v != "v2" {
		t.Fatalf("expected v2, got %v", v)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(WithMaxEntries(3))

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	// Touch k0 so k1 becomes the least recently used.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be present")
	}

	c.Set("k3", 3, 0)

	if _, ok := c.Get("k1"); ok {
		t.Fatal("k1 should have been evicted as least recently used")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("%s should have survived eviction", key)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New()
	c.Set("notifications:user_1:list", "a", 0)
	c.Set("notifications:user_1:unread", "b", 0)
	c.Set("notifications:user_2:list", "c", 0)

	if removed := c.Invalidate("notifications:user_1:"); removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if _, ok := c.Get("notifications:user_2:list"); !ok {
		t.Fatal("other users' entries must survive invalidation")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
}

func TestCache_CopyOnRead(t *testing.T) {
	c := New()
	list := []notify.Notification{{ID: "n1", Title: "original"}}
	c.Set("list", list, 0)

	v, _ := c.Get("list")
	got := v.([]notify.Notification)
	got[0].Title = "mutated"

	v2, _ := c.Get("list")
	if v2.([]notify.Notification)[0].Title != "original" {
		t.Fatal("cached value must not observe caller mutation")
	}
}

func TestCache_SetRefreshesExisting(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithDefaultTTL(time.Minute))
	c.Set("k", "v1", 0)

	clock.Advance(50 * time.Second)
	c.Set("k", "v2", 0)

	clock.Advance(50 * time.Second)
	v, ok := c.Get("k")
	if !ok || v != "v2" {
		t.Fatalf("re-set entry should be fresh, got %v ok=%v", v, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("re-set must not duplicate the entry, len=%d", c.Len())
	}
}
