package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCacheGetSet(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	type persona struct {
		Name string `json:"name"`
		Tone string `json:"tone"`
	}

	if ok := c.Set(ctx, "k1", persona{Name: "guide", Tone: "warm"}, time.Minute); !ok {
		t.Fatalf("Set failed")
	}

	var got persona
	if ok := c.Get(ctx, "k1", &got); !ok {
		t.Fatalf("Get miss for existing key")
	}
	if got.Name != "guide" || got.Tone != "warm" {
		t.Errorf("Get returned %+v", got)
	}

	var missing persona
	if ok := c.Get(ctx, "absent", &missing); ok {
		t.Errorf("Get hit for absent key")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", "value", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	var got string
	if ok := c.Get(ctx, "short", &got); ok {
		t.Errorf("expired entry returned a hit")
	}
}

func TestMemoryCacheEviction(t *testing.T) {
	c := NewMemoryCache(2)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Hour)
	c.Set(ctx, "c", 3, time.Hour)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	// "a" had the soonest expiry and should be the victim.
	var v int
	if ok := c.Get(ctx, "a", &v); ok {
		t.Errorf("evicted key still present")
	}
	if ok := c.Get(ctx, "b", &v); !ok {
		t.Errorf("key b missing after eviction")
	}
	if ok := c.Get(ctx, "c", &v); !ok {
		t.Errorf("key c missing after eviction")
	}
}

func TestMemoryCacheDeletePattern(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, Key("lk", "t1", "s1", "persona", "npc-1"), "a", time.Minute)
	c.Set(ctx, Key("lk", "t1", "s1", "prompt", "npc-1"), "b", time.Minute)
	c.Set(ctx, Key("lk", "t1", "s2", "persona", "npc-2"), "c", time.Minute)
	c.Set(ctx, Key("lk", "t2", "s1", "persona", "npc-3"), "d", time.Minute)

	removed := InvalidateSite(ctx, c, "lk", "t1", "s1")
	if removed != 2 {
		t.Fatalf("InvalidateSite removed %d, want 2", removed)
	}

	var got string
	if ok := c.Get(ctx, Key("lk", "t1", "s2", "persona", "npc-2"), &got); !ok {
		t.Errorf("other site key was removed")
	}
	if ok := c.Get(ctx, Key("lk", "t2", "s1", "persona", "npc-3"), &got); !ok {
		t.Errorf("other tenant key was removed")
	}
}

func TestKeyLayout(t *testing.T) {
	got := Key("lk", "tenant-a", "site-b", "evidence", "ev-9")
	want := "lk:tenant-a:site-b:evidence:ev-9"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"lk:t1:s1:*", "lk:t1:s1:persona:npc-1", true},
		{"lk:t1:s1:*", "lk:t1:s2:persona:npc-1", false},
		{"exact", "exact", true},
		{"exact", "exact2", false},
		{"*", "anything", true},
		{"lk:*:persona:*", "lk:t1:s1:persona:npc", true},
		{"lk:*:prompt:*", "lk:t1:s1:persona:npc", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.s); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}

func TestGetOrSet(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	calls := 0
	factory := func(ctx context.Context) (string, error) {
		calls++
		return "built", nil
	}

	v, err := GetOrSet(ctx, c, "key", time.Minute, factory)
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if v != "built" {
		t.Errorf("value = %q", v)
	}

	v, err = GetOrSet(ctx, c, "key", time.Minute, factory)
	if err != nil {
		t.Fatalf("GetOrSet second call: %v", err)
	}
	if v != "built" || calls != 1 {
		t.Errorf("value = %q, factory calls = %d, want cached value and 1 call", v, calls)
	}
}

func TestGetOrSetFactoryError(t *testing.T) {
	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	boom := errors.New("backend down")
	_, err := GetOrSet(ctx, c, "key", time.Minute, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want factory error", err)
	}

	var v int
	if ok := c.Get(ctx, "key", &v); ok {
		t.Errorf("failed factory result was cached")
	}
}
