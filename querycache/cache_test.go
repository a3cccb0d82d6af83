package querycache

import (
	"testing"
	"time"
)

func TestCache_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(time.Minute).WithClock(func() time.Time { return now })

	c.Set("GET seller-dashboard", []byte(`{"ok":true}`))
	if v, ok := c.Get("GET seller-dashboard"); !ok || string(v) != `{"ok":true}` {
		t.Fatalf("get = %q, %v", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("GET seller-dashboard"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted, len = %d", c.Len())
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New(time.Hour)
	c.Set("GET seller-dashboard", []byte("1"))
	c.Set("GET buyer-dashboard", []byte("2"))
	c.Set("POST x", []byte("3"))

	if n := c.Invalidate("GET "); n != 2 {
		t.Fatalf("invalidated %d, want 2", n)
	}
	if n := c.InvalidateAll(); n != 1 {
		t.Fatalf("invalidated %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Fatal("cache should be empty")
	}
}

func TestCache_ZeroTTLDisables(t *testing.T) {
	c := New(0)
	c.Set("k", []byte("v"))
	if _, ok := c.Get("k"); ok {
		t.Fatal("zero TTL must not cache")
	}
}
