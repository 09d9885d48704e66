package cache

import (
	"context"
	"testing"
	"time"
)

type entry struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

func TestMemoryCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "service:s1", entry{ID: "s1", Port: 8080}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got entry
	ok, err := c.Get(ctx, "service:s1", &got)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Port != 8080 {
		t.Fatalf("unexpected value: %+v", got)
	}

	now = now.Add(time.Minute)
	ok, err = c.Get(ctx, "service:s1", &got)
	if err != nil || ok {
		t.Fatalf("expected expiry, got ok=%v err=%v", ok, err)
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be evicted, len=%d", c.Len())
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	_ = c.Set(ctx, "a", entry{ID: "a"}, 0)
	_ = c.Set(ctx, "b", entry{ID: "b"}, 0)
	if err := c.Delete(ctx, "a", "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var got entry
	if ok, _ := c.Get(ctx, "a", &got); ok {
		t.Fatalf("a should be gone")
	}
	if ok, _ := c.Get(ctx, "b", &got); !ok || got.ID != "b" {
		t.Fatalf("b should remain, got %+v", got)
	}
}
