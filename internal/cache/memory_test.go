package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.SetJSON(ctx, "k", []int{1, 2}, time.Second); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got []int
	if hit, _ := c.GetJSON(ctx, "k", &got); !hit || len(got) != 2 {
		t.Fatalf("expected hit, got %v %v", hit, got)
	}

	now = now.Add(2 * time.Second)
	if hit, _ := c.GetJSON(ctx, "k", &got); hit {
		t.Fatalf("expected miss after ttl")
	}
}

func TestMemoryDel(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	_ = c.SetJSON(ctx, TranscriptsKey("m1"), "x", 0)
	_ = c.Del(ctx, TranscriptsKey("m1"), "missing")

	var s string
	if hit, _ := c.GetJSON(ctx, TranscriptsKey("m1"), &s); hit {
		t.Fatalf("expected miss after Del")
	}
}

func TestFetchReadsThrough(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Fetch(ctx, c, "k", time.Minute, load)
		if err != nil || len(got) != 2 {
			t.Fatalf("Fetch = %v, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("load called %d times, want 1", calls)
	}

	if _, err := Fetch(ctx, nil, "k", time.Minute, load); err != nil || calls != 2 {
		t.Fatalf("nil cache must always load, calls = %d", calls)
	}
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	fail := true
	load := func(context.Context) (int, error) {
		if fail {
			return 0, errors.New("db down")
		}
		return 7, nil
	}

	if _, err := Fetch(ctx, c, "n", time.Minute, load); err == nil {
		t.Fatalf("expected load error")
	}
	fail = false
	if v, err := Fetch(ctx, c, "n", time.Minute, load); err != nil || v != 7 {
		t.Fatalf("Fetch = %v, %v", v, err)
	}
}
