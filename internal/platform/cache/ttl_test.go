package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTLExpiresEntries(t *testing.T) {
	c := NewTTL[string](time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("get before expiry: want=1 got=%q ok=%v", v, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestTTLGetOrLoadSharesConcurrentLoads(t *testing.T) {
	c := NewTTL[int](time.Minute)
	var calls int32
	start := make(chan struct{})
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := c.GetOrLoad(context.Background(), "k", load); err != nil || v != 42 {
				t.Errorf("GetOrLoad: want=42 got=%d err=%v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("load calls: want=1 got=%d", got)
	}
}

func TestTTLDoesNotCacheErrorsAndInvalidates(t *testing.T) {
	c := NewTTL[int](time.Minute)
	boom := errors.New("boom")
	if _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("want boom got=%v", err)
	}
	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("retry load: want=7 got=%d err=%v", v, err)
	}
	c.InvalidatePrefix("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected invalidated entry")
	}
}
