package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// exercise runs the same contract against every Store implementation.
func exercise(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("setnx honours ttl", func(t *testing.T) {
		ok, err := s.SetNX(ctx, "fp", "1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first SetNX = %v, %v", ok, err)
		}
		ok, _ = s.SetNX(ctx, "fp", "1", time.Minute)
		if ok {
			t.Fatal("second SetNX within ttl must fail")
		}
		advance(61 * time.Second)
		ok, _ = s.SetNX(ctx, "fp", "1", time.Minute)
		if !ok {
			t.Fatal("SetNX after expiry must succeed")
		}
	})

	t.Run("incr keeps first-increment window", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			n, err := s.Incr(ctx, "count", time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(i) {
				t.Fatalf("Incr = %d, want %d", n, i)
			}
			advance(20 * time.Minute)
		}
		// 60 minutes since the first increment: the window has closed.
		if _, ok, _ := s.Get(ctx, "count"); ok {
			t.Fatal("counter should expire one hour after the first increment")
		}
	})

	t.Run("push capped", func(t *testing.T) {
		for _, v := range []string{"a", "b", "c", "d"} {
			if err := s.PushCapped(ctx, "sk", v, 3, time.Hour); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.Range(ctx, "sk")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"d", "c", "b"}
		if len(got) != len(want) {
			t.Fatalf("Range = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Range = %v, want %v", got, want)
			}
		}
	})

	t.Run("set get delete", func(t *testing.T) {
		if err := s.Set(ctx, "last", "123", 0); err != nil {
			t.Fatal(err)
		}
		v, ok, _ := s.Get(ctx, "last")
		if !ok || v != "123" {
			t.Fatalf("Get = %q, %v", v, ok)
		}
		_ = s.Delete(ctx, "last")
		if _, ok, _ := s.Get(ctx, "last"); ok {
			t.Fatal("key should be deleted")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	exercise(t, NewMemory(c.now), c.advance)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(mr.Addr(), "", 0)
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	exercise(t, s, mr.FastForward)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedis(mr.Addr(), "", 0)
	defer s.Close()
	mr.Close()

	_, err := s.SetNX(context.Background(), "k", "v", time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryIncrConcurrent(t *testing.T) {
	s := NewMemory(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Incr(context.Background(), "burst", time.Hour)
		}()
	}
	wg.Wait()
	v, _, _ := s.Get(context.Background(), "burst")
	if v != "50" {
		t.Errorf("concurrent increments lost: %s", v)
	}
}
