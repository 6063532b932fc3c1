package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
	if err := m.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := m.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	// Returned slices must not alias stored data.
	v[0] = 'x'
	v2, _ := m.Get(ctx, "a")
	if string(v2) != "1" {
		t.Errorf("stored value mutated through returned slice: %q", v2)
	}

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: err = %v", err)
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMemoryWithClock(clock)

	m.Set(ctx, "short", []byte("s"), time.Minute)
	m.Set(ctx, "forever", []byte("f"), 0)

	clock.Advance(59 * time.Second)
	if _, err := m.Get(ctx, "short"); err != nil {
		t.Fatalf("short expired too early: %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := m.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("short should have expired, err = %v", err)
	}
	if _, err := m.Get(ctx, "forever"); err != nil {
		t.Errorf("forever expired: %v", err)
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Update(ctx, "n", 0, func(cur []byte, found bool) ([]byte, error) {
		if found {
			t.Errorf("unexpected existing value %q", cur)
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	if err := m.Update(ctx, "n", 0, func(cur []byte, found bool) ([]byte, error) {
		return []byte("2"), boom
	}); !errors.Is(err, boom) {
		t.Errorf("Update err = %v, want boom", err)
	}
	if v, _ := m.Get(ctx, "n"); string(v) != "1" {
		t.Errorf("aborted update wrote %q", v)
	}

	if err := m.Update(ctx, "n", 0, func(cur []byte, found bool) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "n"); !errors.Is(err, ErrNotFound) {
		t.Errorf("nil update should delete, err = %v", err)
	}
}

func TestMemoryUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Update(ctx, "counter", 0, func(cur []byte, found bool) ([]byte, error) {
				return append(cur, 'x'), nil
			})
		}()
	}
	wg.Wait()

	v, _ := m.Get(ctx, "counter")
	if len(v) != 50 {
		t.Errorf("len = %d, want 50 (lost updates)", len(v))
	}
}

func TestMemoryKeysAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMemoryWithClock(clock)

	m.Set(ctx, "queue:pc", []byte("x"), 0)
	m.Set(ctx, "memory:turns:1", []byte("x"), time.Second)
	m.Set(ctx, "memory:facts:1", []byte("x"), 0)

	keys, _ := m.Keys(ctx, "memory:")
	if len(keys) != 2 || keys[0] != "memory:facts:1" {
		t.Errorf("Keys = %v", keys)
	}

	clock.Advance(2 * time.Second)
	n, err := m.Sweep(ctx)
	if err != nil || n != 1 {
		t.Errorf("Sweep = %d, %v; want 1", n, err)
	}
	keys, _ = m.Keys(ctx, "")
	if len(keys) != 2 {
		t.Errorf("Keys after sweep = %v", keys)
	}
}
