// Package session holds short-lived per-chat state: login sessions and
// model overrides.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/pcbridge/internal/kv"
)

// Cache is a string-valued TTL cache. Get reports ok=false for absent or
// expired keys.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type item struct {
	value   string
	expires time.Time
}

// Memory is a process-local Cache. Its contents are lost on restart.
type Memory struct {
	mu    sync.RWMutex
	items map[string]item
	clock kv.Clock
}

// NewMemory returns an empty in-process cache.
func NewMemory(clock kv.Clock) *Memory {
	if clock == nil {
		clock = kv.RealClock()
	}
	return &Memory{items: make(map[string]item), clock: clock}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !it.expires.IsZero() && !m.clock.Now().Before(it.expires) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = item{value: value, expires: kv.ExpiresAt(m.clock.Now(), ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// KV is a Cache persisted in a kv.Store under the "session:" prefix.
type KV struct {
	store kv.Store
}

// NewKV returns a Cache backed by store.
func NewKV(store kv.Store) *KV {
	return &KV{store: store}
}

func (c *KV) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := c.store.Get(ctx, "session:"+key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading session %s: %w", key, err)
	}
	return string(raw), true, nil
}

func (c *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.store.Set(ctx, "session:"+key, []byte(value), ttl); err != nil {
		return fmt.Errorf("writing session %s: %w", key, err)
	}
	return nil
}

func (c *KV) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, "session:"+key); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}
