// Package kv defines the key-value contract shared by the queue, memory and
// session layers, plus an in-process backend.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// UpdateFunc receives the current value (found=false when absent or expired)
// and returns the replacement. Returning a nil value deletes the key.
// Returning an error aborts the update and leaves the key untouched.
type UpdateFunc func(cur []byte, found bool) ([]byte, error)

// Store is a byte-valued key-value store with optional per-key TTL.
//
// Set is last-write-wins: concurrent Set calls on one key race. Callers that
// read-modify-write must go through Update, which built-in backends run
// atomically.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores val under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update applies fn to the current value and writes the result with ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	// Keys lists live keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Sweep removes expired keys and reports how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// ExpiresAt converts a ttl relative to now into an absolute deadline.
// The zero time means no expiry.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
