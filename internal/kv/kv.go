// Package kv defines the external key-value contract the gateway runs
// against. Instance configs, sliding-window counters, and analytics
// tallies all live behind this interface; the store is shared across
// processes and offers no compare-and-swap, so counter updates are
// plain read-modify-write.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is a TTL'd key-value store. Set overwrites unconditionally; a
// ttl of zero or less stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Keys returns the live keys beginning with prefix. Admin tooling
	// only; the request path never scans.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
