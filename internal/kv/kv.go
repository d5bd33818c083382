// Package kv is the distributed key-value cache shared by every instance.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("kv: key not found")

// Store is the distributed cache contract. Every write takes a TTL; zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndDelete deletes the key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndSet replaces the value and TTL only while the key still holds old.
	CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	// Incr atomically increments a counter. The TTL applies when the counter
	// is created and is never extended by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
