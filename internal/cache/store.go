// Package cache is the two-tier read-through cache in front of configuration
// lookups: a bounded in-process tier and an optional shared Redis tier.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidKey = errors.New("cache_invalid_key")

// Entry is a cached value with its remaining lifetime. A zero TTL means the
// store could not report one.
type Entry struct {
	Value []byte
	TTL   time.Duration
}

// Store is one cache tier. A missing key is (Entry{}, false, nil); errors are
// reserved for an unreachable store.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}
