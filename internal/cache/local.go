package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/smallbiznis/creditmeter/internal/clock"
)

const defaultLocalSize = 4096

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalStore is the in-process tier: bounded by entry count with least recently
// used eviction, and every entry expires on its own TTL.
type LocalStore struct {
	entries *lru.Cache[string, localEntry]
	clock   clock.Clock
}

func NewLocalStore(size int, clk clock.Clock) (*LocalStore, error) {
	if size <= 0 {
		size = defaultLocalSize
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, err
	}
	return &LocalStore{entries: entries, clock: clk}, nil
}

func (s *LocalStore) Get(_ context.Context, key string) (Entry, bool, error) {
	item, ok := s.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	now := s.clock.Now()
	if !item.expiresAt.After(now) {
		s.entries.Remove(key)
		return Entry{}, false, nil
	}
	return Entry{Value: item.value, TTL: item.expiresAt.Sub(now)}, true, nil
}

// Set ignores non-positive TTLs: nothing is cached without an expiry.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return nil
	}
	s.entries.Add(key, localEntry{value: value, expiresAt: s.clock.Now().Add(ttl)})
	return nil
}

func (s *LocalStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.entries.Remove(key)
	}
	return nil
}

func (s *LocalStore) DeleteByPrefix(_ context.Context, prefix string) error {
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.entries.Remove(key)
		}
	}
	return nil
}

func (s *LocalStore) Len() int {
	return s.entries.Len()
}

var _ Store = (*LocalStore)(nil)
