package lockstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store backed by a TTL cache. Expired entries
// become unobservable immediately on Get and are evicted in the background.
type MemoryStore struct {
	cache  *ttlcache.Cache[string, Value]
	mu     sync.Mutex
	closed bool
}

// NewMemoryStore creates a memory store and starts its eviction loop.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, Value](
		ttlcache.WithDisableTouchOnHit[string, Value](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// SetIfAbsent atomically stores value under key if no live entry exists.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value Value, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	if item := s.cache.Get(key); item != nil {
		return false, nil
	}
	s.cache.Set(key, value, cacheTTL(ttl))
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Value, bool, error) {
	if s.isClosed() {
		return Value{}, false, ErrStoreClosed
	}
	item := s.cache.Get(key)
	if item == nil {
		return Value{}, false, nil
	}
	return item.Value(), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value Value, ttl time.Duration) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.cache.Set(key, value, cacheTTL(ttl))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.cache.Delete(key)
	return nil
}

// Scan returns all live entries whose key starts with prefix.
func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	var out []Entry
	s.cache.Range(func(item *ttlcache.Item[string, Value]) bool {
		if item.IsExpired() {
			return true
		}
		if strings.HasPrefix(item.Key(), prefix) {
			out = append(out, Entry{Key: item.Key(), Value: item.Value()})
		}
		return true
	})
	return out, nil
}

// ScanByConnection returns every live entry owned by the given connection,
// locks and room memberships alike.
func (s *MemoryStore) ScanByConnection(_ context.Context, connectionID string) ([]Entry, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	var out []Entry
	s.cache.Range(func(item *ttlcache.Item[string, Value]) bool {
		if item.IsExpired() {
			return true
		}
		if item.Value().ConnectionID == connectionID {
			out = append(out, Entry{Key: item.Key(), Value: item.Value()})
		}
		return true
	})
	return out, nil
}

// Close stops the eviction loop. The store rejects all operations afterward.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Stop()
	return nil
}

func (s *MemoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func cacheTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}
