// Package memory is an in-process cache store and checkpoint store for
// tests and single-instance runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DamienDrash/webshop-product-search/internal/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store implements cache.Store with lazy expiry.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	epoch   int64
	now     func() time.Time
	err     error
}

var _ cache.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]entry), now: time.Now}
}

// SetClock replaces the clock used for expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailWith makes every call return err until cleared with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Get returns the value at key or cache.ErrCacheMiss.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	e, ok := s.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, cache.ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value at key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}

	s.put(key, value, ttl)
	return nil
}

// put must be called with s.mu held.
func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

// Delete removes keys.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Epoch returns the current write epoch.
func (s *Store) Epoch(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.epoch, nil
}

// AdvanceEpoch increments the write epoch.
func (s *Store) AdvanceEpoch(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.epoch++
	return nil
}

// SetIfEpoch stores a copy of value at key while the epoch equals epoch.
func (s *Store) SetIfEpoch(_ context.Context, key string, value []byte, ttl time.Duration, epoch int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.epoch != epoch {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Ping reports the injected failure, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Keys returns the number of unexpired entries.
func (s *Store) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
