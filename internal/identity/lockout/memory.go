package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/sheetdash/internal/pkg/metrics"
)

type entry struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// MemoryStore keeps lockout state in process memory. It suits a single
// instance; replicas behind a load balancer should share a RedisStore.
type MemoryStore struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	data      map[string]*entry
	lastSweep time.Time
}

// NewMemoryStore creates an in-memory lockout store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		data: make(map[string]*entry),
	}
}

// IsLocked reports whether key is locked and for how long.
func (s *MemoryStore) IsLocked(_ context.Context, key string) (bool, time.Duration, error) {
	if s.cfg.MaxAttempts <= 0 {
		return false, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return false, 0, nil
	}
	now := s.now()
	if now.Before(e.lockedUntil) {
		return true, e.lockedUntil.Sub(now), nil
	}
	return false, 0, nil
}

// RecordFailure counts a failed attempt and locks key once the limit is reached.
func (s *MemoryStore) RecordFailure(_ context.Context, key string) error {
	if s.cfg.MaxAttempts <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	e, ok := s.data[key]
	if !ok {
		e = &entry{}
		s.data[key] = e
	}
	if now.Before(e.lockedUntil) {
		return nil
	}
	if e.failures == 0 || now.Sub(e.windowStart) > s.cfg.Window || !e.lockedUntil.IsZero() {
		e.failures = 0
		e.windowStart = now
		e.lockedUntil = time.Time{}
	}

	e.failures++
	if e.failures >= s.cfg.MaxAttempts {
		e.lockedUntil = now.Add(s.cfg.Cooldown)
		metrics.LockoutsTotal.Inc()
	}
	return nil
}

// Reset clears the failure history of key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// sweep drops entries that are neither locked nor inside their window.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.cfg.Window {
		return
	}
	s.lastSweep = now
	for k, e := range s.data {
		if now.Before(e.lockedUntil) {
			continue
		}
		if now.Sub(e.windowStart) > s.cfg.Window {
			delete(s.data, k)
		}
	}
}
