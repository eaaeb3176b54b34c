// Package ratelimit implements per-client admission control over a fixed
// request budget per time window.
//
// Window state lives in a Store passed to the Limiter at construction; the
// in-memory store is process-local and never persisted.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Window tracks the requests one client key made in the current window.
type Window struct {
	Key   string
	Start time.Time
	Count int
}

// Expired reports whether the window has elapsed at now.
func (w Window) Expired(now time.Time, length time.Duration) bool {
	return !now.Before(w.Start.Add(length))
}

// Store keeps windows by client key. Hit must be atomic per key.
type Store interface {
	// Hit counts one request for key and returns the updated window.
	// An absent or expired window is replaced by a fresh one starting at now.
	Hit(key string, now time.Time, length time.Duration) Window
	// Reset forgets key.
	Reset(key string)
}

// MemoryStore is a mutex-guarded map of windows.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]*Window
	hits  uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Window)}
}

// Hit implements Store.
func (s *MemoryStore) Hit(key string, now time.Time, length time.Duration) Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byKey[key]
	if !ok || w.Expired(now, length) {
		w = &Window{Key: key, Start: now}
		s.byKey[key] = w
	}
	w.Count++

	s.hits++
	if s.hits%512 == 0 {
		s.sweepLocked(now, length)
	}
	return *w
}

// Reset implements Store.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key)
}

// Len returns the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Sweep drops windows that elapsed before now.
func (s *MemoryStore) Sweep(now time.Time, length time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now, length)
}

func (s *MemoryStore) sweepLocked(now time.Time, length time.Duration) {
	for k, w := range s.byKey {
		if w.Expired(now, length) {
			delete(s.byKey, k)
		}
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
}

// ResetAfter returns the time left in the window, rounded up to whole seconds.
func (d Decision) ResetAfter(now time.Time) time.Duration {
	left := d.ResetAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(left.Seconds())) * time.Second
}

// Limiter admits at most Limit requests per Window for each key.
type Limiter struct {
	Store  Store
	Limit  int
	Window time.Duration
	Clock  func() time.Time
}

// New creates a limiter over store.
func New(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{Store: store, Limit: limit, Window: window}
}

// Allow counts a request for key and decides whether it is admitted.
// Rejected requests still count against the window.
func (l *Limiter) Allow(key string) Decision {
	if l == nil || l.Store == nil {
		return Decision{Allowed: true}
	}

	now := l.now()
	w := l.Store.Hit(key, now, l.Window)

	remaining := l.Limit - w.Count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   w.Count <= l.Limit,
		Limit:     l.Limit,
		Remaining: remaining,
		ResetAt:   w.Start.Add(l.Window),
		Window:    l.Window,
	}
}

// Now returns the limiter clock reading.
func (l *Limiter) Now() time.Time {
	return l.now()
}

func (l *Limiter) now() time.Time {
	if l != nil && l.Clock != nil {
		return l.Clock()
	}
	return time.Now().UTC()
}
