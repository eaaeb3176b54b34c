package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWindowScenario(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := New(NewMemoryStore(), 2, time.Second)
	limiter.Clock = func() time.Time { return clock }

	var outcomes []bool
	for i := 0; i < 3; i++ {
		outcomes = append(outcomes, limiter.Allow("10.0.0.1").Allowed)
	}
	require.Equal(t, []bool{true, true, false}, outcomes)

	clock = clock.Add(1100 * time.Millisecond)
	require.True(t, limiter.Allow("10.0.0.1").Allowed, "window elapsed, request must be admitted")
}

func TestLimiterRemainingAndReset(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	limiter := New(NewMemoryStore(), 3, time.Minute)
	limiter.Clock = func() time.Time { return clock }

	d := limiter.Allow("client")
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	clock = start.Add(20500 * time.Millisecond)
	d = limiter.Allow("client")
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 40*time.Second, d.ResetAfter(clock))

	limiter.Allow("client")
	d = limiter.Allow("client")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := New(NewMemoryStore(), 1, time.Minute)

	require.True(t, limiter.Allow("a").Allowed)
	require.False(t, limiter.Allow("a").Allowed)
	require.True(t, limiter.Allow("b").Allowed)
}

func TestNilLimiterAdmits(t *testing.T) {
	var limiter *Limiter
	require.True(t, limiter.Allow("anything").Allowed)
}

func TestMemoryStoreConcurrentHits(t *testing.T) {
	store := NewMemoryStore()
	limiter := New(store, 1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				limiter.Allow("burst")
			}
		}()
	}
	wg.Wait()

	d := limiter.Allow("burst")
	assert.False(t, d.Allowed, "1001st request must be rejected, no hits lost under contention")
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		store.Hit(fmt.Sprintf("k%d", i), now, time.Second)
	}
	require.Equal(t, 10, store.Len())

	store.Sweep(now.Add(500*time.Millisecond), time.Second)
	require.Equal(t, 10, store.Len())

	store.Sweep(now.Add(time.Second), time.Second)
	require.Equal(t, 0, store.Len())

	store.Hit("x", now, time.Second)
	store.Reset("x")
	require.Equal(t, 0, store.Len())
}
