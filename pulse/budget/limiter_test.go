package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func TestLimiter_AtLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("linkedin", 3, clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(), "call %d", i+1)
		clock.Advance(100 * time.Millisecond)
	}

	err := limiter.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.Contains(t, err.Error(), "linkedin throttle")
}

func TestLimiter_SlidingWindow(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("x", 2, clock.Now)

	require.NoError(t, limiter.Allow())
	clock.Advance(30 * time.Second)
	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())

	assert.Equal(t, 30*time.Second, limiter.RetryIn())

	// First call leaves the window
	clock.Advance(31 * time.Second)
	assert.Equal(t, time.Duration(0), limiter.RetryIn())
	require.NoError(t, limiter.Allow())

	calls, remaining := limiter.Stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, remaining)
}

func TestLimiter_Reset(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("bluesky", 1, clock.Now)

	require.NoError(t, limiter.Allow())
	require.Error(t, limiter.Allow())

	limiter.Reset()
	assert.NoError(t, limiter.Allow())
}

func TestLimiter_NilAllowsEverything(t *testing.T) {
	limiter := NewLimiter("linkedin", 0)
	require.Nil(t, limiter)

	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Allow())
	}
	assert.Equal(t, time.Duration(0), limiter.RetryIn())
	calls, remaining := limiter.Stats()
	assert.Equal(t, 0, calls)
	assert.Equal(t, -1, remaining)
}

func TestLimiter_DenialIsThrottled(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("x", 1, clock.Now)
	require.NoError(t, limiter.Allow())

	err := limiter.Allow()
	require.Error(t, err)
	assert.True(t, errors.IsThrottled(err))
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.Equal(t, time.Minute, limiter.RetryIn())

	clock.Advance(20 * time.Second)
	assert.Equal(t, 40*time.Second, limiter.RetryIn())
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter("linkedin", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
