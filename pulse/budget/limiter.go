// Package budget throttles outbound publish calls per platform with a
// sliding one-minute window.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/teranos/herald/errors"
)

// Limiter enforces max calls per time window using sliding window algorithm.
// A nil *Limiter allows everything.
type Limiter struct {
	name              string
	maxCallsPerMinute int
	window            time.Duration
	mu                sync.Mutex
	callTimes         []time.Time
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time. maxCallsPerMinute <= 0 returns nil.
func NewLimiter(name string, maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(name, maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(name string, maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	if maxCallsPerMinute <= 0 {
		return nil
	}
	return &Limiter{
		name:              name,
		maxCallsPerMinute: maxCallsPerMinute,
		window:            time.Minute,
		callTimes:         make([]time.Time, 0, maxCallsPerMinute),
		timeNow:           timeNow,
	}
}

// Allow records a call if the window has room. Over the limit it returns an
// error marked errors.ErrRateLimited and errors.ErrThrottled; callers hand the
// post back without spending a retry.
func (r *Limiter) Allow() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxCallsPerMinute {
		err := errors.Newf("%s throttle: %d posts per minute", r.name, r.maxCallsPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("retry in %s", r.retryInLocked(now)))
		return errors.Mark(errors.Mark(err, errors.ErrRateLimited), errors.ErrThrottled)
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// RetryIn returns how long until the oldest call leaves the window
func (r *Limiter) RetryIn() time.Duration {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryInLocked(r.timeNow())
}

// Must be called with lock held
func (r *Limiter) retryInLocked(now time.Time) time.Duration {
	if len(r.callTimes) < r.maxCallsPerMinute {
		return 0
	}
	d := r.callTimes[0].Add(r.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// removeExpiredCalls drops timestamps outside the window. Must be called with lock held.
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// timestamps are ordered
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// Reset clears the rate limiter state
func (r *Limiter) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current rate limiter statistics
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	if r == nil {
		return 0, -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())

	callsInWindow = len(r.callTimes)
	remaining = r.maxCallsPerMinute - callsInWindow
	if remaining < 0 {
		remaining = 0
	}
	return callsInWindow, remaining
}
