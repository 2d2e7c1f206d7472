package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/herald/post"
)

// RecentErrorsCapacity bounds the recent error ring
const RecentErrorsCapacity = 50

// ErrorEntry is one failed attempt kept for diagnostics
type ErrorEntry struct {
	PostID   string        `json:"post_id"`
	Platform post.Platform `json:"platform"`
	Class    string        `json:"class"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// PlatformCounters are per-platform attempt totals
type PlatformCounters struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Stats accumulates dispatch counters for one engine instance.
// Safe for concurrent use.
type Stats struct {
	totalRuns       atomic.Int64
	totalProcessed  atomic.Int64
	totalSuccessful atomic.Int64
	totalFailed     atomic.Int64
	totalRetried    atomic.Int64
	skippedCycles   atomic.Int64
	claimsLost      atomic.Int64
	reclaimed       atomic.Int64
	throttled       atomic.Int64

	mu          sync.Mutex
	recent      [RecentErrorsCapacity]ErrorEntry
	recentNext  int
	recentLen   int
	perPlatform map[post.Platform]*PlatformCounters
	lastRunAt   time.Time
	startedAt   time.Time
}

// NewStats creates an empty counter set
func NewStats() *Stats {
	return &Stats{
		perPlatform: make(map[post.Platform]*PlatformCounters),
		startedAt:   time.Now(),
	}
}

// RecordRun counts a started cycle
func (s *Stats) RecordRun(at time.Time) {
	s.totalRuns.Add(1)
	s.mu.Lock()
	s.lastRunAt = at
	s.mu.Unlock()
}

// RecordSkippedCycle counts a cycle refused by the single-flight guard
func (s *Stats) RecordSkippedCycle() { s.skippedCycles.Add(1) }

// RecordClaimLost counts a due record another engine claimed first
func (s *Stats) RecordClaimLost() { s.claimsLost.Add(1) }

// RecordReclaimed counts stale processing records reset to pending
func (s *Stats) RecordReclaimed(n int) { s.reclaimed.Add(int64(n)) }

// RecordOutcome counts an attempt and keeps failures in the error ring
func (s *Stats) RecordOutcome(o *Outcome) {
	if o.Deferred {
		s.throttled.Add(1)
		return
	}
	s.totalProcessed.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.perPlatform[o.Platform]
	if !ok {
		pc = &PlatformCounters{}
		s.perPlatform[o.Platform] = pc
	}

	if o.Published() {
		s.totalSuccessful.Add(1)
		pc.Successful++
		return
	}

	s.totalFailed.Add(1)
	if o.WillRetry() {
		s.totalRetried.Add(1)
	}
	pc.Failed++

	s.recent[s.recentNext] = ErrorEntry{
		PostID:   o.PostID,
		Platform: o.Platform,
		Class:    string(o.Class),
		Message:  o.Error,
		At:       o.At,
	}
	s.recentNext = (s.recentNext + 1) % RecentErrorsCapacity
	if s.recentLen < RecentErrorsCapacity {
		s.recentLen++
	}
}

// RecordError keeps a failure that did not come from a publish attempt,
// such as a claim or store error.
func (s *Stats) RecordError(postID string, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.recentNext] = ErrorEntry{PostID: postID, Class: "internal", Message: err.Error(), At: at}
	s.recentNext = (s.recentNext + 1) % RecentErrorsCapacity
	if s.recentLen < RecentErrorsCapacity {
		s.recentLen++
	}
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	TotalRuns       int64                              `json:"total_runs"` // poll cycles or queue janitor sweeps
	TotalProcessed  int64                              `json:"total_processed"`
	TotalSuccessful int64                              `json:"total_successful"`
	TotalFailed     int64                              `json:"total_failed"` // includes attempts that will retry
	TotalRetried    int64                              `json:"total_retried"`
	SkippedCycles   int64                              `json:"skipped_cycles"`
	ClaimsLost      int64                              `json:"claims_lost"`
	Reclaimed       int64                              `json:"reclaimed"`
	Throttled       int64                              `json:"throttled"` // claimed posts handed back by the local throttle
	RecentErrors    []ErrorEntry                       `json:"recent_errors"` // newest first
	PerPlatform     map[post.Platform]PlatformCounters `json:"per_platform"`
	LastRunAt       *time.Time                         `json:"last_run_at,omitempty"`
	StartedAt       time.Time                          `json:"started_at"`
}

// Snapshot copies the current counters
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		TotalRuns:       s.totalRuns.Load(),
		TotalProcessed:  s.totalProcessed.Load(),
		TotalSuccessful: s.totalSuccessful.Load(),
		TotalFailed:     s.totalFailed.Load(),
		TotalRetried:    s.totalRetried.Load(),
		SkippedCycles:   s.skippedCycles.Load(),
		ClaimsLost:      s.claimsLost.Load(),
		Reclaimed:       s.reclaimed.Load(),
		Throttled:       s.throttled.Load(),
		RecentErrors:    make([]ErrorEntry, 0, s.recentLen),
		PerPlatform:     make(map[post.Platform]PlatformCounters, len(s.perPlatform)),
		StartedAt:       s.startedAt,
	}

	for i := 1; i <= s.recentLen; i++ {
		idx := (s.recentNext - i + RecentErrorsCapacity) % RecentErrorsCapacity
		snap.RecentErrors = append(snap.RecentErrors, s.recent[idx])
	}
	for p, c := range s.perPlatform {
		snap.PerPlatform[p] = *c
	}
	if !s.lastRunAt.IsZero() {
		t := s.lastRunAt
		snap.LastRunAt = &t
	}
	return snap
}
