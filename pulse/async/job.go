// Package async is the queue variant of the dispatch engine: a durable
// delayed-job broker (SQLite or Redis) holding one job per pending post, and
// a worker pool that leases due jobs and runs them through the dispatcher.
//
// The broker is a delivery mechanism only. The scheduled_posts record stays
// the source of truth: every job is checked against its post before anything
// is published, and a reconcile pass re-derives missing jobs from the store.
package async

import (
	"context"
	"time"
)

// State is the broker-side state of a job
type State string

const (
	StateDelayed State = "delayed" // waiting for RunAt
	StateActive  State = "active"  // leased by a worker until LeaseUntil
	StateFailed  State = "failed"  // terminal, kept for inspection
)

// AllStates lists every job state
func AllStates() []State {
	return []State{StateDelayed, StateActive, StateFailed}
}

// Job is a delayed delivery of one scheduled post. ID is the post id, so
// there is at most one job per post.
type Job struct {
	ID          string     `json:"id"`
	PostID      string     `json:"post_id"`
	State       State      `json:"state"`
	RunAt       time.Time  `json:"run_at"`
	Attempts    int        `json:"attempts"` // mirrors the post's retry count
	MaxAttempts int        `json:"max_attempts"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Broker stores delayed jobs and hands them out under a lease
type Broker interface {
	// Enqueue inserts or replaces the job for job.PostID. A job that is
	// currently leased is left alone.
	Enqueue(ctx context.Context, job *Job) error

	// Get returns one job, NotFound if there is none
	Get(ctx context.Context, id string) (*Job, error)

	// Dequeue leases the oldest job due at now until now+lease.
	// Returns nil when nothing is due.
	Dequeue(ctx context.Context, now time.Time, lease time.Duration) (*Job, error)

	// Ack removes a finished job
	Ack(ctx context.Context, id string) error

	// Retry returns a leased job to delayed, due at runAt
	Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error

	// Fail parks a job as failed
	Fail(ctx context.Context, id string, lastErr string) error

	// Remove deletes a job in any state. Removing a missing job is not an error.
	Remove(ctx context.Context, id string) error

	// ReclaimStalled returns jobs whose lease expired before now to delayed
	ReclaimStalled(ctx context.Context, now time.Time) (int, error)

	// Stats counts jobs per state
	Stats(ctx context.Context) (map[State]int, error)

	Ping(ctx context.Context) error
}
