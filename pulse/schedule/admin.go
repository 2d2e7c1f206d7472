package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
)

// QueueStats is the operator view of the pipeline
type QueueStats struct {
	Counts map[post.Status]int `json:"counts"`
	Due    int                 `json:"due"`
	Paused bool                `json:"paused"`
	Broker map[string]int      `json:"broker,omitempty"` // queue engine only, job state -> count
}

// PauseState reads the persisted pause switch
type PauseState interface {
	IsPaused(ctx context.Context) (bool, error)
}

// Admin is the manual-intervention surface over the store and queue
type Admin struct {
	svc   *Service
	pause PauseState
}

// NewAdmin creates the admin surface for svc. pause may be nil.
func NewAdmin(svc *Service, pause PauseState) *Admin {
	return &Admin{svc: svc, pause: pause}
}

// GetQueueStats returns per-status counts, the due count and broker depth
func (a *Admin) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := a.svc.posts.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	due, err := a.svc.posts.CountDue(ctx, a.svc.now())
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{Counts: counts, Due: due}
	if a.pause != nil {
		if stats.Paused, err = a.pause.IsPaused(ctx); err != nil {
			return nil, err
		}
	}
	if a.svc.queue != nil {
		depth, err := a.svc.queue.Depth(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read broker depth")
		}
		stats.Broker = depth
	}
	return stats, nil
}

// GetPendingJobs lists pending posts, soonest first
func (a *Admin) GetPendingJobs(ctx context.Context, limit int) ([]*post.ScheduledPost, error) {
	return a.svc.posts.List(ctx, post.Filter{Status: post.StatusPending, Limit: limit})
}

// GetFailedJobs lists failed posts
func (a *Admin) GetFailedJobs(ctx context.Context, limit int) ([]*post.ScheduledPost, error) {
	return a.svc.posts.List(ctx, post.Filter{Status: post.StatusFailed, Limit: limit})
}

// Requeue gives a failed post a fresh attempt window at at (now when nil):
// pending, retry count 0, error cleared, content item scheduled again unless
// a sibling post already published it.
func (a *Admin) Requeue(ctx context.Context, id string, at *time.Time) (*post.ScheduledPost, error) {
	runAt := a.svc.now()
	if at != nil {
		runAt = *at
	}

	current, err := a.svc.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != post.StatusFailed {
		return nil, errors.NewConflictError("post %s is %s; only failed posts can be requeued", id, current.Status)
	}

	err = db.WithTx(ctx, a.svc.db, func(tx *sql.Tx) error {
		if err := a.svc.posts.WithQuerier(tx).Requeue(ctx, id, runAt); err != nil {
			return err
		}
		return a.svc.syncContent(ctx, tx, current)
	})
	if err != nil {
		return nil, err
	}

	a.svc.enqueue(ctx, id, runAt)
	a.svc.logger.Infow("Requeued failed post", logger.FieldPostID, id, logger.FieldRunAt, runAt.Format(time.RFC3339))
	return a.svc.posts.Get(ctx, id)
}

// Delete removes a post and its queue job. A post being dispatched cannot be
// deleted; deleting a pending one resyncs its content item, which returns to
// approved when no other post is pending or published.
func (a *Admin) Delete(ctx context.Context, id string) error {
	current, err := a.svc.posts.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == post.StatusProcessing {
		return errors.NewConflictError("post %s is being dispatched", id)
	}

	err = db.WithTx(ctx, a.svc.db, func(tx *sql.Tx) error {
		if err := a.svc.posts.WithQuerier(tx).Delete(ctx, id); err != nil {
			return err
		}
		if current.Status == post.StatusPending {
			return a.svc.syncContent(ctx, tx, current)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if a.svc.queue != nil {
		if err := a.svc.queue.Remove(ctx, id); err != nil {
			a.svc.logger.Warnw("Failed to remove deleted post from queue", logger.FieldPostID, id, logger.FieldError, err)
		}
	}
	a.svc.logger.Infow("Deleted post", logger.FieldPostID, id, logger.FieldStatus, current.Status)
	return nil
}
