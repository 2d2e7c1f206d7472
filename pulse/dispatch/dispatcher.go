// Package dispatch owns the scheduled-post state machine: claiming a due
// post, publishing it and recording the outcome. Both engines (the poller in
// pulse/schedule and the queue processor in pulse/async) drive the same
// Dispatcher, so the claim and retry rules exist once.
//
// An attempt is strictly ordered:
//
//	Claim    pending -> processing   (conditional UPDATE, exactly one winner)
//	Publish  platform call, bounded by the registry timeout
//	Record   processing -> published | pending | failed, in one transaction
package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
)

// Publisher is the slice of publisher.Registry the dispatcher needs
type Publisher interface {
	Publish(ctx context.Context, platform post.Platform, content string, options map[string]string) (string, error)
}

// Throttle is implemented by publishers that keep a local per-platform budget
type Throttle interface {
	// Throttled returns how long until platform has room again, zero if it has room now
	Throttled(platform post.Platform) time.Duration
}

// Engine is the contract both dispatch variants satisfy
type Engine interface {
	// Claim moves id from pending to processing. It returns the current
	// record and whether this caller won the claim; a nil record means the
	// post no longer exists.
	Claim(ctx context.Context, id string) (*post.ScheduledPost, bool, error)

	// Attempt publishes a claimed record and records the outcome
	Attempt(ctx context.Context, rec *post.ScheduledPost) (*Outcome, error)
}

// Observer is notified after every recorded outcome
type Observer interface {
	OnOutcome(o *Outcome)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(o *Outcome)

// OnOutcome calls f
func (f ObserverFunc) OnOutcome(o *Outcome) { f(o) }

// Config configures a Dispatcher
type Config struct {
	Engine     string // name recorded in post_attempts, "poll" or "queue"
	MaxRetries int
	Catalog    CatalogFactory // nil uses the SQLite content store
	Now        func() time.Time
}

// Dispatcher implements Engine over the post store
type Dispatcher struct {
	posts     *post.Store
	publisher Publisher
	recorder  *Recorder
	stats     *Stats
	engine    string
	now       func() time.Time
	logger    *zap.SugaredLogger

	mu        sync.RWMutex
	observers []Observer
}

var _ Engine = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. stats may be shared with a health reporter.
func NewDispatcher(database *sql.DB, pub Publisher, stats *Stats, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if stats == nil {
		stats = NewStats()
	}
	log = log.Named("dispatch")

	return &Dispatcher{
		posts:     post.NewStoreWithClock(database, cfg.Now),
		publisher: pub,
		recorder:  NewRecorder(database, cfg.Catalog, cfg.MaxRetries, cfg.Now, log),
		stats:     stats,
		engine:    cfg.Engine,
		now:       cfg.Now,
		logger:    log,
	}
}

// Stats returns the dispatcher's counters
func (d *Dispatcher) Stats() *Stats { return d.stats }

// Posts returns the store the dispatcher claims from
func (d *Dispatcher) Posts() *post.Store { return d.posts }

// MaxRetries returns the attempt budget for retryable failures
func (d *Dispatcher) MaxRetries() int { return d.recorder.MaxRetries() }

// ThrottledFor reports how long platform's local throttle will refuse
// publishes. Zero when the publisher keeps no budget.
func (d *Dispatcher) ThrottledFor(platform post.Platform) time.Duration {
	if t, ok := d.publisher.(Throttle); ok {
		return t.Throttled(platform)
	}
	return 0
}

// Subscribe registers an observer for recorded outcomes
func (d *Dispatcher) Subscribe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Claim implements Engine
func (d *Dispatcher) Claim(ctx context.Context, id string) (*post.ScheduledPost, bool, error) {
	ok, err := d.posts.Claim(ctx, id)
	if err != nil {
		return nil, false, err
	}

	rec, err := d.posts.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, ok, err
	}
	if !ok {
		d.stats.RecordClaimLost()
	}
	return rec, ok, nil
}

// Attempt implements Engine. rec must have been claimed by this caller.
// The returned error reports a failure to record, never a publish failure;
// those are in the Outcome.
func (d *Dispatcher) Attempt(ctx context.Context, rec *post.ScheduledPost) (*Outcome, error) {
	if rec.Status != post.StatusProcessing {
		return nil, errors.NewPreconditionFailedError("post %s is %s, not claimed", rec.ID, rec.Status)
	}

	start := d.now()
	externalID, pubErr := d.publisher.Publish(ctx, rec.Platform, rec.Content, rec.Metadata)
	res := Result{
		ExternalID: externalID,
		Err:        pubErr,
		Engine:     d.engine,
		Duration:   d.now().Sub(start),
	}

	// The outcome must land even if the caller is shutting down, otherwise
	// the post waits for a stale reclaim.
	var out *Outcome
	var err error
	if errors.IsThrottled(pubErr) {
		out, err = d.recorder.Defer(context.WithoutCancel(ctx), rec, res)
	} else {
		out, err = d.recorder.Record(context.WithoutCancel(ctx), rec, res)
	}
	if err != nil {
		d.stats.RecordError(rec.ID, err, d.now())
		return nil, err
	}

	d.stats.RecordOutcome(out)
	d.notify(out)
	return out, nil
}

// CycleResult summarizes one DispatchDue pass
type CycleResult struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Lost      int `json:"lost"`     // claimed by someone else first
	Deferred  int `json:"deferred"` // left pending by the local throttle
	Errors    int `json:"errors"`
}

// DispatchDue claims and attempts every post due at now, one at a time in
// scheduled order. Per-post errors are logged and counted; only a failure
// to list the due set is returned.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (*CycleResult, error) {
	due, err := d.posts.ListDue(ctx, now, 0)
	if err != nil {
		return nil, err
	}

	res := &CycleResult{Due: len(due)}
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if wait := d.ThrottledFor(candidate.Platform); wait > 0 {
			res.Deferred++
			d.logger.Debugw("Platform throttled, leaving post pending",
				logger.FieldPostID, candidate.ID,
				logger.FieldPlatform, candidate.Platform,
				"retry_in", wait)
			continue
		}

		rec, ok, err := d.Claim(ctx, candidate.ID)
		if err != nil {
			res.Errors++
			d.stats.RecordError(candidate.ID, err, d.now())
			d.logger.Errorw("Failed to claim post", logger.FieldPostID, candidate.ID, logger.FieldError, err)
			continue
		}
		if !ok {
			res.Lost++
			d.logger.Debugw("Post claimed elsewhere, skipping", logger.FieldPostID, candidate.ID)
			continue
		}
		res.Claimed++

		out, err := d.Attempt(ctx, rec)
		if err != nil {
			res.Errors++
			d.logger.Errorw("Failed to record attempt", logger.FieldPostID, rec.ID, logger.FieldError, err)
			continue
		}
		switch {
		case out.Deferred:
			res.Deferred++
		case out.Status == post.StatusPublished:
			res.Published++
		case out.Status == post.StatusPending:
			res.Retrying++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// ReclaimStale resets posts stuck in processing for longer than after
func (d *Dispatcher) ReclaimStale(ctx context.Context, after time.Duration) ([]string, error) {
	ids, err := d.posts.ReclaimStale(ctx, d.now().Add(-after))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		d.stats.RecordReclaimed(len(ids))
		d.logger.Warnw("Reclaimed stale processing posts", logger.FieldCount, len(ids), "post_ids", ids)
	}
	return ids, nil
}

func (d *Dispatcher) notify(o *Outcome) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, obs := range d.observers {
		obs.OnOutcome(o)
	}
}
