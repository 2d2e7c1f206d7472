package dispatch

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/content"
	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/publisher"
)

// DefaultMaxRetries is the attempt budget for retryable failures
const DefaultMaxRetries = 3

// Outcome is what one dispatch attempt did to a post
type Outcome struct {
	PostID         string          `json:"post_id"`
	Platform       post.Platform   `json:"platform"`
	Engine         string          `json:"engine"`
	Attempt        int             `json:"attempt"` // 1-based
	Status         post.Status     `json:"status"`  // status the post was left in
	Class          publisher.Class `json:"class,omitempty"`
	RetryCount     int             `json:"retry_count"`
	ExternalPostID string          `json:"external_post_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration"`
	At             time.Time       `json:"at"`
	Deferred       bool            `json:"deferred,omitempty"` // local throttle refused it; no retry spent
}

// Published reports whether the attempt succeeded
func (o *Outcome) Published() bool { return o.Status == post.StatusPublished }

// WillRetry reports whether the post went back to pending for another attempt
func (o *Outcome) WillRetry() bool { return o.Status == post.StatusPending }

// Result is the raw publisher response the recorder turns into an Outcome
type Result struct {
	ExternalID string
	Err        error
	Engine     string
	Duration   time.Duration
}

// CatalogFactory binds the content catalog to the recorder's transaction
type CatalogFactory func(q db.Querier) content.Catalog

// Recorder applies attempt results to the post, its content item and the
// attempt history in one transaction.
type Recorder struct {
	db         *sql.DB
	posts      *post.Store
	catalog    CatalogFactory
	maxRetries int
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// NewRecorder creates an outcome recorder. maxRetries <= 0 uses DefaultMaxRetries;
// a nil catalog uses the SQLite content store.
func NewRecorder(database *sql.DB, catalog CatalogFactory, maxRetries int, now func() time.Time, log *zap.SugaredLogger) *Recorder {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if catalog == nil {
		catalog = func(q db.Querier) content.Catalog { return content.NewStore(q) }
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		db:         database,
		posts:      post.NewStoreWithClock(database, now),
		catalog:    catalog,
		maxRetries: maxRetries,
		now:        now,
		logger:     log,
	}
}

// MaxRetries returns the configured attempt budget
func (r *Recorder) MaxRetries() int { return r.maxRetries }

// Decide computes the outcome of res against rec without touching storage.
//
//	success                      -> published
//	transient/rate limited, n+1 < max -> pending, retryCount n+1
//	transient/rate limited, otherwise -> failed,  retryCount n+1
//	auth/rejected                -> failed,  retryCount n
func (r *Recorder) Decide(rec *post.ScheduledPost, res Result) *Outcome {
	out := &Outcome{
		PostID:     rec.ID,
		Platform:   rec.Platform,
		Engine:     res.Engine,
		Attempt:    rec.RetryCount + 1,
		RetryCount: rec.RetryCount,
		Duration:   res.Duration,
		At:         r.now().UTC(),
	}

	if res.Err == nil {
		out.Status = post.StatusPublished
		out.ExternalPostID = res.ExternalID
		return out
	}

	out.Class = publisher.Classify(res.Err)
	out.Error = publisher.Message(res.Err)

	if out.Class.Retryable() {
		out.RetryCount = rec.RetryCount + 1
		if out.RetryCount < r.maxRetries {
			out.Status = post.StatusPending
		} else {
			out.Status = post.StatusFailed
		}
		return out
	}

	out.Status = post.StatusFailed
	return out
}

// Record decides the outcome and persists it. rec must be the claimed
// (processing) record. If the post left processing in the meantime, for
// example through a stale reclaim, nothing is written and ErrConflict is returned.
func (r *Recorder) Record(ctx context.Context, rec *post.ScheduledPost, res Result) (*Outcome, error) {
	out := r.Decide(rec, res)

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		posts := r.posts.WithQuerier(tx)

		var err error
		switch out.Status {
		case post.StatusPublished:
			err = posts.MarkPublished(ctx, rec.ID, out.ExternalPostID, out.At)
		case post.StatusPending:
			err = posts.MarkRetry(ctx, rec.ID, out.RetryCount, out.Error, out.At)
		default:
			err = posts.MarkFailed(ctx, rec.ID, out.RetryCount, out.Error, out.At)
		}
		if err != nil {
			return err
		}

		if err := r.updateContent(ctx, tx, rec, out); err != nil {
			return err
		}

		return posts.RecordAttempt(ctx, attemptFor(out))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record outcome for post %s", rec.ID)
	}

	r.logger.Infow("Recorded dispatch outcome",
		logger.FieldPostID, out.PostID,
		logger.FieldPlatform, out.Platform,
		logger.FieldAttempt, out.Attempt,
		logger.FieldStatus, out.Status,
		logger.FieldRetryCount, out.RetryCount,
		logger.FieldErrorClass, out.Class,
		logger.FieldDurationMS, out.Duration.Milliseconds())
	return out, nil
}

// Defer hands a claimed post back to pending after the local throttle
// refused the publish. The platform was never called, so the retry count is
// unchanged and no attempt is recorded.
func (r *Recorder) Defer(ctx context.Context, rec *post.ScheduledPost, res Result) (*Outcome, error) {
	out := &Outcome{
		PostID:     rec.ID,
		Platform:   rec.Platform,
		Engine:     res.Engine,
		Attempt:    rec.RetryCount + 1,
		Status:     post.StatusPending,
		Class:      publisher.ClassRateLimited,
		RetryCount: rec.RetryCount,
		Error:      publisher.Message(res.Err),
		At:         r.now().UTC(),
		Deferred:   true,
	}
	if err := r.posts.Release(ctx, rec.ID); err != nil {
		return nil, errors.Wrapf(err, "failed to release throttled post %s", rec.ID)
	}

	r.logger.Infow("Publish deferred by local throttle",
		logger.FieldPostID, out.PostID,
		logger.FieldPlatform, out.Platform,
		logger.FieldRetryCount, out.RetryCount)
	return out, nil
}

// ContentStatusFor derives a content item's status from the posts created
// from it. One published post makes the item published; otherwise any post
// still pending or in flight keeps it scheduled; with neither it is approved
// and can be scheduled again.
func ContentStatusFor(counts map[post.Status]int) content.Status {
	switch {
	case counts[post.StatusPublished] > 0:
		return content.StatusPublished
	case counts[post.StatusPending] > 0 || counts[post.StatusProcessing] > 0:
		return content.StatusScheduled
	default:
		return content.StatusApproved
	}
}

// SyncContentStatus sets the content item sourceID to the status its posts
// imply. q must see the caller's post update, normally the same transaction.
func SyncContentStatus(ctx context.Context, q db.Querier, catalog content.Catalog, sourceID string) error {
	counts, err := post.NewStore(q).CountBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	return catalog.SetContentItemStatus(ctx, sourceID, ContentStatusFor(counts))
}

// updateContent moves the linked content item. A retry leaves it scheduled.
func (r *Recorder) updateContent(ctx context.Context, tx *sql.Tx, rec *post.ScheduledPost, out *Outcome) error {
	if !rec.HasSource() || out.Status == post.StatusPending {
		return nil
	}

	err := SyncContentStatus(ctx, tx, r.catalog(tx), *rec.SourcePostID)
	if errors.IsNotFoundError(err) {
		r.logger.Warnw("Content item for post no longer exists",
			logger.FieldPostID, rec.ID,
			logger.FieldContentID, *rec.SourcePostID)
		return nil
	}
	return err
}

func attemptFor(out *Outcome) *post.Attempt {
	a := &post.Attempt{
		PostID:      out.PostID,
		Attempt:     out.Attempt,
		Platform:    out.Platform,
		Engine:      out.Engine,
		DurationMS:  out.Duration.Milliseconds(),
		AttemptedAt: out.At,
	}
	switch out.Status {
	case post.StatusPublished:
		a.Outcome = post.AttemptPublished
		ext := out.ExternalPostID
		a.ExternalPostID = &ext
	case post.StatusPending:
		a.Outcome = post.AttemptRetrying
	default:
		a.Outcome = post.AttemptFailed
	}
	if out.Class != publisher.ClassNone {
		class := string(out.Class)
		a.ErrorClass = &class
		msg := out.Error
		a.ErrorMessage = &msg
	}
	return a
}
