// Package schedule is the caller-facing side of the pipeline: the scheduling
// service that validates and records publish requests, the admin surface for
// operators, and the polling engine that sweeps due posts on a timer.
package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/content"
	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/dispatch"
)

// PlatformSupport reports which platforms have a registered publisher and
// which of those can actually publish
type PlatformSupport interface {
	Supports(platform post.Platform) bool
	HasCredentials(platform post.Platform) bool
}

// Enqueuer is the durable queue the queue engine consumes. nil for the poll engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, postID string, runAt time.Time) error
	Remove(ctx context.Context, postID string) error
	Depth(ctx context.Context) (map[string]int, error)
}

// CatalogFactory binds the content catalog to a transaction
type CatalogFactory func(q db.Querier) content.Catalog

// ScheduleRequest asks for content to be published to one platform at a time
type ScheduleRequest struct {
	ContentRef    string // content item id; empty for a standalone post
	Platform      post.Platform
	ScheduledTime time.Time
	Metadata      map[string]string
	Content       string // overrides the content item body when set
}

// RescheduleRequest changes a pending post. At least one field must be set.
type RescheduleRequest struct {
	NewTime     *time.Time
	NewContent  *string
	NewMetadata map[string]string
}

// Service validates and records scheduling requests
type Service struct {
	db        *sql.DB
	posts     *post.Store
	platforms PlatformSupport
	catalog   CatalogFactory
	queue     Enqueuer
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// Option customizes a Service
type Option func(*Service)

// WithEnqueuer makes the service feed the durable queue
func WithEnqueuer(q Enqueuer) Option {
	return func(s *Service) { s.queue = q }
}

// WithClock overrides time.Now (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCatalog overrides the content catalog
func WithCatalog(c CatalogFactory) Option {
	return func(s *Service) { s.catalog = c }
}

// NewService creates a scheduling service
func NewService(database *sql.DB, platforms PlatformSupport, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		db:        database,
		platforms: platforms,
		catalog:   func(q db.Querier) content.Catalog { return content.NewStore(q) },
		now:       time.Now,
		logger:    log.Named("schedule"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.posts = post.NewStoreWithClock(database, s.now)
	return s
}

// Schedule validates req and persists a pending post. A linked content item
// moves to scheduled in the same transaction.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*post.ScheduledPost, error) {
	if !s.platforms.Supports(req.Platform) {
		return nil, errors.NewInvalidArgumentError("platform %q is not supported", req.Platform)
	}
	if !s.platforms.HasCredentials(req.Platform) {
		return nil, errors.WithHintf(
			errors.NewInvalidArgumentError("platform %q has no credentials configured", req.Platform),
			"set HERALD_%s_ACCESS_TOKEN or add an access_token to [platforms.%s] in am.toml",
			strings.ToUpper(string(req.Platform)), req.Platform)
	}
	if err := s.validateTime(req.ScheduledTime); err != nil {
		return nil, err
	}
	req.ContentRef = strings.TrimSpace(req.ContentRef)
	if req.ContentRef == "" && strings.TrimSpace(req.Content) == "" {
		return nil, errors.NewInvalidArgumentError("a standalone post needs content")
	}

	p := &post.ScheduledPost{
		Platform:      req.Platform,
		Content:       req.Content,
		ScheduledTime: req.ScheduledTime,
		Metadata:      req.Metadata,
	}

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if req.ContentRef != "" {
			catalog := s.catalog(tx)
			item, err := catalog.GetContentItem(ctx, req.ContentRef)
			if err != nil {
				return err
			}
			if p.Content == "" {
				p.Content = item.Body
			}
			if strings.TrimSpace(p.Content) == "" {
				return errors.NewInvalidArgumentError("content item %s has no body", item.ID)
			}
			ref := item.ID
			p.SourcePostID = &ref
			if err := s.posts.WithQuerier(tx).Create(ctx, p); err != nil {
				return err
			}
			return dispatch.SyncContentStatus(ctx, tx, catalog, item.ID)
		}
		return s.posts.WithQuerier(tx).Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.enqueue(ctx, p.ID, p.ScheduledTime)

	s.logger.Infow("Scheduled post",
		logger.FieldPostID, p.ID,
		logger.FieldPlatform, p.Platform,
		logger.FieldScheduledTime, p.ScheduledTime.Format(time.RFC3339),
		logger.FieldContentID, req.ContentRef)
	return p, nil
}

// Reschedule changes the time, content or metadata of a pending post.
// A new time opens a fresh attempt window, resetting the retry count.
func (s *Service) Reschedule(ctx context.Context, id string, req RescheduleRequest) (*post.ScheduledPost, error) {
	if req.NewTime == nil && req.NewContent == nil && req.NewMetadata == nil {
		return nil, errors.NewInvalidArgumentError("reschedule needs a new time, content or metadata")
	}
	if req.NewTime != nil {
		if err := s.validateTime(*req.NewTime); err != nil {
			return nil, err
		}
	}
	if req.NewContent != nil && strings.TrimSpace(*req.NewContent) == "" {
		return nil, errors.NewInvalidArgumentError("content cannot be empty")
	}

	current, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != post.StatusPending {
		return nil, errors.NewPreconditionFailedError("post %s is %s; only pending posts can be rescheduled", id, current.Status)
	}

	err = s.posts.UpdatePending(ctx, id, post.Update{
		ScheduledTime: req.NewTime,
		Content:       req.NewContent,
		Metadata:      req.NewMetadata,
		ResetRetries:  req.NewTime != nil,
	})
	if errors.IsConflictError(err) {
		// claimed between the read and the update
		return nil, errors.NewPreconditionFailedError("post %s is no longer pending", id)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.NewTime != nil {
		s.enqueue(ctx, id, updated.ScheduledTime)
	}

	s.logger.Infow("Rescheduled post",
		logger.FieldPostID, id,
		logger.FieldScheduledTime, updated.ScheduledTime.Format(time.RFC3339))
	return updated, nil
}

// Cancel moves a pending post to cancelled and returns its content item to
// approved. Cancelling an already cancelled post is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	current, err := s.posts.Get(ctx, id)
	if err != nil {
		return err
	}

	switch current.Status {
	case post.StatusCancelled:
		return nil
	case post.StatusPending:
	default:
		return errors.NewConflictError("post %s is %s and cannot be cancelled", id, current.Status)
	}

	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.posts.WithQuerier(tx).Cancel(ctx, id); err != nil {
			return err
		}
		return s.syncContent(ctx, tx, current)
	})
	if errors.IsConflictError(err) {
		// lost a race; a concurrent cancel still counts as success
		if again, getErr := s.posts.Get(ctx, id); getErr == nil && again.Status == post.StatusCancelled {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	if s.queue != nil {
		if err := s.queue.Remove(ctx, id); err != nil {
			s.logger.Warnw("Failed to remove cancelled post from queue", logger.FieldPostID, id, logger.FieldError, err)
		}
	}

	s.logger.Infow("Cancelled post", logger.FieldPostID, id)
	return nil
}

// ListDue returns pending posts whose time has come, oldest first
func (s *Service) ListDue(ctx context.Context, now time.Time) ([]*post.ScheduledPost, error) {
	return s.posts.ListDue(ctx, now, 0)
}

// Get returns one post
func (s *Service) Get(ctx context.Context, id string) (*post.ScheduledPost, error) {
	return s.posts.Get(ctx, id)
}

// List returns posts matching f
func (s *Service) List(ctx context.Context, f post.Filter) ([]*post.ScheduledPost, error) {
	return s.posts.List(ctx, f)
}

// Attempts returns the dispatch history of one post
func (s *Service) Attempts(ctx context.Context, id string) ([]*post.Attempt, error) {
	return s.posts.ListAttempts(ctx, id)
}

func (s *Service) validateTime(t time.Time) error {
	if t.IsZero() {
		return errors.NewInvalidArgumentError("scheduled time is required")
	}
	if now := s.now(); !t.After(now) {
		return errors.WithHint(
			errors.NewInvalidArgumentError("scheduled time %s is not in the future", t.UTC().Format(time.RFC3339)),
			"times are compared in UTC; pass an explicit offset")
	}
	return nil
}

// syncContent moves p's content item to the status its posts imply after p
// changed. Sibling posts on other platforms keep it scheduled or published.
func (s *Service) syncContent(ctx context.Context, q db.Querier, p *post.ScheduledPost) error {
	if !p.HasSource() {
		return nil
	}
	err := dispatch.SyncContentStatus(ctx, q, s.catalog(q), *p.SourcePostID)
	if errors.IsNotFoundError(err) {
		s.logger.Warnw("Content item for post no longer exists",
			logger.FieldPostID, p.ID, logger.FieldContentID, *p.SourcePostID)
		return nil
	}
	return err
}

// enqueue feeds the durable queue. The post is already committed, so a
// broker failure is logged and left to the queue engine's reconcile pass.
func (s *Service) enqueue(ctx context.Context, id string, runAt time.Time) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, id, runAt); err != nil {
		s.logger.Warnw("Failed to enqueue post; reconcile will pick it up",
			logger.FieldPostID, id, logger.FieldError, err)
	}
}
