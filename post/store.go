package post

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

// Store handles persistence of scheduled posts
type Store struct {
	q   db.Querier
	now func() time.Time
}

// NewStore creates a post store over a pool or a transaction
func NewStore(q db.Querier) *Store {
	return NewStoreWithClock(q, time.Now)
}

// NewStoreWithClock creates a post store with an injectable clock (for testing)
func NewStoreWithClock(q db.Querier, now func() time.Time) *Store {
	return &Store{q: q, now: now}
}

// WithQuerier returns a store sharing this store's clock but bound to q,
// typically an open transaction.
func (s *Store) WithQuerier(q db.Querier) *Store {
	return &Store{q: q, now: s.now}
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status   Status
	Platform Platform
	Limit    int
}

// Create inserts a new post. ID, timestamps and status are filled in when empty.
func (s *Store) Create(ctx context.Context, p *ScheduledPost) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.ScheduledTime = p.ScheduledTime.UTC()

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO scheduled_posts (
			id, source_post_id, platform, content, scheduled_time, status,
			retry_count, last_attempt_at, error_message, external_post_id, metadata,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		db.NullString(p.SourcePostID),
		p.Platform,
		p.Content,
		db.FormatTime(p.ScheduledTime),
		p.Status,
		p.RetryCount,
		db.NullTime(p.LastAttemptAt),
		db.NullString(p.ErrorMessage),
		db.NullString(p.ExternalPostID),
		metadata,
		db.FormatTime(p.CreatedAt),
		db.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create scheduled post")
	}
	return nil
}

// Get retrieves a post by ID
func (s *Store) Get(ctx context.Context, id string) (*ScheduledPost, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scheduled_posts WHERE id = ?`, id)

	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduled post %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled post")
	}
	return p, nil
}

// List returns posts matching the filter, soonest scheduled first
func (s *Store) List(ctx context.Context, f Filter) ([]*ScheduledPost, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}

	query := `SELECT ` + selectColumns + ` FROM scheduled_posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_time ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled posts")
	}
	defer rows.Close()

	return scanPosts(rows, "scheduled posts")
}

// ListDue returns pending posts whose scheduled time is at or before now,
// oldest first. limit <= 0 means no limit.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error) {
	query := `SELECT ` + selectColumns + `
		FROM scheduled_posts
		WHERE status = 'pending' AND scheduled_time <= ?
		ORDER BY scheduled_time ASC`
	args := []interface{}{db.FormatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due posts")
	}
	defer rows.Close()

	return scanPosts(rows, "due posts")
}

// CountDue returns how many pending posts are due at now
func (s *Store) CountDue(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_posts WHERE status = 'pending' AND scheduled_time <= ?`,
		db.FormatTime(now)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count due posts")
	}
	return count, nil
}

// CountByStatus returns the number of posts in each status. Every status is
// present in the result, zero when empty.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.countByStatus(ctx, `SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
}

// CountBySource counts the posts created from one content item, per status
func (s *Store) CountBySource(ctx context.Context, sourceID string) (map[Status]int, error) {
	return s.countByStatus(ctx,
		`SELECT status, COUNT(*) FROM scheduled_posts WHERE source_post_id = ? GROUP BY status`, sourceID)
}

func (s *Store) countByStatus(ctx context.Context, query string, args ...interface{}) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count posts by status")
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses()))
	for _, st := range AllStatuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return counts, nil
}

// Claim atomically moves a post from pending to processing. It returns false
// when the post is not pending, which includes losing a race to another claimer.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		db.FormatTime(s.now()), id)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim post")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// Update describes a change to a pending post. Nil fields are left alone.
type Update struct {
	ScheduledTime *time.Time
	Content       *string
	Metadata      map[string]string // replaces the whole bag when non-nil
	ResetRetries  bool
}

// UpdatePending applies u to a post that is still pending
func (s *Store) UpdatePending(ctx context.Context, id string, u Update) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{db.FormatTime(s.now())}

	if u.ScheduledTime != nil {
		sets = append(sets, "scheduled_time = ?")
		args = append(args, db.FormatTime(*u.ScheduledTime))
	}
	if u.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *u.Content)
	}
	if u.Metadata != nil {
		metadata, err := marshalMetadata(u.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if u.ResetRetries {
		sets = append(sets, "retry_count = 0")
	}

	return s.transition(ctx, id, []Status{StatusPending}, strings.Join(sets, ", "), args...)
}

// Cancel moves a pending post to cancelled
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusPending},
		"status = 'cancelled', updated_at = ?", db.FormatTime(s.now()))
}

// MarkPublished records a successful attempt on a processing post
func (s *Store) MarkPublished(ctx context.Context, id, externalID string, at time.Time) error {
	return s.transition(ctx, id, []Status{StatusProcessing},
		"status = 'published', external_post_id = ?, error_message = NULL, last_attempt_at = ?, updated_at = ?",
		externalID, db.FormatTime(at), db.FormatTime(s.now()))
}

// MarkRetry sends a processing post back to pending after a retryable failure
func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	return s.transition(ctx, id, []Status{StatusProcessing},
		"status = 'pending', retry_count = ?, error_message = ?, last_attempt_at = ?, updated_at = ?",
		retryCount, errMsg, db.FormatTime(at), db.FormatTime(s.now()))
}

// MarkFailed moves a processing post to its terminal failed state
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string, at time.Time) error {
	return s.transition(ctx, id, []Status{StatusProcessing},
		"status = 'failed', retry_count = ?, error_message = ?, last_attempt_at = ?, updated_at = ?",
		retryCount, errMsg, db.FormatTime(at), db.FormatTime(s.now()))
}

// Release hands a processing post back to pending without touching its
// retry count or error
func (s *Store) Release(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusProcessing},
		"status = 'pending', updated_at = ?", db.FormatTime(s.now()))
}

// Requeue gives a failed post a fresh attempt window at scheduledTime
func (s *Store) Requeue(ctx context.Context, id string, scheduledTime time.Time) error {
	return s.transition(ctx, id, []Status{StatusFailed},
		"status = 'pending', retry_count = 0, error_message = NULL, scheduled_time = ?, updated_at = ?",
		db.FormatTime(scheduledTime), db.FormatTime(s.now()))
}

// ReclaimStale resets posts stuck in processing since before cutoff back to
// pending, without consuming a retry. Returns the reclaimed IDs.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?
		RETURNING id`,
		db.FormatTime(s.now()), db.FormatTime(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "failed to reclaim stale posts")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan reclaimed id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reclaimed posts")
	}
	return ids, nil
}

// Delete removes a post that is not currently being dispatched
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM scheduled_posts WHERE id = ? AND status != 'processing'`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete post")
	}
	return s.checkTransition(ctx, result, id, "not processing")
}

// transition applies set to id only while its status is one of from.
// It reports NotFound for unknown ids and Conflict when the status has moved on.
func (s *Store) transition(ctx context.Context, id string, from []Status, set string, args ...interface{}) error {
	placeholders := make([]string, len(from))
	want := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		want[i] = string(st)
		args = append(args, st)
	}

	query := `UPDATE scheduled_posts SET ` + set +
		` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update post %s", id)
	}

	return s.checkTransition(ctx, result, id, strings.Join(want, "|"))
}

func (s *Store) checkTransition(ctx context.Context, result sql.Result, id, want string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewConflictError("post %s is %s (want %s)", id, current.Status, want)
}
