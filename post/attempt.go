package post

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

// AttemptOutcome is what a single dispatch attempt did to its post
type AttemptOutcome string

const (
	AttemptPublished AttemptOutcome = "published"
	AttemptRetrying  AttemptOutcome = "retrying"
	AttemptFailed    AttemptOutcome = "failed"
)

// Attempt is one row of a post's dispatch history
type Attempt struct {
	ID             string         `json:"id"`
	PostID         string         `json:"post_id"`
	Attempt        int            `json:"attempt"` // 1-based
	Platform       Platform       `json:"platform"`
	Engine         string         `json:"engine"`
	Outcome        AttemptOutcome `json:"outcome"`
	ErrorClass     *string        `json:"error_class,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	ExternalPostID *string        `json:"external_post_id,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}

// RecordAttempt appends an attempt row. Callers normally do this in the same
// transaction as the status change it describes.
func (s *Store) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.now()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO post_attempts (
			id, post_id, attempt, platform, engine, outcome,
			error_class, error_message, external_post_id, duration_ms, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PostID, a.Attempt, a.Platform, a.Engine, a.Outcome,
		db.NullString(a.ErrorClass), db.NullString(a.ErrorMessage), db.NullString(a.ExternalPostID),
		a.DurationMS, db.FormatTime(a.AttemptedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record attempt for post %s", a.PostID)
	}
	return nil
}

// ListAttempts returns the dispatch history of one post in attempt order
func (s *Store) ListAttempts(ctx context.Context, postID string) ([]*Attempt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, post_id, attempt, platform, engine, outcome,
		       error_class, error_message, external_post_id, duration_ms, attempted_at
		FROM post_attempts
		WHERE post_id = ?
		ORDER BY attempted_at ASC, attempt ASC`, postID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// RecentFailures returns the newest attempts that did not publish, newest first
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, post_id, attempt, platform, engine, outcome,
		       error_class, error_message, external_post_id, duration_ms, attempted_at
		FROM post_attempts
		WHERE outcome != 'published'
		ORDER BY attempted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent failures")
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// AttemptTotals summarizes post_attempts since a point in time
type AttemptTotals struct {
	Total       int              `json:"total"`
	Published   int              `json:"published"`
	Retrying    int              `json:"retrying"`
	Failed      int              `json:"failed"`
	PerPlatform map[Platform]int `json:"per_platform"`
}

// AttemptTotalsSince aggregates attempts made at or after since
func (s *Store) AttemptTotalsSince(ctx context.Context, since time.Time) (*AttemptTotals, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT platform, outcome, COUNT(*)
		FROM post_attempts
		WHERE attempted_at >= ?
		GROUP BY platform, outcome`, db.FormatTime(since))
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate attempts")
	}
	defer rows.Close()

	totals := &AttemptTotals{PerPlatform: make(map[Platform]int)}
	for rows.Next() {
		var platform Platform
		var outcome AttemptOutcome
		var n int
		if err := rows.Scan(&platform, &outcome, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt totals")
		}
		totals.Total += n
		totals.PerPlatform[platform] += n
		switch outcome {
		case AttemptPublished:
			totals.Published += n
		case AttemptRetrying:
			totals.Retrying += n
		case AttemptFailed:
			totals.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating attempt totals")
	}
	return totals, nil
}

func scanAttempts(rows *sql.Rows) ([]*Attempt, error) {
	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var errorClass, errorMessage, externalID sql.NullString
		var attemptedAt string

		if err := rows.Scan(
			&a.ID, &a.PostID, &a.Attempt, &a.Platform, &a.Engine, &a.Outcome,
			&errorClass, &errorMessage, &externalID, &a.DurationMS, &attemptedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}

		t, err := db.ParseTime(attemptedAt)
		if err != nil {
			return nil, err
		}
		a.AttemptedAt = t
		a.ErrorClass = db.StringPtr(errorClass)
		a.ErrorMessage = db.StringPtr(errorMessage)
		a.ExternalPostID = db.StringPtr(externalID)

		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating attempts")
	}
	return attempts, nil
}
