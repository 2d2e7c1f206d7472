package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

const jobColumns = `id, post_id, state, run_at, attempts, max_attempts, lease_until, last_error, created_at, updated_at`

// SQLiteBroker keeps jobs in the dispatch_jobs table next to the posts
type SQLiteBroker struct {
	db  *sql.DB
	now func() time.Time
}

var _ Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker creates a broker over the herald database
func NewSQLiteBroker(database *sql.DB) *SQLiteBroker {
	return &SQLiteBroker{db: database, now: time.Now}
}

// Enqueue implements Broker
func (b *SQLiteBroker) Enqueue(ctx context.Context, job *Job) error {
	if job.PostID == "" {
		return errors.NewInvalidArgumentError("job needs a post id")
	}
	now := db.FormatTime(b.now())

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (id, post_id, state, run_at, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, 'delayed', ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = 'delayed',
			run_at = excluded.run_at,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			lease_until = NULL,
			last_error = NULL,
			updated_at = excluded.updated_at
		WHERE dispatch_jobs.state != 'active'`,
		job.PostID, job.PostID, db.FormatTime(job.RunAt), job.Attempts, job.MaxAttempts, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", job.PostID)
	}
	return nil
}

// Get implements Broker
func (b *SQLiteBroker) Get(ctx context.Context, id string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// Dequeue implements Broker. The select and the lease are one statement, so
// two workers can never lease the same job.
func (b *SQLiteBroker) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `
		UPDATE dispatch_jobs
		SET state = 'active', lease_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM dispatch_jobs
			WHERE state = 'delayed' AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		db.FormatTime(now.Add(lease)), db.FormatTime(b.now()), db.FormatTime(now))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease job")
	}
	return job, nil
}

// Ack implements Broker
func (b *SQLiteBroker) Ack(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to ack job %s", id)
	}
	return nil
}

// Retry implements Broker
func (b *SQLiteBroker) Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET state = 'delayed', attempts = ?, run_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		attempts, db.FormatTime(runAt), nullIfEmpty(lastErr), db.FormatTime(b.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to retry job %s", id)
	}
	return nil
}

// Fail implements Broker
func (b *SQLiteBroker) Fail(ctx context.Context, id string, lastErr string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET state = 'failed', lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(lastErr), db.FormatTime(b.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to fail job %s", id)
	}
	return nil
}

// Remove implements Broker
func (b *SQLiteBroker) Remove(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to remove job %s", id)
	}
	return nil
}

// ReclaimStalled implements Broker
func (b *SQLiteBroker) ReclaimStalled(ctx context.Context, now time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET state = 'delayed', run_at = ?, lease_until = NULL, updated_at = ?
		WHERE state = 'active' AND lease_until < ?`,
		db.FormatTime(now), db.FormatTime(b.now()), db.FormatTime(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim stalled jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count reclaimed jobs")
	}
	return int(n), nil
}

// Stats implements Broker
func (b *SQLiteBroker) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM dispatch_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[State]int, 3)
	for _, st := range AllStates() {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[State(state)] = n
	}
	return counts, errors.Wrap(rows.Err(), "error iterating job counts")
}

// Ping implements Broker
func (b *SQLiteBroker) Ping(ctx context.Context) error {
	return errors.Wrap(b.db.PingContext(ctx), "sqlite broker unreachable")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                 Job
		state               string
		runAt, created, upd string
		leaseUntil, lastErr sql.NullString
	)
	if err := row.Scan(&job.ID, &job.PostID, &state, &runAt, &job.Attempts, &job.MaxAttempts,
		&leaseUntil, &lastErr, &created, &upd); err != nil {
		return nil, err
	}
	job.State = State(state)
	job.LastError = lastErr.String

	var err error
	if job.RunAt, err = db.ParseTime(runAt); err != nil {
		return nil, err
	}
	if job.LeaseUntil, err = db.ParseNullTime(leaseUntil); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = db.ParseTime(upd); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
