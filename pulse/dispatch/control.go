package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

const pausedKey = "paused"

// Control is the persisted pause switch both engines honour. It lives in the
// database so `herald pause` from another process reaches a running daemon.
type Control struct {
	db  *sql.DB
	now func() time.Time
}

// NewControl creates a control over the pulse_control table
func NewControl(database *sql.DB) *Control {
	return &Control{db: database, now: time.Now}
}

// Pause stops engines from starting new dispatch work. In-flight attempts finish.
func (c *Control) Pause(ctx context.Context) error {
	return c.set(ctx, pausedKey, "true")
}

// Resume lets engines dispatch again
func (c *Control) Resume(ctx context.Context) error {
	return c.set(ctx, pausedKey, "false")
}

// IsPaused reports the current switch position. Unset means running.
func (c *Control) IsPaused(ctx context.Context) (bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM pulse_control WHERE key = ?`, pausedKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read pause state")
	}
	return value == "true", nil
}

func (c *Control) set(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO pulse_control (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, db.FormatTime(c.now()))
	if err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}
	return nil
}
