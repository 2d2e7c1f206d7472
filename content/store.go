package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

// Store is the SQLite-backed Catalog over the content_items table
type Store struct {
	q   db.Querier
	now func() time.Time
}

var _ Catalog = (*Store)(nil)

// NewStore creates a content store over a pool or a transaction
func NewStore(q db.Querier) *Store {
	return &Store{q: q, now: time.Now}
}

// WithQuerier returns a store bound to q, typically an open transaction
func (s *Store) WithQuerier(q db.Querier) *Store {
	return &Store{q: q, now: s.now}
}

// Create inserts a new content item. An empty ID gets a generated one.
func (s *Store) Create(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusApproved
	}
	if !IsValidStatus(string(item.Status)) {
		return errors.NewInvalidArgumentError("invalid content status %q", item.Status)
	}

	now := s.now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO content_items (id, title, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Body, item.Status,
		db.FormatTime(item.CreatedAt), db.FormatTime(item.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create content item")
	}
	return nil
}

// GetContentItem retrieves a content item by ID
func (s *Store) GetContentItem(ctx context.Context, id string) (*Item, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, title, body, status, created_at, updated_at
		FROM content_items WHERE id = ?`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("content item %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get content item")
	}
	return item, nil
}

// SetContentItemStatus moves a content item to status
func (s *Store) SetContentItemStatus(ctx context.Context, id string, status Status) error {
	if !IsValidStatus(string(status)) {
		return errors.NewInvalidArgumentError("invalid content status %q", status)
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE content_items SET status = ?, updated_at = ? WHERE id = ?`,
		status, db.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrap(err, "failed to update content item status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("content item %s", id)
	}
	return nil
}

// List returns content items, optionally filtered by status, newest first
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Item, error) {
	query := `SELECT id, title, body, status, created_at, updated_at FROM content_items`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list content items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan content item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating content items")
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var createdAt, updatedAt string
	if err := row.Scan(&item.ID, &item.Title, &item.Body, &item.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if item.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
