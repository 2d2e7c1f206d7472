package post

import (
	"database/sql"

	"github.com/goccy/go-json"

	"github.com/teranos/herald/db"
	"github.com/teranos/herald/errors"
)

// selectColumns is the column list every post query selects, in scan order
const selectColumns = `id, source_post_id, platform, content, scheduled_time, status,
	retry_count, last_attempt_at, error_message, external_post_id, metadata,
	created_at, updated_at`

// scanArgs holds the nullable and text-encoded columns between Scan and decode
type scanArgs struct {
	sourcePostID   sql.NullString
	scheduledTime  string
	lastAttemptAt  sql.NullString
	errorMessage   sql.NullString
	externalPostID sql.NullString
	metadata       string
	createdAt      string
	updatedAt      string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*ScheduledPost, error) {
	var p ScheduledPost
	var a scanArgs

	err := row.Scan(
		&p.ID,
		&a.sourcePostID,
		&p.Platform,
		&p.Content,
		&a.scheduledTime,
		&p.Status,
		&p.RetryCount,
		&a.lastAttemptAt,
		&a.errorMessage,
		&a.externalPostID,
		&a.metadata,
		&a.createdAt,
		&a.updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeScanArgs(&p, &a); err != nil {
		return nil, errors.Wrapf(err, "failed to decode post %s", p.ID)
	}
	return &p, nil
}

func decodeScanArgs(p *ScheduledPost, a *scanArgs) error {
	var err error

	p.SourcePostID = db.StringPtr(a.sourcePostID)
	p.ErrorMessage = db.StringPtr(a.errorMessage)
	p.ExternalPostID = db.StringPtr(a.externalPostID)

	if p.ScheduledTime, err = db.ParseTime(a.scheduledTime); err != nil {
		return err
	}
	if p.LastAttemptAt, err = db.ParseNullTime(a.lastAttemptAt); err != nil {
		return err
	}
	if p.CreatedAt, err = db.ParseTime(a.createdAt); err != nil {
		return err
	}
	if p.UpdatedAt, err = db.ParseTime(a.updatedAt); err != nil {
		return err
	}

	p.Metadata, err = unmarshalMetadata(a.metadata)
	return err
}

func scanPosts(rows *sql.Rows, what string) ([]*ScheduledPost, error) {
	var posts []*ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan post")
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return posts, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal metadata")
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal metadata")
	}
	return m, nil
}
