// Package post holds the ScheduledPost record and its SQLite store.
//
// A ScheduledPost moves through a small state machine:
//
//	pending ──claim──▶ processing ──▶ published
//	   ▲                   │
//	   └──── retry ────────┤
//	                       └──────▶ failed
//	pending ──cancel──▶ cancelled
//
// Every transition is a conditional UPDATE on the current status, so two
// writers racing on the same record cannot both win.
package post

import (
	"strings"
	"time"

	"github.com/teranos/herald/errors"
)

// Status represents the lifecycle state of a scheduled post
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusCancelled}
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic transition can happen
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// Platform identifies an external publishing destination
type Platform string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformX        Platform = "x"
	PlatformBluesky  Platform = "bluesky"
)

// AllPlatforms lists every platform herald knows how to address
func AllPlatforms() []Platform {
	return []Platform{PlatformLinkedIn, PlatformX, PlatformBluesky}
}

// ParsePlatform normalizes a platform name. "twitter" is accepted for x.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linkedin":
		return PlatformLinkedIn, nil
	case "x", "twitter":
		return PlatformX, nil
	case "bluesky", "bsky":
		return PlatformBluesky, nil
	default:
		return "", errors.NewInvalidArgumentError("unknown platform %q", s)
	}
}

// ScheduledPost is a persisted request to publish content to one platform
// at a specific time.
type ScheduledPost struct {
	ID             string            `json:"id"`
	SourcePostID   *string           `json:"source_post_id,omitempty"` // content item this post was created from
	Platform       Platform          `json:"platform"`
	Content        string            `json:"content"`
	ScheduledTime  time.Time         `json:"scheduled_time"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	ExternalPostID *string           `json:"external_post_id,omitempty"` // set iff Status == published
	Metadata       map[string]string `json:"metadata,omitempty"`         // passed to the publisher as options
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsDue reports whether the post is pending and its time has come
func (p *ScheduledPost) IsDue(now time.Time) bool {
	return p.Status == StatusPending && !p.ScheduledTime.After(now)
}

// HasSource reports whether the post is linked to a content item
func (p *ScheduledPost) HasSource() bool {
	return p.SourcePostID != nil && *p.SourcePostID != ""
}
