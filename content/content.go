// Package content is herald's view of the upstream content items that
// scheduled posts are created from. herald never edits an item's text; it
// only checks existence when scheduling and moves the item's status as the
// post it produced is scheduled, published or reverted.
package content

import (
	"context"
	"time"
)

// Status is the lifecycle state of a content item
type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved" // reviewed and reschedulable
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusDraft, StatusApproved, StatusScheduled, StatusPublished, StatusArchived:
		return true
	default:
		return false
	}
}

// Item is a content item produced by the content pipeline
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Catalog is the collaborator contract the scheduling service and the
// outcome recorder depend on.
type Catalog interface {
	GetContentItem(ctx context.Context, id string) (*Item, error)
	SetContentItemStatus(ctx context.Context, id string, status Status) error
}
