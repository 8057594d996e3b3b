// Package item defines scheduled items, their lifecycle and the records a
// finished item turns into.
package item

import (
	"strings"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPublished, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s automatically.
func (s Status) Terminal() bool { return s != StatusScheduled }

// ScheduledItem is a user's content plus a future publish time.
//
// Revision increases on every mutation. Dispatch jobs carry the revision they
// were created for, so a job armed before a reschedule is recognised as stale.
type ScheduledItem struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	ImageRef     string    `json:"image_ref,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Status       Status    `json:"status"`
	Revision     int64     `json:"revision"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Due reports whether the item should be published at now.
func (it ScheduledItem) Due(now time.Time) bool {
	return it.Status == StatusScheduled && !it.ScheduledFor.After(now)
}

// PublishedRecord is immutable once created.
type PublishedRecord struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ImageRef       string    `json:"image_ref,omitempty"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// Draft keeps the content of a cancelled item.
type Draft struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImageRef  string    `json:"image_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Input is the authoring payload for a new item.
type Input struct {
	OwnerID      string
	Title        string
	Body         string
	ImageRef     string
	ScheduledFor time.Time
}

func (in Input) normalize() Input {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Title = strings.TrimSpace(in.Title)
	in.ImageRef = strings.TrimSpace(in.ImageRef)
	return in
}
