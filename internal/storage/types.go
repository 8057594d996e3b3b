package storage

import (
	"context"
	"database/sql"
	"time"

	"autopost/internal/item"
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the pipeline.
type Store interface {
	item.Repository

	// ListDue returns scheduled items with ScheduledFor <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]item.ScheduledItem, error)

	// TransitionPublished creates the published record and deletes the item in
	// one unit of work. It fails with item.ErrConflict unless the item is still
	// scheduled at the given revision.
	TransitionPublished(ctx context.Context, id string, revision int64, postID string, at time.Time) (item.PublishedRecord, error)
	// TransitionFailed marks a scheduled item failed under the same guard.
	TransitionFailed(ctx context.Context, id string, revision int64, reason string, at time.Time) error

	ListPublished(ctx context.Context, ownerID string) ([]item.PublishedRecord, error)
	ListDrafts(ctx context.Context, ownerID string) ([]item.Draft, error)

	// OwnerCursor returns the last time an item of ownerID was published.
	OwnerCursor(ctx context.Context, ownerID string) (time.Time, bool, error)

	// Dedup windows (notifier alert suppression that survives restarts and is
	// shared between worker processes).
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// DBProvider is implemented by SQL-backed stores so other components (dispatch
// queue, credential reader) can share the database handle.
type DBProvider interface {
	DB() *sql.DB
}
