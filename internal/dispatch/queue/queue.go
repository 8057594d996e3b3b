// Package queue is the durable delay queue behind the dispatcher.
//
// There is at most one job per item. Each job has a ready time: its NotBefore
// while waiting, or its lease expiry once claimed. Claim hands out jobs whose
// ready time has passed and pushes it forward by the lease, so a worker that
// dies mid-attempt loses its lease and the job is handed out again.
package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Job is a pending dispatch of one item revision.
type Job struct {
	ItemID    string
	Revision  int64
	NotBefore time.Time
	// Attempt counts redeliveries after infrastructure failures.
	Attempt int
}

type Queue interface {
	// Put upserts the job for j.ItemID, replacing any pending or leased job.
	Put(ctx context.Context, j Job) error
	// Claim leases up to limit ready jobs, earliest first.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	// Ack removes the job if it still carries revision.
	Ack(ctx context.Context, itemID string, revision int64) error
	// Nack releases the lease and makes the job ready again at notBefore.
	Nack(ctx context.Context, j Job, notBefore time.Time) error
	// Remove drops the job regardless of revision.
	Remove(ctx context.Context, itemID string) error
	// NextReady returns the earliest ready time, if any job exists.
	NextReady(ctx context.Context) (time.Time, bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// ErrUnknownDriver is returned by Open for unsupported drivers.
var ErrUnknownDriver = errors.New("unknown queue driver")

func normalizeDriver(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].NotBefore.Equal(jobs[k].NotBefore) {
			return jobs[i].NotBefore.Before(jobs[k].NotBefore)
		}
		return jobs[i].ItemID < jobs[k].ItemID
	})
}
