package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memJob struct {
	job     Job
	readyAt time.Time
}

// Memory is a process-local Queue.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]memJob
}

func NewMemory() *Memory { return &Memory{jobs: map[string]memJob{}} }

func (m *Memory) Put(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Attempt = 0
	m.jobs[j.ItemID] = memJob{job: j, readyAt: j.NotBefore}
	return nil
}

func (m *Memory) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []memJob
	for _, mj := range m.jobs {
		if !mj.readyAt.After(now) {
			ready = append(ready, mj)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].readyAt.Equal(ready[j].readyAt) {
			return ready[i].readyAt.Before(ready[j].readyAt)
		}
		return ready[i].job.ItemID < ready[j].job.ItemID
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Job, 0, len(ready))
	for _, mj := range ready {
		mj.readyAt = now.Add(lease)
		m.jobs[mj.job.ItemID] = mj
		out = append(out, mj.job)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, itemID string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.jobs[itemID]; ok && mj.job.Revision == revision {
		delete(m.jobs, itemID)
	}
	return nil
}

func (m *Memory) Nack(_ context.Context, j Job, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[j.ItemID]
	if !ok || mj.job.Revision != j.Revision {
		return nil
	}
	mj.job.Attempt++
	mj.job.NotBefore = notBefore
	mj.readyAt = notBefore
	m.jobs[j.ItemID] = mj
	return nil
}

func (m *Memory) Remove(_ context.Context, itemID string) error {
	m.mu.Lock()
	delete(m.jobs, itemID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) NextReady(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		min   time.Time
		found bool
	)
	for _, mj := range m.jobs {
		if !found || mj.readyAt.Before(min) {
			min, found = mj.readyAt, true
		}
	}
	return min, found, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

func (m *Memory) Close() error { return nil }
