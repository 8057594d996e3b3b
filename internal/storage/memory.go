package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopost/internal/item"
)

// Memory is a process-local Store with the same transition guards as SQLite.
type Memory struct {
	mu        sync.Mutex
	items     map[string]item.ScheduledItem
	published []item.PublishedRecord
	drafts    []item.Draft
	cursors   map[string]time.Time
	dedup     map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items:   map[string]item.ScheduledItem{},
		cursors: map[string]time.Time{},
		dedup:   map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateItem(_ context.Context, it item.ScheduledItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[it.ID]; ok {
		return item.Unavailable("create item", fmt.Errorf("duplicate id %q", it.ID))
	}
	m.items[it.ID] = it
	return nil
}

func (m *Memory) GetItem(_ context.Context, id string) (item.ScheduledItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return item.ScheduledItem{}, item.ErrNotFound
	}
	return it, nil
}

func (m *Memory) ListItems(_ context.Context, ownerID string) ([]item.ScheduledItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []item.ScheduledItem
	for _, it := range m.items {
		if it.OwnerID == ownerID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]item.ScheduledItem, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []item.ScheduledItem
	for _, it := range m.items {
		if it.Due(now) {
			out = append(out, it)
		}
	}
	sortItems(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Reschedule(_ context.Context, id string, at, now time.Time) (item.ScheduledItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return item.ScheduledItem{}, item.ErrNotFound
	}
	if !slices.Contains(item.AllowedFrom(item.OpReschedule), it.Status) {
		return item.ScheduledItem{}, fmt.Errorf("%w: reschedule from %s", item.ErrInvalidTransition, it.Status)
	}
	it.ScheduledFor = at.UTC()
	it.Status = item.StatusScheduled
	it.Revision++
	it.LastError = ""
	it.UpdatedAt = now.UTC()
	m.items[id] = it
	return it, nil
}

func (m *Memory) TransitionPublished(_ context.Context, id string, revision int64, postID string, at time.Time) (item.PublishedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.takeScheduledLocked(id, revision)
	if err != nil {
		return item.PublishedRecord{}, err
	}
	rec := item.PublishedRecord{
		ID:             uuid.NewString(),
		OwnerID:        it.OwnerID,
		Title:          it.Title,
		Body:           it.Body,
		ImageRef:       it.ImageRef,
		PlatformPostID: postID,
		PublishedAt:    at.UTC(),
	}
	m.published = append(m.published, rec)
	if cur, ok := m.cursors[rec.OwnerID]; !ok || rec.PublishedAt.After(cur) {
		m.cursors[rec.OwnerID] = rec.PublishedAt
	}
	return rec, nil
}

func (m *Memory) TransitionFailed(_ context.Context, id string, revision int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != item.StatusScheduled || it.Revision != revision {
		return item.ErrConflict
	}
	it.Status = item.StatusFailed
	it.LastError = reason
	it.Revision++
	it.UpdatedAt = at.UTC()
	m.items[id] = it
	return nil
}

func (m *Memory) TransitionCancelled(_ context.Context, id string, revision int64, at time.Time) (item.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.takeScheduledLocked(id, revision)
	if err != nil {
		return item.Draft{}, err
	}
	d := item.Draft{
		ID:        uuid.NewString(),
		OwnerID:   it.OwnerID,
		Title:     it.Title,
		Body:      it.Body,
		ImageRef:  it.ImageRef,
		CreatedAt: at.UTC(),
	}
	m.drafts = append(m.drafts, d)
	return d, nil
}

func (m *Memory) takeScheduledLocked(id string, revision int64) (item.ScheduledItem, error) {
	it, ok := m.items[id]
	if !ok || it.Status != item.StatusScheduled || it.Revision != revision {
		return item.ScheduledItem{}, item.ErrConflict
	}
	delete(m.items, id)
	return it, nil
}

func (m *Memory) ListPublished(_ context.Context, ownerID string) ([]item.PublishedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []item.PublishedRecord
	for _, r := range m.published {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListDrafts(_ context.Context, ownerID string) ([]item.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []item.Draft
	for _, d := range m.drafts {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) OwnerCursor(_ context.Context, ownerID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.cursors[ownerID]
	return t, ok, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dedup[key]
	return t, ok, nil
}

func sortItems(items []item.ScheduledItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ScheduledFor.Before(items[j].ScheduledFor)
		}
		return items[i].ID < items[j].ID
	})
}
