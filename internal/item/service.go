package item

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"autopost/internal/eventbus"
	logx "autopost/pkg/logx"
)

// Repository is the part of the item store the authoring flow needs.
type Repository interface {
	CreateItem(ctx context.Context, it ScheduledItem) error
	GetItem(ctx context.Context, id string) (ScheduledItem, error)
	ListItems(ctx context.Context, ownerID string) ([]ScheduledItem, error)
	Reschedule(ctx context.Context, id string, at, now time.Time) (ScheduledItem, error)
	TransitionCancelled(ctx context.Context, id string, revision int64, at time.Time) (Draft, error)
}

// Arm (re)schedules dispatch of an item. Implemented by the dispatcher.
type Arm interface {
	Enqueue(ctx context.Context, it ScheduledItem) error
	Disarm(ctx context.Context, itemID string) error
}

// Service implements create/reschedule/cancel/list on top of a Repository.
type Service struct {
	repo Repository
	arm  Arm
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func NewService(repo Repository, arm Arm, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{repo: repo, arm: arm, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores a new scheduled item and arms its dispatch.
//
// A failed enqueue does not fail the request: the fallback poller picks up
// every due item regardless of the dispatcher.
func (s *Service) Create(ctx context.Context, in Input) (ScheduledItem, error) {
	in = in.normalize()
	if err := validateInput(in); err != nil {
		return ScheduledItem{}, err
	}
	now := s.now()
	if !in.ScheduledFor.After(now) {
		return ScheduledItem{}, ErrInvalidSchedule
	}

	it := ScheduledItem{
		ID:           uuid.NewString(),
		OwnerID:      in.OwnerID,
		Title:        in.Title,
		Body:         in.Body,
		ImageRef:     in.ImageRef,
		ScheduledFor: in.ScheduledFor.UTC(),
		Status:       StatusScheduled,
		Revision:     1,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	if err := s.repo.CreateItem(ctx, it); err != nil {
		return ScheduledItem{}, err
	}
	s.enqueue(ctx, it)
	s.log.Info("item scheduled", logx.String("item", it.ID), logx.String("owner", it.OwnerID), logx.Time("scheduled_for", it.ScheduledFor))
	return it, nil
}

// Reschedule moves an item back to scheduled at a new time and re-arms dispatch.
func (s *Service) Reschedule(ctx context.Context, ownerID, id string, at time.Time) (ScheduledItem, error) {
	now := s.now()
	if !at.After(now) {
		return ScheduledItem{}, ErrInvalidSchedule
	}
	cur, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ScheduledItem{}, err
	}
	if _, err := Next(cur.Status, OpReschedule); err != nil {
		return ScheduledItem{}, err
	}
	it, err := s.repo.Reschedule(ctx, id, at.UTC(), now.UTC())
	if err != nil {
		return ScheduledItem{}, err
	}
	s.enqueue(ctx, it)
	s.log.Info("item rescheduled", logx.String("item", it.ID), logx.Time("scheduled_for", it.ScheduledFor), logx.Int64("revision", it.Revision))
	return it, nil
}

// Cancel converts a scheduled item into a draft and removes it.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (Draft, error) {
	cur, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Draft{}, err
	}
	if _, err := Next(cur.Status, OpCancel); err != nil {
		return Draft{}, err
	}
	d, err := s.repo.TransitionCancelled(ctx, cur.ID, cur.Revision, s.now().UTC())
	if err != nil {
		return Draft{}, err
	}
	if s.arm != nil {
		if err := s.arm.Disarm(ctx, cur.ID); err != nil {
			s.log.Debug("disarm failed", logx.String("item", cur.ID), logx.Err(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ItemCancelled, Data: eventbus.ItemEvent{ItemID: cur.ID, OwnerID: cur.OwnerID, Title: cur.Title, Source: "api"}})
	}
	s.log.Info("item cancelled", logx.String("item", cur.ID), logx.String("draft", d.ID))
	return d, nil
}

// List returns the owner's items ordered by scheduled time ascending.
func (s *Service) List(ctx context.Context, ownerID string) ([]ScheduledItem, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	return s.repo.ListItems(ctx, ownerID)
}

func (s *Service) owned(ctx context.Context, ownerID, id string) (ScheduledItem, error) {
	it, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return ScheduledItem{}, err
	}
	// Foreign items are reported as missing.
	if it.OwnerID != strings.TrimSpace(ownerID) {
		return ScheduledItem{}, ErrNotFound
	}
	return it, nil
}

func (s *Service) enqueue(ctx context.Context, it ScheduledItem) {
	if s.arm == nil {
		return
	}
	if err := s.arm.Enqueue(ctx, it); err != nil {
		s.log.Warn("dispatch enqueue failed; poller will cover", logx.String("item", it.ID), logx.Err(err))
	}
}

func validateInput(in Input) error {
	switch {
	case in.OwnerID == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	case strings.TrimSpace(in.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidInput)
	case in.ScheduledFor.IsZero():
		return fmt.Errorf("%w: scheduled_for is required", ErrInvalidInput)
	}
	if in.ImageRef != "" {
		u, err := url.Parse(in.ImageRef)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: image_ref must be an http(s) URL", ErrInvalidInput)
		}
	}
	return nil
}

// IsConflict reports whether err means another writer won a transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
