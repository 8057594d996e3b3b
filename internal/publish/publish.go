// Package publish runs one publish attempt for a scheduled item: credential
// check, platform call, and the guarded state transition that records the
// outcome. The dispatcher and the fallback poller share it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"autopost/internal/credential"
	"autopost/internal/eventbus"
	"autopost/internal/item"
	"autopost/internal/platform"
	logx "autopost/pkg/logx"
)

// Outcome is the result class of an attempt.
type Outcome int

const (
	// Skipped: the item is gone, no longer scheduled, or another writer won.
	Skipped Outcome = iota
	// NotDue: the item was moved to a later time.
	NotDue
	Published
	Failed
	// Retry: the platform reported a transient failure.
	Retry
	// Infra: the store or the local environment failed; nothing was decided.
	Infra
	// Unrecorded: the platform accepted the post but the store could not record it.
	Unrecorded
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case NotDue:
		return "not_due"
	case Published:
		return "published"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	case Infra:
		return "infra"
	case Unrecorded:
		return "unrecorded"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Item    item.ScheduledItem
	PostID  string
	Err     error
}

// Store is the part of storage.Store an attempt needs.
type Store interface {
	GetItem(ctx context.Context, id string) (item.ScheduledItem, error)
	TransitionPublished(ctx context.Context, id string, revision int64, postID string, at time.Time) (item.PublishedRecord, error)
	TransitionFailed(ctx context.Context, id string, revision int64, reason string, at time.Time) error
}

// Options scope one attempt.
type Options struct {
	// Revision, when non-zero, must match the stored item.
	Revision int64
	// Source is recorded on events: dispatcher | poller.
	Source string
}

type Publisher struct {
	store    Store
	creds    credential.Store
	platform platform.Publisher
	limiter  atomic.Pointer[rate.Limiter]
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Publisher)

func WithBus(bus eventbus.Bus) Option { return func(p *Publisher) { p.bus = bus } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }

// WithRateLimit gates every platform call with a token bucket. perSec <= 0 disables it.
func WithRateLimit(perSec float64, burst int) Option {
	return func(p *Publisher) { p.SetRateLimit(perSec, burst) }
}

func New(store Store, creds credential.Store, pub platform.Publisher, log logx.Logger, opts ...Option) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Publisher{store: store, creds: creds, platform: pub, log: log, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetRateLimit adjusts the token bucket in place (config reload).
func (p *Publisher) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		p.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	if l := p.limiter.Load(); l != nil {
		l.SetLimit(rate.Limit(perSec))
		l.SetBurst(burst)
		return
	}
	p.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

// Attempt publishes itemID once.
func (p *Publisher) Attempt(ctx context.Context, itemID string, opt Options) Result {
	log := p.log.With(logx.String("item", itemID), logx.String("source", opt.Source))

	it, err := p.store.GetItem(ctx, itemID)
	if errors.Is(err, item.ErrNotFound) {
		return Result{Outcome: Skipped}
	}
	if err != nil {
		return Result{Outcome: Infra, Err: err}
	}
	if it.Status.Terminal() || (opt.Revision != 0 && it.Revision != opt.Revision) {
		log.Debug("attempt skipped", logx.String("status", string(it.Status)), logx.Int64("revision", it.Revision), logx.Int64("want_revision", opt.Revision))
		return Result{Outcome: Skipped, Item: it}
	}
	if !it.Due(p.now()) {
		return Result{Outcome: NotDue, Item: it}
	}

	cred, err := p.creds.Get(ctx, it.OwnerID)
	if err != nil {
		return Result{Outcome: Infra, Item: it, Err: err}
	}
	if err := cred.Validate(p.now()); err != nil {
		log.Info("credential unusable; failing item", logx.Err(err))
		return p.fail(ctx, it, opt.Source, err)
	}

	if l := p.limiter.Load(); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Result{Outcome: Infra, Item: it, Err: err}
		}
	}

	postID, err := p.platform.Publish(ctx, cred.AccessToken, platform.Content{Title: it.Title, Body: it.Body, ImageRef: it.ImageRef})
	if err != nil {
		switch cerr := ctx.Err(); {
		case errors.Is(cerr, context.DeadlineExceeded):
			// The attempt's own deadline ran out: a slow platform counts against the retry budget.
			log.Debug("platform call timed out", logx.Err(err))
			return Result{Outcome: Retry, Item: it, Err: &platform.Error{Kind: platform.Transient, Op: "publish", Err: cerr}}
		case cerr != nil:
			return Result{Outcome: Infra, Item: it, Err: cerr}
		}
		switch platform.KindOf(err) {
		case platform.Permanent, platform.AuthInvalid:
			log.Info("platform rejected post; failing item", logx.Err(err))
			return p.fail(ctx, it, opt.Source, err)
		default:
			log.Debug("platform transient failure", logx.Err(err))
			return Result{Outcome: Retry, Item: it, Err: err}
		}
	}

	rec, err := p.store.TransitionPublished(ctx, it.ID, it.Revision, postID, p.now())
	switch {
	case errors.Is(err, item.ErrConflict):
		// The post went out but a concurrent cancel, reschedule or publish won locally.
		log.Warn("post created but item changed concurrently", logx.String("post_id", postID))
		return Result{Outcome: Skipped, Item: it, PostID: postID}
	case err != nil:
		log.Error("post created but not recorded", logx.String("post_id", postID), logx.Err(err))
		return Result{Outcome: Unrecorded, Item: it, PostID: postID, Err: err}
	}

	log.Info("item published", logx.String("post_id", postID), logx.String("record", rec.ID))
	p.publish(eventbus.ItemPublished, it, opt.Source, postID, "")
	return Result{Outcome: Published, Item: it, PostID: postID}
}

// Exhausted fails an item whose retries ran out.
func (p *Publisher) Exhausted(ctx context.Context, itemID string, revision int64, source string, lastErr error) Result {
	it, err := p.store.GetItem(ctx, itemID)
	if errors.Is(err, item.ErrNotFound) {
		return Result{Outcome: Skipped}
	}
	if err != nil {
		return Result{Outcome: Infra, Err: err}
	}
	if it.Status.Terminal() || it.Revision != revision {
		return Result{Outcome: Skipped, Item: it}
	}
	return p.fail(ctx, it, source, fmt.Errorf("retries exhausted: %w", lastErr))
}

func (p *Publisher) fail(ctx context.Context, it item.ScheduledItem, source string, cause error) Result {
	reason := cause.Error()
	err := p.store.TransitionFailed(ctx, it.ID, it.Revision, reason, p.now())
	switch {
	case errors.Is(err, item.ErrConflict):
		return Result{Outcome: Skipped, Item: it}
	case err != nil:
		return Result{Outcome: Infra, Item: it, Err: err}
	}
	p.log.Warn("item failed", logx.String("item", it.ID), logx.String("owner", it.OwnerID), logx.String("reason", reason))
	p.publish(eventbus.ItemFailed, it, source, "", reason)
	return Result{Outcome: Failed, Item: it, Err: cause}
}

func (p *Publisher) publish(typ string, it item.ScheduledItem, source, postID, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: eventbus.ItemEvent{
		ItemID:  it.ID,
		OwnerID: it.OwnerID,
		Title:   it.Title,
		PostID:  postID,
		Reason:  reason,
		Source:  source,
	}})
}
