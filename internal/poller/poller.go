// Package poller sweeps the item store for due items the dispatcher has not
// handled, one attempt per item per sweep.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"autopost/internal/eventbus"
	"autopost/internal/item"
	"autopost/internal/publish"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

const (
	source       = "poller"
	scheduleName = "poller.sweep"
)

type Config struct {
	// Schedule accepts the scheduler syntax ("@every 1m", "2m", cron).
	Schedule string
	Timeout  time.Duration
	// BatchSize bounds the items handled by one sweep.
	BatchSize int
	// Grace leaves recently due items to the dispatcher.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	return c
}

type Lister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]item.ScheduledItem, error)
}

type Attempter interface {
	Attempt(ctx context.Context, itemID string, opt publish.Options) publish.Result
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Published int           `json:"published"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	// Deferred items stay scheduled for the next sweep.
	Deferred int `json:"deferred"`
}

type Poller struct {
	sweepMu sync.Mutex
	// Guarded by sweepMu. deferred maps an item id to the sweep that last
	// deferred it.
	seq      uint64
	deferred map[string]uint64

	mu  sync.Mutex
	cfg Config

	store    Lister
	pub      Attempter
	bus      eventbus.Bus
	inFlight func(itemID string) bool
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Poller)

func WithBus(bus eventbus.Bus) Option { return func(p *Poller) { p.bus = bus } }

// WithInFlight skips items another local worker is publishing right now.
func WithInFlight(fn func(itemID string) bool) Option {
	return func(p *Poller) { p.inFlight = fn }
}

func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

func New(cfg Config, store Lister, pub Attempter, log logx.Logger, opts ...Option) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{
		cfg:   cfg.withDefaults(),
		store: store,
		pub:   pub,
		log:   log.With(logx.String("comp", "poller")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Poller) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Register installs the periodic sweep on s.
func (p *Poller) Register(s *scheduler.Service) error {
	cfg := p.config()
	return s.AddSchedule(scheduleName, cfg.Schedule, cfg.Timeout, func(ctx context.Context) error {
		_, err := p.Sweep(ctx)
		return err
	})
}

// Unregister removes the periodic sweep from s.
func (p *Poller) Unregister(s *scheduler.Service) bool {
	return s.Remove(scheduleName)
}

// Apply updates the configuration and re-registers the schedule when s is set.
func (p *Poller) Apply(cfg Config, s *scheduler.Service) error {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return p.Register(s)
}

// Sweep runs one pass. Concurrent calls are serialized. Only a failure to
// list due items is returned as an error.
func (p *Poller) Sweep(ctx context.Context) (SweepReport, error) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	cfg := p.config()
	start := p.now()
	rep := SweepReport{Started: start}

	p.seq++
	extra := len(p.deferred)
	if extra > 3*cfg.BatchSize {
		extra = 3 * cfg.BatchSize
	}
	due, err := p.store.ListDue(ctx, start.Add(-cfg.Grace), cfg.BatchSize+extra)
	if err != nil {
		p.log.Warn("sweep could not list due items", logx.Err(err))
		return rep, err
	}
	due = p.order(due, cfg.BatchSize)
	rep.Due = len(due)

	for _, it := range due {
		if ctx.Err() != nil {
			rep.Deferred += rep.Due - (rep.Published + rep.Failed + rep.Skipped + rep.Deferred)
			break
		}
		if p.inFlight != nil && p.inFlight(it.ID) {
			rep.Skipped++
			continue
		}
		res := p.pub.Attempt(ctx, it.ID, publish.Options{Revision: it.Revision, Source: source})
		switch res.Outcome {
		case publish.Published, publish.Unrecorded:
			rep.Published++
		case publish.Failed:
			rep.Failed++
		case publish.Skipped:
			rep.Skipped++
		default:
			if res.Err != nil {
				p.log.Debug("item deferred to next sweep", logx.String("item", it.ID), logx.String("outcome", res.Outcome.String()), logx.Err(res.Err))
			}
			rep.Deferred++
			p.deferred[it.ID] = p.seq
		}
	}

	rep.Duration = time.Since(start)
	if rep.Due > 0 {
		p.log.Info("sweep finished", logx.Int("due", rep.Due), logx.Int("published", rep.Published),
			logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped), logx.Int("deferred", rep.Deferred),
			logx.Duration("dur", rep.Duration))
	} else {
		p.log.Debug("sweep finished", logx.Duration("dur", rep.Duration))
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.SweepFinished, Data: rep})
	}
	return rep, nil
}

// order puts items no sweep has deferred first, then the least recently
// deferred, and cuts the batch to limit. Items stuck on a failing owner at the
// head of the due list would otherwise fill every batch.
func (p *Poller) order(due []item.ScheduledItem, limit int) []item.ScheduledItem {
	last := make(map[string]uint64, len(due))
	for _, it := range due {
		if n, ok := p.deferred[it.ID]; ok {
			last[it.ID] = n
		}
	}
	// Ids that dropped out of the due list are forgotten.
	p.deferred = last

	sort.SliceStable(due, func(i, j int) bool { return last[due[i].ID] < last[due[j].ID] })
	if len(due) > limit {
		due = due[:limit]
	}
	return due
}
