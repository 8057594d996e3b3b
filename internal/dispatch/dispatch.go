// Package dispatch wakes up when scheduled items fall due and publishes them.
//
// Enqueue writes a job to the durable queue and nudges the pump. The pump
// claims ready jobs under a lease and hands each to the task engine, which
// runs the publish attempt with retry and backoff. When the attempt loop ends
// the job is acknowledged, or released back to the queue if the outcome was
// not decided (store outage, shutdown).
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"autopost/internal/dispatch/queue"
	"autopost/internal/item"
	"autopost/internal/platform"
	"autopost/internal/publish"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

const source = "dispatcher"

type Config struct {
	// MaxAttempts caps platform attempts per job (first try included).
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration

	// PollInterval is the longest the pump sleeps without a wake-up.
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible to other pumps.
	Lease      time.Duration
	ClaimBatch int

	// Redelivery backoff for undecided outcomes.
	RedeliveryBase time.Duration
	RedeliveryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 32
	}
	if c.RedeliveryBase <= 0 {
		c.RedeliveryBase = 5 * time.Second
	}
	if c.RedeliveryMax <= 0 {
		c.RedeliveryMax = 5 * time.Minute
	}
	return c
}

// Attempter runs publish attempts. Implemented by *publish.Publisher.
type Attempter interface {
	Attempt(ctx context.Context, itemID string, opt publish.Options) publish.Result
	Exhausted(ctx context.Context, itemID string, revision int64, source string, lastErr error) publish.Result
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	queue  queue.Queue
	engine *engine.Service
	pub    Attempter
	log    logx.Logger
	now    func() time.Time

	wake chan struct{}

	claimed   atomic.Uint64
	acked     atomic.Uint64
	released  atomic.Uint64
	exhausted atomic.Uint64
}

type Option func(*Dispatcher)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, q queue.Queue, eng *engine.Service, pub Attempter, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:    cfg.withDefaults(),
		queue:  q,
		engine: eng,
		pub:    pub,
		log:    log.With(logx.String("comp", "dispatcher")),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.checkLease(d.cfg)
	return d
}

// Apply swaps the configuration (hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.checkLease(cfg)
	d.nudge()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) checkLease(cfg Config) {
	worst := time.Duration(cfg.MaxAttempts)*cfg.AttemptTimeout + time.Duration(cfg.MaxAttempts-1)*cfg.RetryMaxDelay
	if cfg.Lease < worst {
		d.log.Warn("lease shorter than worst-case attempt loop; jobs may be delivered twice",
			logx.Duration("lease", cfg.Lease), logx.Duration("worst_case", worst))
	}
}

// Enqueue arms dispatch of it at it.ScheduledFor. Re-enqueueing an item
// replaces its pending job.
func (d *Dispatcher) Enqueue(ctx context.Context, it item.ScheduledItem) error {
	err := d.queue.Put(ctx, queue.Job{ItemID: it.ID, Revision: it.Revision, NotBefore: it.ScheduledFor})
	if err != nil {
		return err
	}
	d.log.Debug("job armed", logx.String("item", it.ID), logx.Int64("revision", it.Revision), logx.Time("not_before", it.ScheduledFor))
	d.nudge()
	return nil
}

// Disarm drops any pending job for itemID.
func (d *Dispatcher) Disarm(ctx context.Context, itemID string) error {
	return d.queue.Remove(ctx, itemID)
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the pump until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	defer d.log.Info("dispatcher stopped")
	for {
		n, err := d.Pump(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Warn("pump failed", logx.Err(err))
		}
		cfg := d.config()
		delay := cfg.PollInterval
		switch {
		case err != nil:
		case n >= cfg.ClaimBatch:
			delay = 0
		default:
			if next, ok, nerr := d.queue.NextReady(ctx); nerr == nil && ok {
				if until := next.Sub(d.now()); until < delay {
					delay = until
				}
			}
		}
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-d.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Pump claims ready jobs once and submits them to the engine.
func (d *Dispatcher) Pump(ctx context.Context) (int, error) {
	cfg := d.config()
	limit := cfg.ClaimBatch
	snap := d.engine.Snapshot()
	if free := snap.QueueCap - snap.QueueLen; snap.QueueCap > 0 && free < limit {
		limit = free
	}
	if limit <= 0 {
		return 0, nil
	}
	jobs, err := d.queue.Claim(ctx, d.now(), cfg.Lease, limit)
	if err != nil {
		return 0, err
	}
	for i, j := range jobs {
		d.claimed.Add(1)
		err := d.engine.Submit(ctx, d.task(j, cfg))
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrOverlapSkip):
			// Still running here after its lease expired; that run settles it.
			d.log.Debug("job already in flight", logx.String("item", j.ItemID))
		default:
			for _, rest := range jobs[i:] {
				d.release(rest, d.now())
			}
			return i, err
		}
	}
	return len(jobs), nil
}

func (d *Dispatcher) task(j queue.Job, cfg Config) engine.Task {
	// Run and OnDone execute sequentially on one worker.
	var last publish.Result
	return engine.Task{
		ID:             j.ItemID + "@" + strconv.FormatInt(j.Revision, 10),
		Name:           "dispatch",
		ConcurrencyKey: j.ItemID,
		Timeout:        cfg.AttemptTimeout,
		Opt: engine.TaskOptions{
			Overlap:       engine.OverlapSkipIfRunning,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBase:     cfg.RetryBase,
			RetryMaxDelay: cfg.RetryMaxDelay,
		},
		Run: func(ctx context.Context, attempt int) error {
			last = d.pub.Attempt(ctx, j.ItemID, publish.Options{Revision: j.Revision, Source: source})
			return classify(last)
		},
		OnDone: func(ctx context.Context, r engine.Result) {
			d.settle(j, last, r, cfg)
		},
	}
}

// classify maps an attempt result onto the engine's retry decision.
func classify(res publish.Result) error {
	switch res.Outcome {
	case publish.Retry:
		if ra := platform.RetryAfterOf(res.Err); ra > 0 {
			return engine.RetryAfter(res.Err, ra)
		}
		if res.Err == nil {
			return errors.New("transient failure")
		}
		return res.Err
	case publish.Infra:
		if res.Err == nil {
			return engine.NoRetry(errors.New("infrastructure failure"))
		}
		return engine.NoRetry(res.Err)
	default:
		return nil
	}
}

func (d *Dispatcher) settle(j queue.Job, last publish.Result, r engine.Result, cfg Config) {
	// The worker context may already be canceled on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	interrupted := engine.Interrupted(r.Err)
	log := d.log.With(logx.String("item", j.ItemID), logx.Int64("revision", j.Revision))

	if r.Attempts == 0 {
		// Still queued when the engine stopped; hand the job straight back.
		log.Debug("job not started; releasing", logx.Err(r.Err))
		d.release(j, d.now())
		return
	}

	switch last.Outcome {
	case publish.Published, publish.Failed, publish.Skipped, publish.Unrecorded:
		d.ack(ctx, j)
	case publish.NotDue:
		d.release(j, last.Item.ScheduledFor)
	case publish.Retry:
		if interrupted || r.Attempts < cfg.MaxAttempts {
			d.release(j, d.now().Add(d.redeliveryDelay(j, cfg)))
			return
		}
		d.exhausted.Add(1)
		res := d.pub.Exhausted(ctx, j.ItemID, j.Revision, source, last.Err)
		if res.Outcome == publish.Infra {
			log.Warn("could not record exhausted retries", logx.Err(res.Err))
			d.release(j, d.now().Add(d.redeliveryDelay(j, cfg)))
			return
		}
		log.Info("retries exhausted", logx.Int("attempts", r.Attempts), logx.String("outcome", res.Outcome.String()))
		d.ack(ctx, j)
	case publish.Infra:
		delay := d.redeliveryDelay(j, cfg)
		if !interrupted {
			log.Warn("attempt undecided; redelivering", logx.Err(last.Err), logx.Duration("delay", delay), logx.Int("redelivery", j.Attempt+1))
		}
		d.release(j, d.now().Add(delay))
	}
}

func (d *Dispatcher) redeliveryDelay(j queue.Job, cfg Config) time.Duration {
	return engine.BackoffDelay(engine.TaskOptions{RetryBase: cfg.RedeliveryBase, RetryMaxDelay: cfg.RedeliveryMax}, j.Attempt+1)
}

func (d *Dispatcher) ack(ctx context.Context, j queue.Job) {
	if err := d.queue.Ack(ctx, j.ItemID, j.Revision); err != nil {
		d.log.Warn("ack failed; job will be redelivered after its lease", logx.String("item", j.ItemID), logx.Err(err))
		return
	}
	d.acked.Add(1)
}

func (d *Dispatcher) release(j queue.Job, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Nack(ctx, j, at); err != nil {
		d.log.Warn("release failed; job will be redelivered after its lease", logx.String("item", j.ItemID), logx.Err(err))
		return
	}
	d.released.Add(1)
	d.nudge()
}

// Snapshot is a diagnostics view of the dispatcher.
type Snapshot struct {
	Pending   int             `json:"pending"`
	NextReady *time.Time      `json:"next_ready,omitempty"`
	Claimed   uint64          `json:"claimed"`
	Acked     uint64          `json:"acked"`
	Released  uint64          `json:"released"`
	Exhausted uint64          `json:"exhausted"`
	Engine    engine.Snapshot `json:"engine"`
}

func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		Claimed:   d.claimed.Load(),
		Acked:     d.acked.Load(),
		Released:  d.released.Load(),
		Exhausted: d.exhausted.Load(),
		Engine:    d.engine.Snapshot(),
	}
	n, err := d.queue.Len(ctx)
	if err != nil {
		return s, err
	}
	s.Pending = n
	if next, ok, err := d.queue.NextReady(ctx); err == nil && ok {
		s.NextReady = &next
	}
	return s, nil
}
