package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autopost/internal/credential"
	"autopost/internal/dispatch/queue"
	"autopost/internal/item"
	"autopost/internal/platform"
	"autopost/internal/publish"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

type scriptedAttempter struct {
	mu        sync.Mutex
	outcome   publish.Outcome
	err       error
	attempts  int
	exhausted int
}

func (a *scriptedAttempter) Attempt(_ context.Context, itemID string, _ publish.Options) publish.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	return publish.Result{Outcome: a.outcome, Item: item.ScheduledItem{ID: itemID}, Err: a.err}
}

func (a *scriptedAttempter) Exhausted(_ context.Context, itemID string, _ int64, _ string, _ error) publish.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exhausted++
	return publish.Result{Outcome: publish.Failed, Item: item.ScheduledItem{ID: itemID}}
}

func (a *scriptedAttempter) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts, a.exhausted
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryBase:      time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		AttemptTimeout: time.Second,
		PollInterval:   20 * time.Millisecond,
		Lease:          time.Minute,
		RedeliveryBase: time.Hour,
		RedeliveryMax:  time.Hour,
	}
}

func startDispatcher(t *testing.T, cfg Config, q queue.Queue, a Attempter) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop())
	eng.Start(ctx)
	d := New(cfg, q, eng, a, logx.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		eng.Stop(stopCtx)
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransientFailuresStopAtMaxAttempts(t *testing.T) {
	q := queue.NewMemory()
	a := &scriptedAttempter{outcome: publish.Retry, err: &platform.Error{Kind: platform.Transient, Op: "post", Status: 503}}
	d := startDispatcher(t, testConfig(), q, a)

	if err := d.Enqueue(context.Background(), item.ScheduledItem{ID: "it-1", Revision: 1, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "exhaustion", func() bool { _, ex := a.counts(); return ex == 1 })
	time.Sleep(60 * time.Millisecond)

	attempts, exhausted := a.counts()
	if attempts != 3 || exhausted != 1 {
		t.Fatalf("attempts=%d exhausted=%d, want 3 and 1", attempts, exhausted)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("queue len = %d, want 0 after ack", n)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	q := queue.NewMemory()
	a := &scriptedAttempter{outcome: publish.Failed}
	d := startDispatcher(t, testConfig(), q, a)

	_ = d.Enqueue(context.Background(), item.ScheduledItem{ID: "it-1", Revision: 1, ScheduledFor: time.Now()})
	waitFor(t, "ack", func() bool { return d.acked.Load() == 1 })

	if attempts, exhausted := a.counts(); attempts != 1 || exhausted != 0 {
		t.Fatalf("attempts=%d exhausted=%d, want 1 and 0", attempts, exhausted)
	}
}

func TestInfraFailureReleasesJob(t *testing.T) {
	q := queue.NewMemory()
	a := &scriptedAttempter{outcome: publish.Infra, err: item.ErrStoreUnavailable}
	d := startDispatcher(t, testConfig(), q, a)

	_ = d.Enqueue(context.Background(), item.ScheduledItem{ID: "it-1", Revision: 1, ScheduledFor: time.Now()})
	waitFor(t, "release", func() bool { return d.released.Load() == 1 })

	if attempts, _ := a.counts(); attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no in-loop retry on infra)", attempts)
	}
	jobs, err := q.Claim(context.Background(), time.Now().Add(2*time.Hour), time.Minute, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempt != 1 {
		t.Fatalf("jobs = %+v, want one redelivery with attempt 1", jobs)
	}
}

func TestClassify(t *testing.T) {
	limited := &platform.Error{Kind: platform.Transient, Status: 429, RetryAfter: 7 * time.Second}
	var ra engine.RetryAfterError
	if err := classify(publish.Result{Outcome: publish.Retry, Err: limited}); !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("rate limited: got %v", err)
	}
	if err := classify(publish.Result{Outcome: publish.Infra, Err: item.ErrStoreUnavailable}); !engine.IsNoRetry(err) {
		t.Fatalf("infra: got %v, want no-retry", err)
	}
	for _, o := range []publish.Outcome{publish.Published, publish.Failed, publish.Skipped, publish.NotDue, publish.Unrecorded} {
		if err := classify(publish.Result{Outcome: o}); err != nil {
			t.Fatalf("%s: got %v, want nil", o, err)
		}
	}
}

type countingPlatform struct {
	calls atomic.Int32
	first atomic.Int64
}

func (p *countingPlatform) Publish(context.Context, string, platform.Content) (string, error) {
	if p.calls.Add(1) == 1 {
		p.first.Store(time.Now().UnixNano())
	}
	return "urn:li:share:9", nil
}

func TestRescheduleRearmsDispatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	creds := credential.NewStatic(credential.Credential{OwnerID: "alice", AccessToken: "tok", Connected: true, ExpiresAt: time.Now().Add(time.Hour)})
	plat := &countingPlatform{}
	pub := publish.New(store, creds, plat, logx.Nop())
	q := queue.NewMemory()
	d := startDispatcher(t, testConfig(), q, pub)
	svc := item.NewService(store, d, logx.Nop())

	it, err := svc.Create(ctx, item.Input{OwnerID: "alice", Title: "Hello", Body: "World", ScheduledFor: time.Now().Add(150 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	moved := time.Now().Add(600 * time.Millisecond)
	if _, err := svc.Reschedule(ctx, "alice", it.ID, moved); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	time.Sleep(350 * time.Millisecond)
	if n := plat.calls.Load(); n != 0 {
		t.Fatalf("published %d times before the new schedule", n)
	}

	waitFor(t, "publication", func() bool {
		recs, _ := store.ListPublished(ctx, "alice")
		return len(recs) == 1
	})
	if n := plat.calls.Load(); n != 1 {
		t.Fatalf("platform calls = %d, want 1", n)
	}
	if first := time.Unix(0, plat.first.Load()); first.Before(moved) {
		t.Fatalf("published at %v, before rescheduled time %v", first, moved)
	}
}

type failingPlatform struct {
	calls atomic.Int32
	hang  bool
}

func (p *failingPlatform) Publish(ctx context.Context, _ string, _ platform.Content) (string, error) {
	p.calls.Add(1)
	if p.hang {
		<-ctx.Done()
		return "", &platform.Error{Kind: platform.Transient, Op: "post", Err: ctx.Err()}
	}
	return "", &platform.Error{Kind: platform.Transient, Op: "post", Status: 503}
}

func TestFailingPlatformGetsExactlyMaxAttempts(t *testing.T) {
	cases := map[string]*failingPlatform{
		"transient": {},
		"hanging":   {hang: true},
	}
	for name, plat := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemory()
			creds := credential.NewStatic(credential.Credential{OwnerID: "alice", AccessToken: "tok", Connected: true, ExpiresAt: time.Now().Add(time.Hour)})
			pub := publish.New(store, creds, plat, logx.Nop())

			cfg := testConfig()
			cfg.AttemptTimeout = 20 * time.Millisecond
			cfg.RedeliveryBase = 10 * time.Millisecond
			cfg.RedeliveryMax = 10 * time.Millisecond
			d := startDispatcher(t, cfg, queue.NewMemory(), pub)

			now := time.Now()
			it := item.ScheduledItem{ID: "it-1", OwnerID: "alice", Title: "T", Body: "B", ScheduledFor: now, Status: item.StatusScheduled, Revision: 1, CreatedAt: now, UpdatedAt: now}
			if err := store.CreateItem(ctx, it); err != nil {
				t.Fatalf("CreateItem: %v", err)
			}
			if err := d.Enqueue(ctx, it); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			waitFor(t, "failed status", func() bool {
				got, err := store.GetItem(ctx, "it-1")
				return err == nil && got.Status == item.StatusFailed
			})
			time.Sleep(150 * time.Millisecond)

			if n := plat.calls.Load(); n != int32(cfg.MaxAttempts) {
				t.Fatalf("platform calls = %d, want %d", n, cfg.MaxAttempts)
			}
			if ex := d.exhausted.Load(); ex != 1 {
				t.Fatalf("exhausted = %d, want 1", ex)
			}
		})
	}
}

func TestJobStillQueuedAtStopIsReleased(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory()
	cfg := testConfig()
	d := New(cfg, q, engine.New(engine.Config{}, logx.Nop()), &scriptedAttempter{}, logx.Nop())

	if err := d.Enqueue(ctx, item.ScheduledItem{ID: "it-1", Revision: 1, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	jobs, err := q.Claim(ctx, time.Now(), time.Minute, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim = %+v, %v", jobs, err)
	}

	d.settle(jobs[0], publish.Result{}, engine.Result{Err: engine.ErrStopping}, cfg)

	if d.acked.Load() != 0 || d.released.Load() != 1 {
		t.Fatalf("acked=%d released=%d, want 0/1", d.acked.Load(), d.released.Load())
	}
	again, err := q.Claim(ctx, time.Now().Add(time.Second), time.Minute, 1)
	if err != nil || len(again) != 1 || again[0].ItemID != "it-1" {
		t.Fatalf("reclaim = %+v, %v", again, err)
	}
}
