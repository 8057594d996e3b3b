package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "autopost/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func fastOpts(maxAttempts int) TaskOptions {
	return TaskOptions{MaxAttempts: maxAttempts, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return Result{}
	}
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	done := make(chan Result, 1)
	boom := errors.New("boom")
	err := s.Submit(context.Background(), Task{
		Name: "flaky",
		Opt:  fastOpts(3),
		Run: func(ctx context.Context, attempt int) error {
			calls.Add(1)
			return boom
		},
		OnDone: func(_ context.Context, r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitResult(t, done)
	if calls.Load() != 3 || r.Attempts != 3 || !errors.Is(r.Err, boom) {
		t.Fatalf("calls=%d result=%+v", calls.Load(), r)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	done := make(chan Result, 1)
	perm := errors.New("permanent")
	_ = s.Submit(context.Background(), Task{
		Name: "perm",
		Opt:  fastOpts(5),
		Run: func(ctx context.Context, attempt int) error {
			calls.Add(1)
			return NoRetry(perm)
		},
		OnDone: func(_ context.Context, r Result) { done <- r },
	})
	r := waitResult(t, done)
	if calls.Load() != 1 || !errors.Is(r.Err, perm) || IsNoRetry(r.Err) {
		t.Fatalf("calls=%d result=%+v", calls.Load(), r)
	}
}

func TestSuccessAfterRetry(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "eventually",
		Opt:  fastOpts(3),
		Run: func(ctx context.Context, attempt int) error {
			if attempt < 2 {
				return errors.New("not yet")
			}
			return nil
		},
		OnDone: func(_ context.Context, r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 2 {
		t.Fatalf("result=%+v", r)
	}
	snap := s.Snapshot()
	if snap.Completed != 1 || snap.Retries != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOverlapSkipByKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan Result, 1)
	err := s.Submit(context.Background(), Task{
		Name:           "item",
		ConcurrencyKey: "item-1",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning, MaxAttempts: 1},
		Run: func(ctx context.Context, attempt int) error {
			close(started)
			<-release
			return nil
		},
		OnDone: func(_ context.Context, r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if !s.Running("item-1") {
		t.Fatal("Running(item-1) = false while in flight")
	}
	err = s.Submit(context.Background(), Task{
		Name:           "item",
		ConcurrencyKey: "item-1",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:            func(ctx context.Context, attempt int) error { return nil },
	})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second submit err = %v", err)
	}
	close(release)
	waitResult(t, done)
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name:   "panics",
		Opt:    fastOpts(1),
		Run:    func(ctx context.Context, attempt int) error { panic("kaboom") },
		OnDone: func(_ context.Context, r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err == nil {
		t.Fatal("expected panic error")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(Config{}, logx.Nop())
	err := s.Submit(context.Background(), Task{Name: "x", Run: func(context.Context, int) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for retry := 1; retry <= 6; retry++ {
		d := backoffDelay(opt, retry, rng)
		if d > time.Second {
			t.Fatalf("retry %d delay %v exceeds cap", retry, d)
		}
		nominal := 100 * time.Millisecond << (retry - 1)
		if nominal > time.Second {
			nominal = time.Second
		}
		lo := time.Duration(float64(nominal) * 0.8)
		if d < lo {
			t.Fatalf("retry %d delay %v below %v", retry, d, lo)
		}
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 10 * time.Second, RetryJitter: 0.1}
	rng := rand.New(rand.NewSource(2))
	d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rng)
	if d < 4500*time.Millisecond || d > 5500*time.Millisecond {
		t.Fatalf("delay = %v, want ~5s", d)
	}
	d = backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	if d > 10*time.Second {
		t.Fatalf("delay = %v exceeds cap", d)
	}
}

func TestApplyReleasesQueuedTasks(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	started := make(chan struct{})
	err := s.Submit(context.Background(), Task{
		Name: "busy",
		Opt:  TaskOptions{MaxAttempts: 1},
		Run: func(ctx context.Context, attempt int) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("Submit busy: %v", err)
	}
	<-started

	var ran atomic.Int32
	done := make(chan Result, 1)
	queued := Task{
		Name:           "item",
		ConcurrencyKey: "it-1",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning, MaxAttempts: 1},
		Run: func(ctx context.Context, attempt int) error {
			ran.Add(1)
			return nil
		},
		OnDone: func(_ context.Context, r Result) { done <- r },
	}
	if err := s.Submit(context.Background(), queued); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	if !s.Running("it-1") {
		t.Fatal("queued task should hold its key")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Workers: 2})

	r := waitResult(t, done)
	if r.Attempts != 0 || !errors.Is(r.Err, ErrStopping) || ran.Load() != 0 {
		t.Fatalf("abandoned result = %+v, ran = %d", r, ran.Load())
	}
	if s.Running("it-1") {
		t.Fatal("key still held after restart")
	}

	if err := s.Submit(context.Background(), queued); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	r = waitResult(t, done)
	if r.Err != nil || ran.Load() != 1 {
		t.Fatalf("resubmitted result = %+v, ran = %d", r, ran.Load())
	}
	if got := s.Snapshot().Workers; got != 2 {
		t.Fatalf("workers = %d, want 2", got)
	}
}

func TestInterrupted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{ErrStopping, true},
		{context.Canceled, true},
		{fmt.Errorf("attempt: %w", context.Canceled), true},
		{context.DeadlineExceeded, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Interrupted(tt.err); got != tt.want {
			t.Fatalf("Interrupted(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
