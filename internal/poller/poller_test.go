package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"autopost/internal/credential"
	"autopost/internal/eventbus"
	"autopost/internal/item"
	"autopost/internal/platform"
	"autopost/internal/publish"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

type stubPlatform struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubPlatform) Publish(context.Context, string, platform.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "urn:li:share:42", nil
}

func (s *stubPlatform) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubPlatform) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store *storage.Memory
	plat  *stubPlatform
	pub   *publish.Publisher
	bus   eventbus.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storage.NewMemory(), plat: &stubPlatform{}, bus: eventbus.New()}
	creds := credential.NewStatic(credential.Credential{OwnerID: "bob", AccessToken: "tok", Connected: true, ExpiresAt: now.Add(time.Hour)})
	clock := func() time.Time { return now }
	e.pub = publish.New(e.store, creds, e.plat, logx.Nop(), publish.WithClock(clock))
	return e
}

func (e *env) seed(t *testing.T, id string, at time.Time) {
	t.Helper()
	it := item.ScheduledItem{ID: id, OwnerID: "bob", Title: id, Body: "body " + id, ScheduledFor: at,
		Status: item.StatusScheduled, Revision: 1, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	if err := e.store.CreateItem(context.Background(), it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
}

func (e *env) poller(opts ...Option) *Poller {
	opts = append([]Option{WithClock(func() time.Time { return now }), WithBus(e.bus)}, opts...)
	return New(Config{}, e.store, e.pub, logx.Nop(), opts...)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", now.Add(-2*time.Minute))
	e.seed(t, "b", now.Add(-time.Minute))
	e.seed(t, "later", now.Add(time.Hour))
	p := e.poller()

	first, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if first.Due != 2 || first.Published != 2 {
		t.Fatalf("first sweep = %+v, want 2 due and published", first)
	}

	second, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if second.Due != 0 || second.Published != 0 {
		t.Fatalf("second sweep = %+v, want nothing to do", second)
	}
	if n := e.plat.count(); n != 2 {
		t.Fatalf("platform calls = %d, want 2", n)
	}
	recs, _ := e.store.ListPublished(context.Background(), "bob")
	if len(recs) != 2 {
		t.Fatalf("published records = %d, want 2", len(recs))
	}
	if _, err := e.store.GetItem(context.Background(), "later"); err != nil {
		t.Fatalf("future item touched: %v", err)
	}
}

func TestTransientFailureWaitsForNextSweep(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", now.Add(-time.Minute))
	e.plat.setErr(&platform.Error{Kind: platform.Transient, Op: "post", Status: 502})
	p := e.poller()

	rep, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Deferred != 1 || e.plat.count() != 1 {
		t.Fatalf("report = %+v calls = %d, want one deferred after one call", rep, e.plat.count())
	}
	it, err := e.store.GetItem(context.Background(), "a")
	if err != nil || it.Status != item.StatusScheduled {
		t.Fatalf("item = %+v err = %v, want still scheduled", it, err)
	}

	e.plat.setErr(nil)
	rep, _ = p.Sweep(context.Background())
	if rep.Published != 1 {
		t.Fatalf("retry sweep = %+v, want published", rep)
	}
}

func TestPermanentFailureMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", now.Add(-time.Minute))
	e.plat.setErr(&platform.Error{Kind: platform.Permanent, Op: "post", Status: 422})
	p := e.poller()

	rep, _ := p.Sweep(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("report = %+v, want one failed", rep)
	}
	it, _ := e.store.GetItem(context.Background(), "a")
	if it.Status != item.StatusFailed || it.LastError == "" {
		t.Fatalf("item = %+v, want failed with reason", it)
	}
}

func TestGraceAndInFlightSkip(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "fresh", now.Add(-10*time.Second))
	e.seed(t, "busy", now.Add(-5*time.Minute))
	p := New(Config{Grace: 30 * time.Second}, e.store, e.pub, logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithInFlight(func(id string) bool { return id == "busy" }))

	rep, _ := p.Sweep(context.Background())
	if rep.Due != 1 || rep.Skipped != 1 || e.plat.count() != 0 {
		t.Fatalf("report = %+v calls = %d, want busy skipped and fresh left alone", rep, e.plat.count())
	}
}

func TestSweepRacingAttemptTransitionsOnce(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", now.Add(-time.Minute))
	p := e.poller()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = p.Sweep(context.Background())
	}()
	go func() {
		defer wg.Done()
		e.pub.Attempt(context.Background(), "a", publish.Options{Revision: 1, Source: "dispatcher"})
	}()
	wg.Wait()

	recs, _ := e.store.ListPublished(context.Background(), "bob")
	if len(recs) != 1 {
		t.Fatalf("published records = %d, want exactly 1", len(recs))
	}
}

func TestSweepPublishesReport(t *testing.T) {
	e := newEnv(t)
	ch, unsub := e.bus.Subscribe(4)
	defer unsub()
	p := e.poller()

	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.SweepFinished {
			t.Fatalf("event = %q, want %q", ev.Type, eventbus.SweepFinished)
		}
		if _, ok := ev.Data.(SweepReport); !ok {
			t.Fatalf("event data = %T, want SweepReport", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep event")
	}
}

type recordingAttempter struct {
	mu      sync.Mutex
	stuck   map[string]bool
	touched []string
}

func (a *recordingAttempter) Attempt(_ context.Context, itemID string, _ publish.Options) publish.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touched = append(a.touched, itemID)
	if a.stuck[itemID] {
		return publish.Result{Outcome: publish.Retry, Err: &platform.Error{Kind: platform.Transient, Op: "publish"}}
	}
	return publish.Result{Outcome: publish.Published}
}

func (a *recordingAttempter) take() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.touched
	a.touched = nil
	return out
}

func TestDeferredItemsDoNotStarveNewerOnes(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a", now.Add(-3*time.Minute))
	e.seed(t, "b", now.Add(-2*time.Minute))
	e.seed(t, "c", now.Add(-time.Minute))
	a := &recordingAttempter{stuck: map[string]bool{"a": true, "b": true}}
	p := New(Config{BatchSize: 2}, e.store, a, logx.Nop(), WithClock(func() time.Time { return now }))

	rep, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := a.take(); len(got) != 2 || got[0] != "a" || got[1] != "b" || rep.Deferred != 2 {
		t.Fatalf("first sweep touched %v, report %+v", got, rep)
	}

	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := a.take()
	if len(got) != 2 || got[0] != "c" {
		t.Fatalf("second sweep touched %v, want c first", got)
	}
}
