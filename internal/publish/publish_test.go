package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autopost/internal/credential"
	"autopost/internal/eventbus"
	"autopost/internal/item"
	"autopost/internal/platform"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

type fakePlatform struct {
	mu     sync.Mutex
	calls  []platform.Content
	tokens []string
	err    error
	postID string
	hook   func()
}

func (f *fakePlatform) Publish(_ context.Context, token string, c platform.Content) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.tokens = append(f.tokens, token)
	hook, err, id := f.hook, f.err, f.postID
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakePlatform) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *storage.Memory
	creds *credential.Static
	plat  *fakePlatform
	bus   eventbus.Bus
	pub   *Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		creds: credential.NewStatic(credential.Credential{OwnerID: "alice", AccessToken: "tok-a", Connected: true, ExpiresAt: now.Add(24 * time.Hour)}),
		plat:  &fakePlatform{postID: "urn:li:share:1"},
		bus:   eventbus.New(),
	}
	f.pub = New(f.store, f.creds, f.plat, logx.Nop(), WithBus(f.bus), WithClock(func() time.Time { return now }))
	return f
}

func (f *fixture) seed(t *testing.T, id string, at time.Time) item.ScheduledItem {
	t.Helper()
	it := item.ScheduledItem{
		ID: id, OwnerID: "alice", Title: "Launch", Body: "We shipped", ImageRef: "https://img.example/launch.png",
		ScheduledFor: at, Status: item.StatusScheduled, Revision: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateItem(context.Background(), it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return it
}

func TestAttemptHappyPathWithImage(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	it := f.seed(t, "i1", now.Add(-time.Second))

	res := f.pub.Attempt(context.Background(), "i1", Options{Revision: 1, Source: "dispatcher"})
	if res.Outcome != Published || res.PostID != "urn:li:share:1" {
		t.Fatalf("result = %+v", res)
	}
	if f.plat.count() != 1 || f.plat.calls[0].ImageRef != it.ImageRef || f.plat.tokens[0] != "tok-a" {
		t.Fatalf("platform calls = %+v", f.plat.calls)
	}
	if _, err := f.store.GetItem(context.Background(), "i1"); !errors.Is(err, item.ErrNotFound) {
		t.Fatalf("item still present: %v", err)
	}
	recs, _ := f.store.ListPublished(context.Background(), "alice")
	if len(recs) != 1 || recs[0].Body != it.Body || recs[0].ImageRef != it.ImageRef || recs[0].PlatformPostID != "urn:li:share:1" {
		t.Fatalf("records = %+v", recs)
	}
	ev := <-events
	if ev.Type != eventbus.ItemPublished {
		t.Fatalf("event = %s", ev.Type)
	}
}

func TestAttemptExpiredCredentialMakesNoPlatformCalls(t *testing.T) {
	f := newFixture(t)
	f.creds.Put(credential.Credential{OwnerID: "alice", AccessToken: "tok-a", Connected: true, ExpiresAt: now.Add(-time.Minute)})
	f.seed(t, "i1", now)

	res := f.pub.Attempt(context.Background(), "i1", Options{Source: "poller"})
	if res.Outcome != Failed || !errors.Is(res.Err, credential.ErrCredentialExpired) {
		t.Fatalf("result = %+v", res)
	}
	if f.plat.count() != 0 {
		t.Fatalf("platform called %d times", f.plat.count())
	}
	got, _ := f.store.GetItem(context.Background(), "i1")
	if got.Status != item.StatusFailed || !strings.Contains(got.LastError, "expired") {
		t.Fatalf("item = %+v", got)
	}
}

func TestAttemptDisconnectedOwnerFails(t *testing.T) {
	f := newFixture(t)
	it := f.seed(t, "i1", now)
	it.ID, it.OwnerID = "i2", "bob"
	_ = f.store.CreateItem(context.Background(), it)

	res := f.pub.Attempt(context.Background(), "i2", Options{})
	if res.Outcome != Failed || !errors.Is(res.Err, credential.ErrNotConnected) || f.plat.count() != 0 {
		t.Fatalf("result = %+v calls=%d", res, f.plat.count())
	}
}

func TestAttemptClassifiesPlatformErrors(t *testing.T) {
	tests := []struct {
		kind   platform.Kind
		want   Outcome
		status item.Status
	}{
		{platform.Transient, Retry, item.StatusScheduled},
		{platform.Permanent, Failed, item.StatusFailed},
		{platform.AuthInvalid, Failed, item.StatusFailed},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.plat.err = &platform.Error{Kind: tt.kind, Op: "create_post", Status: 500}
		f.seed(t, "i1", now)
		res := f.pub.Attempt(context.Background(), "i1", Options{Revision: 1})
		if res.Outcome != tt.want {
			t.Fatalf("%v: outcome = %v", tt.kind, res.Outcome)
		}
		got, _ := f.store.GetItem(context.Background(), "i1")
		if got.Status != tt.status {
			t.Fatalf("%v: status = %s", tt.kind, got.Status)
		}
	}
}

func TestAttemptSkipsStaleAndMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "i1", now)
	if res := f.pub.Attempt(context.Background(), "i1", Options{Revision: 7}); res.Outcome != Skipped {
		t.Fatalf("stale outcome = %v", res.Outcome)
	}
	if res := f.pub.Attempt(context.Background(), "nope", Options{}); res.Outcome != Skipped {
		t.Fatalf("missing outcome = %v", res.Outcome)
	}
	if f.plat.count() != 0 {
		t.Fatalf("platform called %d times", f.plat.count())
	}
}

func TestAttemptNotDue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "i1", now.Add(time.Hour))
	if res := f.pub.Attempt(context.Background(), "i1", Options{}); res.Outcome != NotDue {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestAttemptLosesToConcurrentCancel(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "i1", now)
	f.plat.hook = func() {
		_, _ = f.store.TransitionCancelled(context.Background(), "i1", 1, now)
	}
	res := f.pub.Attempt(context.Background(), "i1", Options{Revision: 1})
	if res.Outcome != Skipped {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if recs, _ := f.store.ListPublished(context.Background(), "alice"); len(recs) != 0 {
		t.Fatalf("published record created after cancel: %+v", recs)
	}
	if drafts, _ := f.store.ListDrafts(context.Background(), "alice"); len(drafts) != 1 {
		t.Fatalf("drafts = %+v", drafts)
	}
}

func TestExhaustedFailsItem(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "i1", now)
	res := f.pub.Exhausted(context.Background(), "i1", 1, "dispatcher", errors.New("503"))
	if res.Outcome != Failed {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	got, _ := f.store.GetItem(context.Background(), "i1")
	if got.Status != item.StatusFailed || !strings.Contains(got.LastError, "retries exhausted") {
		t.Fatalf("item = %+v", got)
	}
}

type blockingPlatform struct{}

func (blockingPlatform) Publish(ctx context.Context, _ string, _ platform.Content) (string, error) {
	<-ctx.Done()
	return "", &platform.Error{Kind: platform.Transient, Op: "post", Err: ctx.Err()}
}

func TestAttemptTimeoutIsRetryButCancelIsUndecided(t *testing.T) {
	f := newFixture(t)
	f.pub = New(f.store, f.creds, blockingPlatform{}, logx.Nop(), WithClock(func() time.Time { return now }))
	f.seed(t, "i1", now.Add(-time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	res := f.pub.Attempt(ctx, "i1", Options{Revision: 1})
	cancel()
	if res.Outcome != Retry || platform.KindOf(res.Err) != platform.Transient {
		t.Fatalf("timed out attempt = %s (%v), want retry", res.Outcome, res.Err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res = f.pub.Attempt(ctx, "i1", Options{Revision: 1})
	if res.Outcome != Infra || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("canceled attempt = %s (%v), want infra", res.Outcome, res.Err)
	}
	if it, err := f.store.GetItem(context.Background(), "i1"); err != nil || it.Status != item.StatusScheduled {
		t.Fatalf("item = %+v, %v; want still scheduled", it, err)
	}
}
