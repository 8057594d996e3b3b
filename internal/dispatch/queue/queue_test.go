package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	st, err := storage.OpenSQLite(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sq, err := NewSQLite(context.Background(), st.DB())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	rq := NewRedis(client, "test:")
	t.Cleanup(func() { _ = rq.Close() })

	return map[string]Queue{"memory": NewMemory(), "sqlite": sq, "redis": rq}
}

func eachQueue(t *testing.T, fn func(t *testing.T, q Queue)) {
	for name, q := range queues(t) {
		q := q
		t.Run(name, func(t *testing.T) { fn(t, q) })
	}
}

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestClaimOnlyReadyJobs(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Put(ctx, Job{ItemID: "late", Revision: 1, NotBefore: t0.Add(time.Minute)})
		_ = q.Put(ctx, Job{ItemID: "b", Revision: 1, NotBefore: t0})
		_ = q.Put(ctx, Job{ItemID: "a", Revision: 1, NotBefore: t0.Add(-time.Second)})

		jobs, err := q.Claim(ctx, t0, time.Minute, 10)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ItemID != "a" || jobs[1].ItemID != "b" {
			t.Fatalf("Claim = %+v", jobs)
		}
		if again, _ := q.Claim(ctx, t0, time.Minute, 10); len(again) != 0 {
			t.Fatalf("leased jobs claimed twice: %+v", again)
		}
		next, ok, err := q.NextReady(ctx)
		if err != nil || !ok || !next.Equal(t0.Add(time.Minute)) {
			t.Fatalf("NextReady = %v %v %v", next, ok, err)
		}
	})
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Put(ctx, Job{ItemID: "x", Revision: 3, NotBefore: t0})
		if jobs, _ := q.Claim(ctx, t0, 30*time.Second, 10); len(jobs) != 1 {
			t.Fatalf("first claim = %+v", jobs)
		}
		jobs, err := q.Claim(ctx, t0.Add(31*time.Second), 30*time.Second, 10)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(jobs) != 1 || jobs[0].Revision != 3 {
			t.Fatalf("reclaim = %+v", jobs)
		}
	})
}

func TestAckKeepsReArmedJob(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Put(ctx, Job{ItemID: "x", Revision: 1, NotBefore: t0})
		_, _ = q.Claim(ctx, t0, time.Minute, 10)
		// Rescheduled while the first attempt was in flight.
		_ = q.Put(ctx, Job{ItemID: "x", Revision: 2, NotBefore: t0.Add(time.Hour)})

		if err := q.Ack(ctx, "x", 1); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if n, _ := q.Len(ctx); n != 1 {
			t.Fatalf("re-armed job lost, len=%d", n)
		}
		jobs, _ := q.Claim(ctx, t0.Add(time.Hour), time.Minute, 10)
		if len(jobs) != 1 || jobs[0].Revision != 2 {
			t.Fatalf("claim after re-arm = %+v", jobs)
		}
		_ = q.Ack(ctx, "x", 2)
		if n, _ := q.Len(ctx); n != 0 {
			t.Fatalf("len after ack = %d", n)
		}
	})
}

func TestNackRequeuesWithAttempt(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Put(ctx, Job{ItemID: "x", Revision: 1, NotBefore: t0})
		jobs, _ := q.Claim(ctx, t0, time.Minute, 10)
		if err := q.Nack(ctx, jobs[0], t0.Add(5*time.Second)); err != nil {
			t.Fatalf("Nack: %v", err)
		}
		if early, _ := q.Claim(ctx, t0.Add(time.Second), time.Minute, 10); len(early) != 0 {
			t.Fatalf("claimed before backoff: %+v", early)
		}
		jobs, _ = q.Claim(ctx, t0.Add(5*time.Second), time.Minute, 10)
		if len(jobs) != 1 || jobs[0].Attempt != 1 {
			t.Fatalf("claim after nack = %+v", jobs)
		}
	})
}

func TestRemove(t *testing.T) {
	eachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Put(ctx, Job{ItemID: "x", Revision: 1, NotBefore: t0})
		if err := q.Remove(ctx, "x"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, ok, _ := q.NextReady(ctx); ok {
			t.Fatal("NextReady after remove")
		}
	})
}
