package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

func TestIntervalScheduleTriggersJob(t *testing.T) {
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop())
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{}, eng, logx.Nop())
	var runs atomic.Int32
	if err := s.AddSchedule("sweep", "1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("schedule never fired")
	}
	infos := s.Schedules()
	if len(infos) != 1 || infos[0].Spec != "@every 1s" || infos[0].Next.IsZero() {
		t.Fatalf("Schedules = %+v", infos)
	}
}

func TestAddScheduleReplacesAndRemoves(t *testing.T) {
	s := New(Config{}, nil, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("poll", "@every 1m", 0, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("poll", "*/5 * * * *", 0, job); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	if got := s.Schedules(); len(got) != 1 || got[0].Spec != "*/5 * * * *" {
		t.Fatalf("Schedules = %+v", got)
	}
	if err := s.AddSchedule("bad", "61 * * * *", 0, job); err == nil {
		t.Fatal("expected cron parse error")
	}
	if !s.Remove("poll") || s.Remove("poll") {
		t.Fatal("Remove should succeed exactly once")
	}
}
