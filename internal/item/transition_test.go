package item

import (
	"errors"
	"testing"
)

func TestNextTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from Status
		op   Op
		want Status
		ok   bool
	}{
		{StatusScheduled, OpPublishSuccess, StatusPublished, true},
		{StatusScheduled, OpPublishFailure, StatusFailed, true},
		{StatusScheduled, OpCancel, StatusCancelled, true},
		{StatusScheduled, OpReschedule, StatusScheduled, true},
		{StatusFailed, OpReschedule, StatusScheduled, true},
		{StatusCancelled, OpReschedule, StatusScheduled, true},
		{StatusPublished, OpReschedule, StatusPublished, false},
		{StatusPublished, OpCancel, StatusPublished, false},
		{StatusFailed, OpPublishSuccess, StatusFailed, false},
		{StatusCancelled, OpCancel, StatusCancelled, false},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.op)
		if tt.ok && err != nil {
			t.Fatalf("Next(%s, %s) error: %v", tt.from, tt.op, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Next(%s, %s) err = %v, want ErrInvalidTransition", tt.from, tt.op, err)
		}
		if got != tt.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", tt.from, tt.op, got, tt.want)
		}
	}
}

func TestPublishedIsFinal(t *testing.T) {
	t.Parallel()
	for _, op := range []Op{OpReschedule, OpCancel, OpPublishSuccess, OpPublishFailure} {
		if _, err := Next(StatusPublished, op); err == nil {
			t.Fatalf("published accepted %s", op)
		}
	}
}

func TestOnlyRescheduleLeavesTerminalStatuses(t *testing.T) {
	t.Parallel()
	for _, st := range []Status{StatusFailed, StatusCancelled} {
		for _, op := range []Op{OpCancel, OpPublishSuccess, OpPublishFailure} {
			if _, err := Next(st, op); err == nil {
				t.Fatalf("%s accepted %s", st, op)
			}
		}
	}
}

func TestStatusValidAndTerminal(t *testing.T) {
	t.Parallel()
	for _, st := range []Status{StatusScheduled, StatusPublished, StatusCancelled, StatusFailed} {
		if !st.Valid() {
			t.Fatalf("%s should be valid", st)
		}
		if got, want := st.Terminal(), st != StatusScheduled; got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}
	if Status("queued").Valid() {
		t.Fatal("unknown status reported valid")
	}
	if !Status("queued").Terminal() {
		t.Fatal("unknown status must not be publishable")
	}
}
