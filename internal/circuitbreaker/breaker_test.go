package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestTripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	if !b.Allow() {
		t.Fatal("fresh circuit must allow")
	}

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("must still allow below threshold")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("must reject after threshold failures")
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestProbeAfterOpenDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected one probe after open duration")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
	if b.Allow() {
		t.Fatal("second request during probe must be rejected")
	}
}

func TestProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure()
		b.RecordFailure()
		time.Sleep(60 * time.Millisecond)
		b.Allow()

		b.RecordSuccess()
		if got := b.State(); got != StateClosed {
			t.Fatalf("state = %v, want closed", got)
		}
		if !b.Allow() {
			t.Fatal("recovered circuit must allow")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure()
		b.RecordFailure()
		time.Sleep(60 * time.Millisecond)
		b.Allow()

		b.RecordFailure()
		if got := b.State(); got != StateOpen {
			t.Fatalf("state = %v, want open", got)
		}
	})
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if !b.Allow() {
		t.Fatal("counter must reset on success")
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure()
	b.RecordFailure()

	// Callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
