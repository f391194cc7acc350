package governor

import (
	"testing"
	"time"
)

func TestLoopBudgetDeniesOverWindow(t *testing.T) {
	b := NewLoopBudget(2, time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	if !b.CanProceed() {
		t.Fatalf("expected first iteration to proceed")
	}
	if !b.CanProceed() {
		t.Fatalf("expected second iteration to proceed")
	}
	if b.CanProceed() {
		t.Fatalf("expected third iteration to be denied")
	}
	if _, err := b.Backoff(); err == nil {
		t.Fatalf("expected Backoff to report budget exceeded")
	}
}

func TestLoopBudgetRecoversAfterWindow(t *testing.T) {
	b := NewLoopBudget(1, time.Second)
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return cur }

	if !b.CanProceed() {
		t.Fatalf("expected first iteration to proceed")
	}
	if b.CanProceed() {
		t.Fatalf("expected second iteration to be denied within the window")
	}
	cur = cur.Add(2 * time.Second)
	if !b.CanProceed() {
		t.Fatalf("expected iteration to proceed once the window elapsed")
	}
}

func TestAdaptiveIntervalWidensThenResets(t *testing.T) {
	a := NewAdaptiveInterval(time.Second, 30*time.Second, 2.0, time.Minute)
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return cur }
	a.lastActivity = cur

	if got := a.Next(); got != time.Second {
		t.Fatalf("expected interval to start at min, got %v", got)
	}

	cur = cur.Add(2 * time.Minute)
	if got := a.Next(); got != 2*time.Second {
		t.Fatalf("expected interval to widen once quiet past the activity window, got %v", got)
	}

	a.SignalActivity()
	if got := a.Next(); got != time.Second {
		t.Fatalf("expected interval to reset to min on activity, got %v", got)
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, time.Second)
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return cur }

	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker to remain closed after one failure")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected breaker to open after threshold failures")
	}
	if err := cb.Allow(); err == nil {
		t.Fatalf("expected Allow to refuse while open")
	}

	cur = cur.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected Allow to permit a trial call once the recovery timeout elapsed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected breaker to move to half-open")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected breaker to close after a successful trial")
	}
}

func TestLoadShedderShedsBackgroundThenNormal(t *testing.T) {
	s := NewLoadShedder(4, 2)

	if !s.Admit(3, 1) {
		t.Fatalf("expected background work under its threshold to be admitted")
	}
	if s.Admit(3, 2) {
		t.Fatalf("expected background work at its threshold to be shed")
	}
	if !s.Admit(2, 3) {
		t.Fatalf("expected normal work under its threshold to be admitted")
	}
	if s.Admit(2, 4) {
		t.Fatalf("expected normal work at its threshold to be shed")
	}
	// Critical and high classes are never shed, regardless of depth.
	if !s.Admit(0, 10_000) || !s.Admit(1, 10_000) {
		t.Fatalf("expected critical and high work to always be admitted")
	}
}

func TestLoadShedderZeroThresholdDisables(t *testing.T) {
	s := NewLoadShedder(0, 0)
	if !s.Admit(3, 1_000_000) {
		t.Fatalf("expected a zero threshold to disable shedding")
	}
}
