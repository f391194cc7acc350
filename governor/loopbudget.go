package governor

import (
	"sync"
	"time"

	"github.com/bitcraps/core/bcerr"
)

// LoopBudget caps how many times a hot loop (e.g. mesh relay, round
// timeout checks) may proceed within a sliding time window, so a
// misbehaving peer or a tight retry loop cannot spin a node's CPU or
// radio without bound.
type LoopBudget struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// NewLoopBudget returns a budget allowing at most max proceeds within
// any sliding window of duration window.
func NewLoopBudget(max int, window time.Duration) *LoopBudget {
	return &LoopBudget{max: max, window: window, now: time.Now}
}

// CanProceed reports whether another iteration is allowed right now,
// recording it if so.
func (b *LoopBudget) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.evict(now)
	if len(b.events) >= b.max {
		return false
	}
	b.events = append(b.events, now)
	return true
}

// Backoff returns the budget-exceeded error the caller should
// propagate, along with how long until the oldest event ages out of
// the window and capacity frees up.
func (b *LoopBudget) Backoff() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.evict(now)
	if len(b.events) == 0 {
		return 0, nil
	}
	wait := b.window - now.Sub(b.events[0])
	if wait < 0 {
		wait = 0
	}
	return wait, bcerr.New(bcerr.KindResourceExhaustion, "governor.LoopBudget", bcerr.ErrBudgetExceeded)
}

func (b *LoopBudget) evict(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.events) && b.events[i].Before(cut) {
		i++
	}
	b.events = b.events[i:]
}
