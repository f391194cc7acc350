package governor

import (
	"sync"
	"time"
)

// AdaptiveInterval widens its poll interval during quiet periods and
// snaps back to min the moment activity is observed, trading latency
// for battery life on an idle mesh node.
type AdaptiveInterval struct {
	mu             sync.Mutex
	min, max       time.Duration
	current        time.Duration
	multiplier     float64
	activityWindow time.Duration
	lastActivity   time.Time
	now            func() time.Time
}

// NewAdaptiveInterval returns an interval starting at min.
func NewAdaptiveInterval(min, max time.Duration, multiplier float64, activityWindow time.Duration) *AdaptiveInterval {
	return &AdaptiveInterval{
		min:            min,
		max:            max,
		current:        min,
		multiplier:     multiplier,
		activityWindow: activityWindow,
		lastActivity:   time.Now(),
		now:            time.Now,
	}
}

// SignalActivity resets the interval to min; a node that just saw
// traffic should poll tightly again for activityWindow.
func (a *AdaptiveInterval) SignalActivity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = a.min
	a.lastActivity = a.now()
}

// Next returns the interval to wait before the next poll, widening it
// (up to max) once activityWindow has passed without SignalActivity.
func (a *AdaptiveInterval) Next() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Sub(a.lastActivity) > a.activityWindow {
		widened := time.Duration(float64(a.current) * a.multiplier)
		if widened > a.max {
			widened = a.max
		}
		a.current = widened
	}
	return a.current
}
