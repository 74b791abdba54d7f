package irq

import (
	"context"
	"time"
)

// DefaultPeriod is the tick period used when none is configured.
const DefaultPeriod = 10 * time.Millisecond

// Timer is the periodic tick source. Each period it calls fire, which is
// expected to enter the kernel and raise VectorTimer.
type Timer struct {
	period time.Duration
	fire   func()
}

// NewTimer returns a timer calling fire every period.
func NewTimer(period time.Duration, fire func()) *Timer {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Timer{period: period, fire: fire}
}

// Period returns the tick period.
func (tm *Timer) Period() time.Duration {
	return tm.period
}

// Tick fires one tick immediately.
func (tm *Timer) Tick() {
	tm.fire()
}

// Run fires a tick every period until ctx is done and returns ctx.Err().
func (tm *Timer) Run(ctx context.Context) error {
	t := time.NewTicker(tm.period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			tm.fire()
		}
	}
}
