package fan

import (
	"context"
	"time"
)

// Sleeper blocks for a fixed delay. Tests substitute a fake so ramps and
// ticks run without real time passing.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

// RealSleeper waits on a timer, returning early with ctx.Err() on cancellation.
func RealSleeper() Sleeper {
	return timerSleeper{}
}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
