package walreceiver

import (
	"context"
	"math"
	"time"
)

// exponentialBackoff waits base*2^attempt seconds (clamped to max)
// before returning, or returns early if ctx is cancelled. attempt 0 waits
// the base duration so the very first subscribe try isn't instantaneous
// after a previous failure.
func exponentialBackoff(ctx context.Context, attempt int, base, max float64) error {
	wait := base * math.Pow(2, float64(attempt))
	if wait > max {
		wait = max
	}
	timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
