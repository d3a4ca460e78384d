// Package loop drives periodic cycles.
package loop

import (
	"context"
	"time"
)

// Every runs fn immediately and then interval after each run finishes,
// until ctx is cancelled. Runs never overlap; a slow run delays the next
// one instead of queueing ticks.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		fn(ctx)

		if ctx.Err() != nil {
			return
		}
		timer.Reset(interval)
	}
}
