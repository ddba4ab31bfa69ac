package utils

import (
	"context"
	"time"
)

// SleepCtx waits for d or until ctx is done, whichever comes first.
// Every wait in the service goes through here so stop requests never
// have to ride out a full delay.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
