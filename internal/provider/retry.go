package provider

import (
	"context"
	"time"
)

// Backoff returns the exponential delay before retry attempt: base for
// attempt 0, then doubling.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// Sleep waits for d or until ctx is done, returning ctx's error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
