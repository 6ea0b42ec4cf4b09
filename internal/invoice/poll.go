package invoice

import (
	"context"
	"time"
)

const maxPollInterval = 2 * time.Second

// pollUntil calls check with exponential backoff until it reports done,
// returns an error, or timeout elapses. On timeout it returns
// context.DeadlineExceeded.
func pollUntil(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		done, err := check(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if done {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}
