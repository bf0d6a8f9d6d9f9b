// Package retry is the single retry-with-backoff primitive shared by the
// login, storage and page-fetch paths.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls how Do spaces and bounds its attempts.
type Policy struct {
	// MaxAttempts includes the initial attempt. Values below 1 mean one try.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per
	// attempt when Linear is false, grows as attempt*BaseDelay otherwise.
	BaseDelay time.Duration
	// MaxJitter adds a random slice of [0, MaxJitter) to every delay.
	MaxJitter time.Duration
	Linear    bool
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate treats every error as transient.
	Retryable func(error) bool
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the context is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if sleepErr := sleep(ctx, p.delay(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	var d time.Duration
	if p.Linear {
		d = time.Duration(attempt-1) * p.BaseDelay
	} else {
		d = p.BaseDelay << (attempt - 2)
	}
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
