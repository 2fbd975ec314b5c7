// Package retry runs an operation repeatedly with exponential delay
// until it succeeds, its error is ruled unretryable, the attempt
// budget is spent, or the context ends. The HTTP engine schedules
// request retries through its queues; this package serves the
// point-lookups around them (DNS resolution) where a bounded in-place
// retry is the right shape.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop. The zero value is not useful; start from
// Default and adjust.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Initial is the delay after the first failure; each further
	// failure doubles it up to Max.
	Initial time.Duration
	Max     time.Duration
	// Permanent, when non-nil, short-circuits the loop for errors that
	// retrying cannot fix.
	Permanent func(error) bool
}

// Default is the policy used when the caller has no opinion.
var Default = Policy{
	Attempts: 5,
	Initial:  100 * time.Millisecond,
	Max:      10 * time.Second,
}

// errBudget marks an abort because the context would expire before the
// next attempt could start.
var errBudget = errors.New("retry budget exceeded by context deadline")

// Do runs op under p. It returns nil on the first success, the
// operation's error wrapped with attempt context otherwise. Between
// attempts it waits the current delay — unless the context's deadline
// would pass first, in which case it gives up immediately rather than
// sleeping into a guaranteed failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	delay := p.Initial
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Permanent != nil && p.Permanent(lastErr) {
			return fmt.Errorf("permanent failure on attempt %d: %w", attempt, lastErr)
		}
		if attempt == p.Attempts {
			return fmt.Errorf("all %d attempts failed: %w", p.Attempts, lastErr)
		}

		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w after attempt %d: %w", errBudget, attempt, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w while waiting to retry (last error: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}

		delay *= 2
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
}
