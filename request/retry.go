package request

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy controls Do.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the fixed pause between tries.
	Delay time.Duration
	// Idempotent must be set for any retry to happen.
	Idempotent bool
	// Name labels log lines.
	Name string
}

// Do runs fn until it succeeds, fails with a non-retryable error or the
// attempts run out. Non-idempotent requests run exactly once.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 || !p.Idempotent {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == attempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"function": "request.Do",
			"request":  p.Name,
			"attempt":  attempt,
			"error":    lastErr.Error(),
		}).Warn("Request failed, retrying")

		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}

	if attempts > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, lastErr)
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
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
