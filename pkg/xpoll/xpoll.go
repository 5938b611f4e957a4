// Package xpoll implements bounded polling: a probe is evaluated a fixed
// number of times with a fixed pause between attempts. It is the only
// liveness guarantee for steps that wait on externally observed state
// (sockets appearing, registry nodes showing up, sessions becoming ready).
package xpoll

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/clock"
)

type ErrTimeout struct {
	Attempts uint
	Interval time.Duration
}

var _ error = ErrTimeout{}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("condition was not satisfied after %d attempts with interval %v", e.Attempts, e.Interval)
}

// Probe reports whether the awaited condition is satisfied and, if so,
// the resulting value. A non-nil error aborts the poll immediately; a
// probe that merely failed to observe the condition should return
// (zero, false, nil) to be retried.
type Probe[T any] func(ctx context.Context) (T, bool, error)

// Until evaluates probe up to maxAttempts times, sleeping interval between
// attempts (k successful-at-attempt-k means exactly k evaluations and k-1
// sleeps). Exhaustion yields ErrTimeout.
func Until[T any](
	ctx context.Context,
	maxAttempts uint,
	interval time.Duration,
	probe Probe[T],
) (T, error) {
	var zero T
	if maxAttempts == 0 {
		return zero, fmt.Errorf("maxAttempts must be positive")
	}

	for attempt := uint(1); ; attempt++ {
		v, ok, err := probe(ctx)
		if err != nil {
			return zero, fmt.Errorf("the probe returned an error on attempt %d: %w", attempt, err)
		}
		if ok {
			logger.Tracef(ctx, "the condition was satisfied on attempt %d/%d", attempt, maxAttempts)
			return v, nil
		}
		if attempt == maxAttempts {
			return zero, ErrTimeout{Attempts: maxAttempts, Interval: interval}
		}

		t := clock.Get().Timer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
