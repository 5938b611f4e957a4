package xpoll

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUntilSucceedsOnAttemptK(t *testing.T) {
	ctx := context.Background()

	evaluations := 0
	v, err := Until(ctx, 5, time.Millisecond, func(ctx context.Context) (int, bool, error) {
		evaluations++
		return 42, evaluations == 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, evaluations)
}

func TestUntilFirstAttemptNeedsNoSleep(t *testing.T) {
	ctx := context.Background()

	start := time.Now()
	_, err := Until(ctx, 1000, time.Hour, func(ctx context.Context) (struct{}, bool, error) {
		return struct{}{}, true, nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Minute)
}

func TestUntilExhaustion(t *testing.T) {
	ctx := context.Background()

	evaluations := 0
	_, err := Until(ctx, 4, time.Millisecond, func(ctx context.Context) (int, bool, error) {
		evaluations++
		return 0, false, nil
	})
	require.Equal(t, 4, evaluations)

	var errTimeout ErrTimeout
	require.ErrorAs(t, err, &errTimeout)
	require.Equal(t, uint(4), errTimeout.Attempts)
	require.Equal(t, time.Millisecond, errTimeout.Interval)
}

func TestUntilSleepsBetweenAttempts(t *testing.T) {
	ctx := context.Background()

	interval := 10 * time.Millisecond
	start := time.Now()
	_, err := Until(ctx, 3, interval, func(ctx context.Context) (struct{}, bool, error) {
		return struct{}{}, false, nil
	})
	require.Error(t, err)
	// 3 attempts mean exactly 2 sleeps.
	require.GreaterOrEqual(t, time.Since(start), 2*interval)
}

func TestUntilProbeErrorAborts(t *testing.T) {
	ctx := context.Background()

	evaluations := 0
	_, err := Until(ctx, 10, time.Millisecond, func(ctx context.Context) (int, bool, error) {
		evaluations++
		return 0, false, fmt.Errorf("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, evaluations)
	require.NotErrorIs(t, err, ErrTimeout{Attempts: 10, Interval: time.Millisecond})
}

func TestUntilContextCancellation(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	_, err := Until(ctx, 2, time.Hour, func(ctx context.Context) (int, bool, error) {
		return 0, false, nil
	})
	require.True(t, errors.Is(err, context.Canceled))
}
