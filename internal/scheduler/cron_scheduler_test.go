package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"corpus-dispatch/internal/logging"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := NewCronScheduler(logging.Discard())

	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(ctx context.Context) {
		if ctx.Err() == nil {
			runs.Add(1)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEveryRejectsSubSecondInterval(t *testing.T) {
	s := NewCronScheduler(logging.Discard())
	require.Error(t, s.Every("fast", 10*time.Millisecond, func(context.Context) {}))
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := NewCronScheduler(logging.Discard())

	var runs atomic.Int32
	require.NoError(t, s.Every("boom", time.Second, func(context.Context) {
		runs.Add(1)
		panic("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}
