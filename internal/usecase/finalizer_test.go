package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"corpus-dispatch/internal/domain"

	"github.com/stretchr/testify/require"
)

// flakyStore fails selected calls before delegating to the memory store.
type flakyStore struct {
	domain.TaskStore
	snapshotFailures atomic.Int32
	assignFailures   atomic.Int32
	assignCalls      atomic.Int32
	// lost* commit the call and then fail it, as when the reply is lost
	lostAssigns  atomic.Int32
	lostRequeues atomic.Int32
	lostReports  atomic.Int32
}

func (s *flakyStore) WriteHistoricalSnapshot(ctx context.Context, run *domain.HistoricalRun) (bool, error) {
	if s.snapshotFailures.Add(-1) >= 0 {
		return false, fmt.Errorf("write snapshot: %w", domain.ErrIntegrity)
	}
	return s.TaskStore.WriteHistoricalSnapshot(ctx, run)
}

func (s *flakyStore) SelectAndAssign(ctx context.Context, serviceID int64, workerID string) (*domain.Task, error) {
	s.assignCalls.Add(1)
	if s.assignFailures.Add(-1) >= 0 {
		return nil, fmt.Errorf("select and assign: %w", domain.ErrStoreUnavailable)
	}
	task, err := s.TaskStore.SelectAndAssign(ctx, serviceID, workerID)
	if err == nil && task != nil && s.lostAssigns.Add(-1) >= 0 {
		return nil, fmt.Errorf("select and assign: %w", domain.ErrStoreUnavailable)
	}
	return task, err
}

func (s *flakyStore) BulkRequeue(ctx context.Context, f *domain.RequeueFilter) (*domain.RequeueResult, error) {
	res, err := s.TaskStore.BulkRequeue(ctx, f)
	if err == nil && s.lostRequeues.Add(-1) >= 0 {
		return nil, fmt.Errorf("bulk requeue: %w", domain.ErrStoreUnavailable)
	}
	return res, err
}

func (s *flakyStore) ApplyReport(ctx context.Context, r *domain.Report) (*domain.Transition, error) {
	tr, err := s.TaskStore.ApplyReport(ctx, r)
	if err == nil && s.lostReports.Add(-1) >= 0 {
		return nil, fmt.Errorf("apply report: %w", domain.ErrStoreUnavailable)
	}
	return tr, err
}

func newFlakyFixture(t *testing.T, entries int, opts ...fixtureOption) (*fixture, *flakyStore) {
	t.Helper()
	flaky := &flakyStore{}
	f := newFixtureWithStore(t, func(s domain.TaskStore) domain.TaskStore {
		flaky.TaskStore = s
		return flaky
	}, opts...)
	f.enqueue(t, entries)
	return f, flaky
}

func TestReconcileWritesMissedSnapshot(t *testing.T) {
	f, flaky := newFlakyFixture(t, 1)
	flaky.snapshotFailures.Store(1)

	w := f.register(t, "alpha")
	a := f.pull(t, w.SessionID)
	// the status write stands even though the snapshot failed
	require.Equal(t, OutcomeAck, f.report(t, w.SessionID, a, domain.StatusNoProblem))
	require.Empty(t, f.runs(t))

	res, err := f.manager.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Snapshots)
	require.Len(t, f.runs(t), 1)

	res, err = f.manager.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Snapshots)
}

func TestFinalizeIgnoresIncompleteRuns(t *testing.T) {
	f := newFixture(t, 2)
	w := f.register(t, "alpha")
	a := f.pull(t, w.SessionID)
	f.report(t, w.SessionID, a, domain.StatusNoProblem)

	require.Empty(t, f.runs(t))
	require.Equal(t, 1, f.notifier.count(domain.EventReport))
	require.Zero(t, f.notifier.count(domain.EventCompleted))
}

func TestRebuildMatchesTaskRows(t *testing.T) {
	f := newFixture(t, 3)
	w := f.register(t, "alpha")
	a := f.pull(t, w.SessionID)
	f.report(t, w.SessionID, a, domain.StatusFatal)

	require.NoError(t, f.finalizer.Rebuild(context.Background()))
	f.requireCountsMatchTasks(t, taskIDs(3))
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	f, flaky := newFlakyFixture(t, 1)
	flaky.assignFailures.Store(2)

	a, err := f.ventilator.NextTask(context.Background(), f.service.Name, "w")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.EqualValues(t, 3, flaky.assignCalls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	f, flaky := newFlakyFixture(t, 1)
	flaky.assignFailures.Store(1 << 20)

	_, err := f.ventilator.NextTask(context.Background(), f.service.Name, "w")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Zero(t, f.aggregate(t).Assigned)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := testRetry.do(context.Background(), "op", func(context.Context) error {
		calls++
		return domain.ErrIntegrity
	})
	require.ErrorIs(t, err, domain.ErrIntegrity)
	require.Equal(t, 1, calls)
}

func TestRetryTimeoutIsUnavailable(t *testing.T) {
	p := RetryPolicy{Timeout: 1, Initial: 1, MaxElapsed: 0}
	err := p.do(context.Background(), "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
