package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/infra/memory"
	"corpus-dispatch/internal/logging"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testRetry = RetryPolicy{Timeout: time.Second, Initial: time.Millisecond, MaxElapsed: 50 * time.Millisecond}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (n *recordingNotifier) Publish(ev domain.ProgressEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	clock      *fakeClock
	store      *memory.Store
	notifier   *recordingNotifier
	ventilator *Ventilator
	finalizer  *Finalizer
	sink       *Sink
	manager    *Manager
	rerunner   *Rerunner
	catalog    *CatalogService
	reports    *ReportService
	corpus     *domain.Corpus
	service    *domain.Service
}

type fixtureOption func(*ManagerConfig, *bool)

func withMaxAttempts(n int32) fixtureOption {
	return func(c *ManagerConfig, _ *bool) { c.MaxAttempts = n }
}

func withInflight(n int) fixtureOption {
	return func(c *ManagerConfig, _ *bool) { c.MaxInflight = n }
}

func withTaskTimeout(d time.Duration) fixtureOption {
	return func(c *ManagerConfig, _ *bool) { c.TaskTimeout = d }
}

func withRerunAssigned() fixtureOption {
	return func(_ *ManagerConfig, allow *bool) { *allow = true }
}

func newFixture(t *testing.T, entries int, opts ...fixtureOption) *fixture {
	t.Helper()
	f := newFixtureWithStore(t, nil, opts...)
	f.enqueue(t, entries)
	return f
}

// newFixtureWithStore builds a fixture over a memory store, optionally
// decorated by wrap.
func newFixtureWithStore(t *testing.T, wrap func(domain.TaskStore) domain.TaskStore, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := ManagerConfig{HeartbeatTimeout: time.Minute, TaskTimeout: 10 * time.Minute, MaxInflight: 1}
	allowAssigned := false
	for _, o := range opts {
		o(&cfg, &allowAssigned)
	}

	clock := newFakeClock()
	mem := memory.NewStore(memory.WithClock(clock.Now))
	var store domain.TaskStore = mem
	if wrap != nil {
		store = wrap(mem)
	}
	logger := logging.Discard()
	f := &fixture{clock: clock, store: mem, notifier: &recordingNotifier{}}
	f.ventilator = NewVentilator(store, testRetry, logger)
	f.finalizer = NewFinalizer(store, f.notifier, testRetry, logger)
	f.finalizer.now = clock.Now
	f.sink = NewSink(store, f.finalizer, testRetry, logger)
	f.manager = NewManager(store, f.ventilator, f.finalizer, testRetry, cfg, logger, WithManagerClock(clock.Now))
	f.rerunner = NewRerunner(store, f.notifier, testRetry, allowAssigned, logger)
	f.catalog = NewCatalogService(store, f.notifier, testRetry, logger)
	f.reports = NewReportService(store, f.manager, testRetry)

	ctx := context.Background()
	var err error
	f.corpus, err = f.catalog.CreateCorpus(ctx, &domain.Corpus{Name: "arxmliv", Path: "/data/arxmliv"})
	require.NoError(t, err)
	f.service, err = f.catalog.CreateService(ctx, &domain.Service{Name: "tex_to_html", Version: "0.1"})
	require.NoError(t, err)
	return f
}

func (f *fixture) enqueue(t *testing.T, n int) {
	t.Helper()
	if n == 0 {
		return
	}
	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf("paper-%03d.tex", i)
	}
	created, err := f.catalog.Enqueue(context.Background(), f.corpus.Name, f.service.Name, entries)
	require.NoError(t, err)
	require.EqualValues(t, n, created)
}

func (f *fixture) register(t *testing.T, name string) *domain.WorkerMetadata {
	t.Helper()
	w, err := f.manager.Register(context.Background(), name, f.service.Name, nil)
	require.NoError(t, err)
	return w
}

// pull acquires a slot and asks the ventilator for a task, the way the
// worker endpoint does.
func (f *fixture) pull(t *testing.T, sessionID string) *domain.Assignment {
	t.Helper()
	release, err := f.manager.Acquire(sessionID)
	require.NoError(t, err)
	a, err := f.ventilator.NextTask(context.Background(), f.service.Name, sessionID)
	require.NoError(t, err)
	if a == nil {
		release(nil)
		return nil
	}
	release(a.Task)
	return a
}

func (f *fixture) report(t *testing.T, sessionID string, a *domain.Assignment, status domain.TaskStatus) Outcome {
	t.Helper()
	out, err := f.sink.Report(context.Background(), &domain.Report{
		TaskID: a.Task.ID, WorkerID: sessionID, Attempt: a.Task.Attempt, Status: status,
	}, "")
	require.NoError(t, err)
	f.manager.Completed(sessionID, a.Task.ID, out == OutcomeAck)
	return out
}

func (f *fixture) aggregate(t *testing.T) *domain.Aggregate {
	t.Helper()
	aggs, err := f.store.Aggregates(context.Background(), f.corpus.ID, f.service.ID)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	return aggs[0]
}

func (f *fixture) runs(t *testing.T) []*domain.HistoricalRun {
	t.Helper()
	runs, err := f.store.HistoricalRuns(context.Background(), f.corpus.ID, f.service.ID, 0)
	require.NoError(t, err)
	return runs
}

// requireCountsMatchTasks checks the aggregate against the task rows.
func (f *fixture) requireCountsMatchTasks(t *testing.T, ids []int64) {
	t.Helper()
	var actual domain.Counts
	for _, id := range ids {
		task, err := f.store.Task(context.Background(), id)
		require.NoError(t, err)
		actual.Add(task.Status, 1)
	}
	agg := f.aggregate(t)
	require.Equal(t, actual, agg.Counts)
	require.EqualValues(t, len(ids), agg.Total())
}
