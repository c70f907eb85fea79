package worker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/infra/memory"
	"corpus-dispatch/internal/logging"
	"corpus-dispatch/internal/rpc"
	"corpus-dispatch/internal/usecase"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type converterFunc func(ctx context.Context, a *domain.Assignment) (*domain.Conversion, error)

func (f converterFunc) Convert(ctx context.Context, a *domain.Assignment) (*domain.Conversion, error) {
	return f(ctx, a)
}

type dispatcher struct {
	client  *rpc.DispatcherClient
	store   *memory.Store
	manager *usecase.Manager
}

func startDispatcher(t *testing.T, entries ...string) *dispatcher {
	t.Helper()
	logger := logging.Discard()
	retry := usecase.RetryPolicy{Timeout: time.Second, Initial: time.Millisecond, MaxElapsed: 10 * time.Millisecond}
	store := memory.NewStore()
	ventilator := usecase.NewVentilator(store, retry, logger)
	finalizer := usecase.NewFinalizer(store, nil, retry, logger)
	manager := usecase.NewManager(store, ventilator, finalizer, retry, usecase.ManagerConfig{HeartbeatTimeout: time.Minute}, logger)
	catalog := usecase.NewCatalogService(store, nil, retry, logger)

	ctx := context.Background()
	_, err := catalog.CreateCorpus(ctx, &domain.Corpus{Name: "demo", Path: "/data/demo"})
	require.NoError(t, err)
	_, err = catalog.CreateService(ctx, &domain.Service{Name: "tex_to_html", Params: map[string]string{"executor": "fake"}})
	require.NoError(t, err)
	if len(entries) > 0 {
		_, err = catalog.Enqueue(ctx, "demo", "tex_to_html", entries)
		require.NoError(t, err)
	}

	srv := rpc.NewServer(manager, ventilator, usecase.NewSink(store, finalizer, retry, logger), rpc.ServerConfig{
		HeartbeatTimeout: time.Minute, MaxInflight: 1, MaxPollWait: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond,
	}, logger)
	gs := rpc.NewGRPCServer(srv, nil)
	lis := bufconn.Listen(1 << 20)
	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rpc.Serve(serveCtx, gs, lis, logger) }()

	conn, err := rpc.Dial("passthrough:///bufnet", "", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return &dispatcher{client: rpc.NewDispatcherClient(conn), store: store, manager: manager}
}

func TestRunnerDrainsQueueAndDisconnects(t *testing.T) {
	d := startDispatcher(t, "a.tex", "b.tex", "c.tex")
	var converted atomic.Int32
	conv := converterFunc(func(_ context.Context, a *domain.Assignment) (*domain.Conversion, error) {
		converted.Add(1)
		require.Equal(t, "/data/demo", a.Corpus.Path)
		if a.Task.Entry == "b.tex" {
			return &domain.Conversion{Log: "Error:undefined:\\foo bad\n"}, nil
		}
		return &domain.Conversion{Status: domain.StatusNoProblem}, nil
	})

	r := NewRunner(d.client, map[string]domain.Converter{"fake": conv}, Config{
		Name: "test", Service: "tex_to_html", HeartbeatInterval: 10 * time.Millisecond, PollWait: 20 * time.Millisecond, JobLimit: 3,
	}, logging.Discard())
	require.NoError(t, r.Run(context.Background()))
	require.EqualValues(t, 3, converted.Load())

	aggs, err := d.store.Aggregates(context.Background(), 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, aggs[0].NoProblem)
	require.EqualValues(t, 1, aggs[0].Error)
	require.Empty(t, d.manager.Workers())
}

func TestRunnerReportsConverterErrorsAsFatal(t *testing.T) {
	d := startDispatcher(t, "a.tex")
	conv := converterFunc(func(context.Context, *domain.Assignment) (*domain.Conversion, error) {
		return nil, errors.New("converter exploded")
	})

	r := NewRunner(d.client, map[string]domain.Converter{"fake": conv}, Config{
		Service: "tex_to_html", PollWait: 20 * time.Millisecond, JobLimit: 1,
	}, logging.Discard())
	require.NoError(t, r.Run(context.Background()))

	msgs, err := d.store.TaskMessages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "conversion_failed", msgs[0].What)
	task, err := d.store.Task(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFatal, task.Status)
}

func TestRunnerStopsOnCancelAndRequeues(t *testing.T) {
	d := startDispatcher(t, "slow.tex")
	started := make(chan struct{})
	conv := converterFunc(func(ctx context.Context, _ *domain.Assignment) (*domain.Conversion, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := NewRunner(d.client, map[string]domain.Converter{"fake": conv}, Config{
		Service: "tex_to_html", PollWait: 20 * time.Millisecond,
	}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	task, err := d.store.Task(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, task.Status)
}

func TestRunnerRegistersAgainAfterEviction(t *testing.T) {
	d := startDispatcher(t)
	r := NewRunner(d.client, nil, Config{Service: "tex_to_html", PollWait: 10 * time.Millisecond}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(d.manager.Workers()) == 1 }, time.Second, 5*time.Millisecond)
	first := d.manager.Workers()[0].SessionID
	_, err := d.manager.Disconnect(context.Background(), first)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ws := d.manager.Workers()
		return len(ws) == 1 && ws[0].SessionID != first
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunnerFailsOnUnknownService(t *testing.T) {
	d := startDispatcher(t)
	r := NewRunner(d.client, nil, Config{Service: "missing"}, logging.Discard())
	require.Error(t, r.Run(context.Background()))
}
