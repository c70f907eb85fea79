// internal/worker/runner.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/rpc"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is the part of the worker protocol the runner uses.
// *rpc.DispatcherClient implements it.
type Client interface {
	Register(ctx context.Context, in *rpc.RegisterRequest, opts ...grpc.CallOption) (*rpc.RegisterResponse, error)
	NextTask(ctx context.Context, in *rpc.NextTaskRequest, opts ...grpc.CallOption) (*rpc.NextTaskResponse, error)
	Heartbeat(ctx context.Context, in *rpc.HeartbeatRequest, opts ...grpc.CallOption) (*rpc.HeartbeatResponse, error)
	Report(ctx context.Context, in *rpc.ReportRequest, opts ...grpc.CallOption) (*rpc.ReportResponse, error)
	Disconnect(ctx context.Context, in *rpc.DisconnectRequest, opts ...grpc.CallOption) (*rpc.DisconnectResponse, error)
}

// Config tunes a Runner.
type Config struct {
	Name              string
	Service           string
	Capabilities      []string
	HeartbeatInterval time.Duration
	PollWait          time.Duration
	// JobLimit stops the runner after that many reports; zero runs forever.
	JobLimit int
}

// Runner is the reference worker: it registers with the dispatcher, keeps
// its session alive, and converts one assignment at a time.
type Runner struct {
	client     Client
	converters map[string]domain.Converter
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.RWMutex
	session string
}

// NewRunner creates a Runner. converters is keyed by the service's
// "executor" parameter; "shell" is used when the parameter is absent.
func NewRunner(client Client, converters map[string]domain.Converter, cfg Config, logger *slog.Logger) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Runner{
		client:     client,
		converters: converters,
		cfg:        cfg,
		logger:     logger.With("component", "worker", "service", cfg.Service),
		tracer:     otel.Tracer("corpus-dispatch-worker"),
	}
}

// Run works until ctx is done or the job limit is reached, then
// disconnects so held tasks are requeued at once.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	defer r.disconnect()

	workCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error {
		defer stop()
		return r.workLoop(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) sessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// register opens a session, retrying while the dispatcher is unreachable.
func (r *Runner) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(func() error {
		resp, err := r.client.Register(ctx, &rpc.RegisterRequest{
			Name: r.cfg.Name, Service: r.cfg.Service, Capabilities: r.cfg.Capabilities,
		})
		if err != nil {
			switch status.Code(err) {
			case grpccodes.Unavailable, grpccodes.DeadlineExceeded:
				return err
			}
			return backoff.Permanent(fmt.Errorf("register with dispatcher: %w", err))
		}
		r.mu.Lock()
		r.session = resp.SessionID
		r.mu.Unlock()
		r.logger.Info("registered with dispatcher", "session_id", resp.SessionID, "max_inflight", resp.MaxInflight)
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		r.logger.Warn("dispatcher unavailable", "error", err, "retry_in", next)
	})
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := r.client.Heartbeat(ctx, &rpc.HeartbeatRequest{SessionID: r.sessionID()})
			if err != nil && ctx.Err() == nil {
				// an evicted session is replaced by the work loop
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) workLoop(ctx context.Context) error {
	done := 0
	idle := backoff.NewExponentialBackOff()
	idle.MaxInterval = 30 * time.Second
	idle.MaxElapsedTime = 0

	for r.cfg.JobLimit == 0 || done < r.cfg.JobLimit {
		resp, err := r.client.NextTask(ctx, &rpc.NextTaskRequest{
			SessionID: r.sessionID(),
			WaitMs:    r.cfg.PollWait.Milliseconds(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if status.Code(err) == grpccodes.NotFound {
				r.logger.Warn("session evicted, registering again")
				if err := r.register(ctx); err != nil {
					return err
				}
				continue
			}
			r.logger.Warn("failed to fetch task", "error", err)
			if err := sleep(ctx, idle.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		if resp.Task == nil {
			continue
		}
		idle.Reset()

		if err := r.process(ctx, resp.Task); err != nil {
			return err
		}
		done++
	}
	r.logger.Info("job limit reached", "jobs", done)
	return nil
}

// process converts one assignment and reports the result. It only fails
// when ctx is done.
func (r *Runner) process(ctx context.Context, t *rpc.TaskAssignment) error {
	ctx, span := r.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.Int64("task.id", t.TaskID),
		attribute.String("task.entry", t.Entry),
		attribute.Int("task.attempt", int(t.Attempt)),
	))
	defer span.End()
	logger := r.logger.With("task_id", t.TaskID, "entry", t.Entry, "attempt", t.Attempt)

	req := &rpc.ReportRequest{SessionID: r.sessionID(), TaskID: t.TaskID, Attempt: t.Attempt}
	conv, err := r.convert(ctx, t)
	switch {
	case ctx.Err() != nil:
		// the dispatcher requeues the task when the session ends
		return ctx.Err()
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		logger.Error("conversion failed", "error", err)
		req.Status = string(domain.StatusFatal)
		req.Messages = []rpc.Message{{Severity: "fatal", Category: "worker", What: "conversion_failed", Details: err.Error()}}
	default:
		req.Status = string(conv.Status)
		req.Log = conv.Log
		for _, m := range conv.Messages {
			req.Messages = append(req.Messages, rpc.Message{
				Severity: string(m.Severity), Category: m.Category, What: m.What, Details: m.Details,
			})
		}
	}

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	var resp *rpc.ReportResponse
	err = backoff.Retry(func() error {
		var err error
		resp, err = r.client.Report(ctx, req)
		if err != nil && status.Code(err) != grpccodes.Unavailable {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("failed to report result", "error", err)
		return nil
	}
	if !resp.Accepted {
		logger.Info("report rejected", "reason", resp.Reason)
		return nil
	}
	logger.Info("task completed", "status", req.Status)
	return nil
}

func (r *Runner) convert(ctx context.Context, t *rpc.TaskAssignment) (*domain.Conversion, error) {
	kind := t.Params["executor"]
	if kind == "" {
		kind = "shell"
	}
	c, ok := r.converters[kind]
	if !ok {
		return nil, fmt.Errorf("no converter for executor %q", kind)
	}
	return c.Convert(ctx, &domain.Assignment{
		Task:    &domain.Task{ID: t.TaskID, Entry: t.Entry, Attempt: t.Attempt, Status: domain.StatusAssigned},
		Corpus:  &domain.Corpus{Name: t.Corpus, Path: t.CorpusPath},
		Service: &domain.Service{Name: t.Service, Version: t.ServiceVersion, Params: t.Params},
	})
}

func (r *Runner) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := r.client.Disconnect(ctx, &rpc.DisconnectRequest{SessionID: r.sessionID()})
	if err != nil {
		r.logger.Warn("failed to disconnect", "error", err)
		return
	}
	r.logger.Info("disconnected", "requeued", resp.Requeued)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
