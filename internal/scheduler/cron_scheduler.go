// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// cronScheduler runs the dispatcher's periodic housekeeping (the stall
// sweep) on robfig/cron constant-delay schedules.
type cronScheduler struct {
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	ctx context.Context
}

// NewCronScheduler creates a scheduler. Jobs that are still running when
// their next tick fires are skipped, and panics are recovered and logged.
func NewCronScheduler(logger *slog.Logger) domain.Scheduler {
	logger = logger.With("component", "cron-scheduler")
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		// Recover sits inside SkipIfStillRunning so a panic still frees the run slot
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	return &cronScheduler{
		cron:   c,
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
		tracer: otel.Tracer("corpus-dispatch-scheduler"),
		ctx:    context.Background(),
	}
}

// Start runs the jobs until ctx is done. Jobs receive ctx.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// Every schedules fn under name. Intervals are rounded to whole seconds.
func (s *cronScheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval < time.Second {
		return fmt.Errorf("job %s: interval %s is below one second", name, interval)
	}
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
	}

	jobWrapper := &cronJobWrapper{
		name:   name,
		fn:     fn,
		owner:  s,
		logger: s.logger.With("job_name", name),
		tracer: s.tracer,
	}
	s.jobs[name] = s.cron.Schedule(cron.Every(interval), jobWrapper)
	s.logger.Info("added job to scheduler", "job_name", name, "interval", interval)
	return nil
}

func (s *cronScheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

type cronJobWrapper struct {
	name   string
	fn     func(ctx context.Context)
	owner  *cronScheduler
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cronJobWrapper) Run() {
	ctx, span := w.tracer.Start(w.owner.context(), "scheduler.Run",
		trace.WithAttributes(attribute.String("job.name", w.name)))
	defer span.End()

	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	w.fn(ctx)
	w.logger.Debug("job finished", "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
