package usecase

import (
	"context"
	"errors"
	"log/slog"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/logparse"
	"corpus-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome of a completion report.
type Outcome string

const (
	OutcomeAck      Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Sink applies worker completion reports.
type Sink struct {
	store     domain.TaskStore
	finalizer *Finalizer
	retry     RetryPolicy
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewSink(store domain.TaskStore, finalizer *Finalizer, retry RetryPolicy, logger *slog.Logger) *Sink {
	return &Sink{
		store:     store,
		finalizer: finalizer,
		retry:     retry,
		logger:    logger.With("component", "sink"),
		tracer:    otel.Tracer("corpus-dispatch-usecase"),
	}
}

// Report applies r. rawLog, when non-empty and r carries no messages, is
// parsed into messages first. A stale or duplicate report yields
// OutcomeRejected and a nil error: it is an expected consequence of
// reclaiming, not a failure. A retry that finds its own earlier write
// already committed is accepted.
func (s *Sink) Report(ctx context.Context, r *domain.Report, rawLog string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.Report", trace.WithAttributes(
		attribute.Int64("task.id", r.TaskID),
		attribute.String("worker.id", r.WorkerID),
		attribute.Int("task.attempt", int(r.Attempt)),
	))
	defer span.End()

	if len(r.Messages) == 0 && rawLog != "" {
		r.Messages = logparse.Parse(rawLog)
	}
	if err := r.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid report")
		return OutcomeRejected, err
	}
	span.SetAttributes(attribute.String("task.status", string(r.Status)), attribute.Int("messages", len(r.Messages)))

	var (
		tr      *domain.Transition
		retried bool
	)
	err := s.retry.do(ctx, "apply_report", func(ctx context.Context) error {
		var err error
		tr, err = s.store.ApplyReport(ctx, r)
		if domain.IsTransient(err) {
			retried = true
		}
		return err
	})
	if errors.Is(err, domain.ErrStaleReport) && retried && s.alreadyApplied(ctx, r) {
		// an earlier attempt committed and only its reply was lost;
		// Reconcile writes any snapshot that Finalize missed
		metrics.ReportsTotal.WithLabelValues(string(OutcomeAck), string(r.Status)).Inc()
		s.logger.Warn("report already applied by a retried attempt", "task_id", r.TaskID, "worker_id", r.WorkerID, "attempt", r.Attempt)
		span.SetAttributes(attribute.String("report.outcome", string(OutcomeAck)), attribute.Bool("report.replayed", true))
		return OutcomeAck, nil
	}
	if errors.Is(err, domain.ErrStaleReport) {
		metrics.ReportsTotal.WithLabelValues(string(OutcomeRejected), string(r.Status)).Inc()
		s.logger.Info("rejected stale report", "task_id", r.TaskID, "worker_id", r.WorkerID, "attempt", r.Attempt)
		span.SetAttributes(attribute.String("report.outcome", string(OutcomeRejected)))
		return OutcomeRejected, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply report")
		return OutcomeRejected, err
	}

	metrics.ReportsTotal.WithLabelValues(string(OutcomeAck), string(r.Status)).Inc()
	span.SetAttributes(attribute.String("report.outcome", string(OutcomeAck)))

	if err := s.finalizer.Finalize(ctx, tr); err != nil {
		// the status write stands; Reconcile writes the snapshot later
		s.logger.Warn("finalize failed", "task_id", r.TaskID, "error", err)
	}
	return OutcomeAck, nil
}

// alreadyApplied reports whether the task holds exactly what r would have
// written.
func (s *Sink) alreadyApplied(ctx context.Context, r *domain.Report) bool {
	var t *domain.Task
	err := s.retry.do(ctx, "task", func(ctx context.Context) error {
		var err error
		t, err = s.store.Task(ctx, r.TaskID)
		return err
	})
	if err != nil {
		s.logger.Warn("could not check report replay", "task_id", r.TaskID, "error", err)
		return false
	}
	return t.WorkerID == r.WorkerID && t.Attempt == r.Attempt && t.Status == r.Status
}
