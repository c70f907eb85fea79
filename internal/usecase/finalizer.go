package usecase

import (
	"context"
	"log/slog"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Finalizer turns terminal transitions into progress events and writes the
// historical snapshot of each run that completes. Counters themselves are
// adjusted by the store in the same transaction as the status write, so
// completeness here is read off the aggregate the transition committed.
type Finalizer struct {
	store    domain.TaskStore
	notifier domain.ProgressNotifier
	retry    RetryPolicy
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewFinalizer creates a Finalizer. A nil notifier drops events.
func NewFinalizer(store domain.TaskStore, notifier domain.ProgressNotifier, retry RetryPolicy, logger *slog.Logger) *Finalizer {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	return &Finalizer{
		store:    store,
		notifier: notifier,
		retry:    retry,
		now:      time.Now,
		logger:   logger.With("component", "finalizer"),
		tracer:   otel.Tracer("corpus-dispatch-usecase"),
	}
}

// Finalize handles one applied terminal transition.
func (f *Finalizer) Finalize(ctx context.Context, tr *domain.Transition) error {
	agg := tr.Aggregate
	f.notifier.Publish(domain.ProgressEvent{
		Kind:      domain.EventReport,
		CorpusID:  agg.CorpusID,
		ServiceID: agg.ServiceID,
		TaskID:    tr.TaskID,
		Status:    string(tr.To),
		Counts:    agg.Counts,
		Epoch:     agg.Epoch,
		At:        f.now(),
	})
	if !agg.Complete() {
		return nil
	}
	_, err := f.snapshot(ctx, &agg)
	return err
}

func (f *Finalizer) snapshot(ctx context.Context, agg *domain.Aggregate) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "service.WriteSnapshot", trace.WithAttributes(
		attribute.Int64("corpus.id", agg.CorpusID),
		attribute.Int64("service.id", agg.ServiceID),
		attribute.Int64("run.epoch", agg.Epoch),
	))
	defer span.End()

	run := agg.Snapshot(f.now())
	var wrote bool
	err := f.retry.do(ctx, "write_historical_snapshot", func(ctx context.Context) error {
		var err error
		wrote, err = f.store.WriteHistoricalSnapshot(ctx, run)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write historical snapshot")
		f.logger.Error("failed to write historical snapshot",
			"corpus_id", agg.CorpusID, "service_id", agg.ServiceID, "epoch", agg.Epoch, "error", err)
		return false, err
	}
	if !wrote {
		return false, nil
	}

	metrics.HistoricalRunsTotal.Inc()
	f.logger.Info("run completed",
		"corpus_id", agg.CorpusID, "service_id", agg.ServiceID, "epoch", agg.Epoch,
		"total", run.Total, "no_problem", run.NoProblem, "warning", run.Warning,
		"error", run.Error, "fatal", run.Fatal)
	f.notifier.Publish(domain.ProgressEvent{
		Kind:      domain.EventCompleted,
		CorpusID:  agg.CorpusID,
		ServiceID: agg.ServiceID,
		Counts:    agg.Counts,
		Epoch:     agg.Epoch,
		At:        run.CompletedAt,
	})
	return true, nil
}

// Reconcile writes snapshots that a failed Finalize left missing. Returns
// the number written.
func (f *Finalizer) Reconcile(ctx context.Context) (int, error) {
	var pending []*domain.Aggregate
	err := f.retry.do(ctx, "pending_snapshots", func(ctx context.Context) error {
		var err error
		pending, err = f.store.PendingSnapshots(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	written := 0
	for _, agg := range pending {
		ok, err := f.snapshot(ctx, agg)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// Rebuild recomputes every aggregate from task rows.
func (f *Finalizer) Rebuild(ctx context.Context) error {
	ctx, span := f.tracer.Start(ctx, "service.RebuildAggregates")
	defer span.End()

	err := f.retry.do(ctx, "rebuild_aggregates", f.store.RebuildAggregates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to rebuild aggregates")
	}
	return err
}
