package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Rerunner resets filtered tasks back to Queued in one store operation.
type Rerunner struct {
	store         domain.TaskStore
	notifier      domain.ProgressNotifier
	retry         RetryPolicy
	allowAssigned bool
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewRerunner creates a Rerunner. allowAssigned lets a filter pull tasks
// that are currently held by workers.
func NewRerunner(store domain.TaskStore, notifier domain.ProgressNotifier, retry RetryPolicy, allowAssigned bool, logger *slog.Logger) *Rerunner {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	return &Rerunner{
		store:         store,
		notifier:      notifier,
		retry:         retry,
		allowAssigned: allowAssigned,
		logger:        logger.With("component", "rerunner"),
		tracer:        otel.Tracer("corpus-dispatch-usecase"),
	}
}

// MarkRerun requeues every task matching f and returns how many moved.
// Unknown corpus or service names match nothing.
func (r *Rerunner) MarkRerun(ctx context.Context, f domain.RerunFilter) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "service.MarkRerun", trace.WithAttributes(
		attribute.String("corpus.name", f.Corpus),
		attribute.String("service.name", f.Service),
	))
	defer span.End()

	statuses, err := r.statuses(f.Statuses)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status filter")
		return 0, err
	}
	if len(statuses) == 0 {
		return 0, nil
	}

	rf := &domain.RequeueFilter{
		Statuses:    statuses,
		Severity:    f.Severity,
		Category:    f.Category,
		What:        f.What,
		Owner:       f.Owner,
		Description: f.Description,
		Token:       uuid.NewString(),
	}
	if rf.Description == "" {
		rf.Description = f.DescribeFilters()
	}

	ok, err := r.resolve(ctx, &f, rf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve filter")
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	// every retry carries the same token, so a commit whose reply was lost
	// still reports its count
	var res *domain.RequeueResult
	err = r.retry.do(ctx, "bulk_requeue", func(ctx context.Context) error {
		var err error
		res, err = r.store.BulkRequeue(ctx, rf)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk requeue failed")
		return 0, err
	}

	span.SetAttributes(attribute.Int64("affected", res.Affected))
	if res.Affected == 0 {
		return 0, nil
	}
	metrics.TasksRerunTotal.Add(float64(res.Affected))
	r.logger.Info("tasks marked for rerun", "affected", res.Affected, "pairs", len(res.Pairs), "owner", rf.Owner, "description", rf.Description)
	now := time.Now()
	for _, p := range res.Pairs {
		r.notifier.Publish(domain.ProgressEvent{Kind: domain.EventRerun, CorpusID: p.CorpusID, ServiceID: p.ServiceID, At: now})
	}
	return res.Affected, nil
}

// statuses expands and filters the requested set: empty means every
// terminal status, Queued is dropped, Assigned only when allowed.
func (r *Rerunner) statuses(in []domain.TaskStatus) ([]domain.TaskStatus, error) {
	if len(in) == 0 {
		return append([]domain.TaskStatus(nil), domain.TerminalStatuses...), nil
	}
	seen := make(map[domain.TaskStatus]bool, len(in))
	var out []domain.TaskStatus
	for _, s := range in {
		if !s.Valid() {
			return nil, fmt.Errorf("rerun status %q: %w", s, domain.ErrInvalidStatus)
		}
		if s == domain.StatusQueued || seen[s] {
			continue
		}
		if s == domain.StatusAssigned && !r.allowAssigned {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func (r *Rerunner) resolve(ctx context.Context, f *domain.RerunFilter, rf *domain.RequeueFilter) (bool, error) {
	if f.Corpus != "" {
		var c *domain.Corpus
		err := r.retry.do(ctx, "corpus_by_name", func(ctx context.Context) error {
			var err error
			c, err = r.store.CorpusByName(ctx, f.Corpus)
			return err
		})
		if errors.Is(err, domain.ErrUnknownCorpus) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rf.CorpusID = c.ID
	}
	if f.Service != "" {
		var svc *domain.Service
		err := r.retry.do(ctx, "service_by_name", func(ctx context.Context) error {
			var err error
			svc, err = r.store.ServiceByName(ctx, f.Service)
			return err
		})
		if errors.Is(err, domain.ErrUnknownService) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rf.ServiceID = svc.ID
	}
	return true, nil
}
