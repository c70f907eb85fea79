package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ventilator hands queued tasks to workers. Exclusivity comes from the
// store's conditional update; the caches here only hold immutable catalog
// rows.
type Ventilator struct {
	store  domain.TaskStore
	retry  RetryPolicy
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	services map[string]*domain.Service
	corpora  map[int64]*domain.Corpus
}

// NewVentilator creates a Ventilator over store.
func NewVentilator(store domain.TaskStore, retry RetryPolicy, logger *slog.Logger) *Ventilator {
	return &Ventilator{
		store:    store,
		retry:    retry,
		logger:   logger.With("component", "ventilator"),
		tracer:   otel.Tracer("corpus-dispatch-usecase"),
		services: make(map[string]*domain.Service),
		corpora:  make(map[int64]*domain.Corpus),
	}
}

// ResolveService looks a service up by name, memoizing hits.
func (v *Ventilator) ResolveService(ctx context.Context, name string) (*domain.Service, error) {
	v.mu.RLock()
	svc, ok := v.services[name]
	v.mu.RUnlock()
	if ok {
		return svc, nil
	}

	err := v.retry.do(ctx, "service_by_name", func(ctx context.Context) error {
		var err error
		svc, err = v.store.ServiceByName(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.services[name] = svc
	v.mu.Unlock()
	return svc, nil
}

func (v *Ventilator) corpus(ctx context.Context, id int64) (*domain.Corpus, error) {
	v.mu.RLock()
	c, ok := v.corpora[id]
	v.mu.RUnlock()
	if ok {
		return c, nil
	}

	err := v.retry.do(ctx, "corpus", func(ctx context.Context) error {
		var err error
		c, err = v.store.Corpus(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.corpora[id] = c
	v.mu.Unlock()
	return c, nil
}

// NextTask assigns the oldest queued task of serviceName to workerID.
// It returns nil, nil when nothing is eligible; callers poll with backoff.
func (v *Ventilator) NextTask(ctx context.Context, serviceName, workerID string) (*domain.Assignment, error) {
	ctx, span := v.tracer.Start(ctx, "service.NextTask", trace.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("worker.id", workerID),
	))
	defer span.End()

	svc, err := v.ResolveService(ctx, serviceName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve service")
		return nil, err
	}

	var task *domain.Task
	err = v.retry.do(ctx, "select_and_assign", func(ctx context.Context) error {
		var err error
		task, err = v.store.SelectAndAssign(ctx, svc.ID, workerID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to assign task")
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	c, err := v.corpus(ctx, task.CorpusID)
	if errors.Is(err, domain.ErrUnknownCorpus) {
		// the assignment stays in place and is reclaimed by the sweep
		err = fmt.Errorf("task %d references corpus %d: %w: %w", task.ID, task.CorpusID, domain.ErrIntegrity, err)
		v.logger.Error("task references unknown corpus", "task_id", task.ID, "corpus_id", task.CorpusID, "error", err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve corpus")
		return nil, err
	}

	metrics.TasksAssignedTotal.WithLabelValues(svc.Name).Inc()
	span.SetAttributes(attribute.Int64("task.id", task.ID), attribute.Int("task.attempt", int(task.Attempt)))
	v.logger.Debug("task assigned", "task_id", task.ID, "attempt", task.Attempt, "worker_id", workerID, "service", svc.Name)
	return &domain.Assignment{Task: task, Corpus: c, Service: svc}, nil
}
