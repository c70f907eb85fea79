package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ServiceResolver maps service names to catalog rows.
type ServiceResolver interface {
	ResolveService(ctx context.Context, name string) (*domain.Service, error)
}

// ManagerConfig holds the liveness and reclaim knobs.
type ManagerConfig struct {
	// HeartbeatTimeout evicts sessions that stay silent longer.
	HeartbeatTimeout time.Duration
	// TaskTimeout reclaims assignments older than this even when the worker
	// is alive. Zero disables it.
	TaskTimeout time.Duration
	// MaxAttempts > 0 fails tasks that stall that many times.
	MaxAttempts int32
	// MaxInflight caps concurrent assignments per session.
	MaxInflight int
}

type session struct {
	meta    *domain.WorkerMetadata
	since   map[int64]time.Time
	pending int
}

// SweepResult summarizes one stall sweep.
type SweepResult struct {
	Evicted   []string
	Requeued  int64
	Failed    int
	Snapshots int
}

// Manager tracks live worker sessions and returns tasks held by dead or
// stalled workers to the queue. The registry lives only in memory; after a
// restart ClearLimbo requeues everything that was in flight.
type Manager struct {
	store     domain.TaskStore
	resolver  ServiceResolver
	finalizer *Finalizer
	retry     RetryPolicy
	cfg       ManagerConfig
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store domain.TaskStore, resolver ServiceResolver, finalizer *Finalizer, retry RetryPolicy, cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.MaxInflight < 1 {
		cfg.MaxInflight = 1
	}
	m := &Manager{
		store:     store,
		resolver:  resolver,
		finalizer: finalizer,
		retry:     retry,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "manager"),
		tracer:    otel.Tracer("corpus-dispatch-usecase"),
		sessions:  make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register opens a session for a worker that serves serviceName.
func (m *Manager) Register(ctx context.Context, name, serviceName string, capabilities []string) (*domain.WorkerMetadata, error) {
	svc, err := m.resolver.ResolveService(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	now := m.now()
	meta := &domain.WorkerMetadata{
		SessionID:     uuid.NewString(),
		Name:          name,
		Service:       svc.Name,
		ServiceID:     svc.ID,
		Capabilities:  append([]string(nil), capabilities...),
		RegisteredAt:  now,
		LastHeartbeat: now,
		InFlight:      make(map[int64]int32),
	}

	m.mu.Lock()
	m.sessions[meta.SessionID] = &session{meta: meta, since: make(map[int64]time.Time)}
	out := meta.Clone()
	m.mu.Unlock()

	m.updateGauge()
	m.logger.Info("worker registered", "session_id", meta.SessionID, "name", name, "service", svc.Name)
	return out, nil
}

// Heartbeat refreshes a session's liveness.
func (m *Manager) Heartbeat(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	s.meta.LastHeartbeat = m.now()
	return nil
}

// Session returns a copy of the session's metadata.
func (m *Manager) Session(sessionID string) (*domain.WorkerMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return s.meta.Clone(), nil
}

// Acquire reserves an in-flight slot for sessionID. The returned release
// must be called exactly once: with the assigned task, which moves it into
// the session's in-flight set, or with nil to give the slot back.
func (m *Manager) Acquire(sessionID string) (func(*domain.Task), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if len(s.meta.InFlight)+s.pending >= m.cfg.MaxInflight {
		return nil, fmt.Errorf("%w: %d of %d", domain.ErrInflightLimit, len(s.meta.InFlight)+s.pending, m.cfg.MaxInflight)
	}
	s.pending++
	s.meta.LastHeartbeat = m.now()

	var once sync.Once
	return func(t *domain.Task) {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			s.pending--
			if t == nil {
				return
			}
			// s may have been evicted meanwhile; the sweep then reclaims t as
			// an orphan
			now := m.now()
			s.meta.InFlight[t.ID] = t.Attempt
			s.since[t.ID] = now
			s.meta.Dispatched++
			s.meta.LastDispatchAt = now
			s.meta.LastDispatchedID = t.ID
		})
	}, nil
}

// Completed records that sessionID returned taskID.
func (m *Manager) Completed(sessionID string, taskID int64, accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	now := m.now()
	delete(s.meta.InFlight, taskID)
	delete(s.since, taskID)
	s.meta.LastHeartbeat = now
	s.meta.LastReturnAt = now
	s.meta.LastReturnedID = taskID
	if accepted {
		s.meta.Completed++
	}
}

// Disconnect closes a session and requeues the tasks it held.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	m.updateGauge()

	res, err := m.reclaim(ctx, "disconnect", &domain.ReclaimFilter{
		WorkerIDs:   []string{sessionID},
		MaxAttempts: m.cfg.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("worker disconnected", "session_id", sessionID, "requeued", res.Requeued, "failed", len(res.Failed))
	return res.Requeued, nil
}

// Workers lists live sessions ordered by registration.
func (m *Manager) Workers() []*domain.WorkerMetadata {
	m.mu.Lock()
	out := make([]*domain.WorkerMetadata, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.meta.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Sweep evicts silent sessions and reclaims tasks that are held by evicted
// or unknown workers, that exceeded the task timeout, or that a live worker
// holds in the store without ever having received them.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := m.tracer.Start(ctx, "service.Sweep")
	defer span.End()

	now := m.now()
	res := &SweepResult{}
	grace := now.Add(-m.cfg.HeartbeatTimeout)
	filter := &domain.ReclaimFilter{
		OrphanedBefore:  grace,
		UntrackedBefore: grace,
		TrackedTaskIDs:  []int64{},
		MaxAttempts:     m.cfg.MaxAttempts,
	}
	if m.cfg.TaskTimeout > 0 {
		filter.AssignedBefore = now.Add(-m.cfg.TaskTimeout)
	}

	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.meta.Fresh(now, m.cfg.HeartbeatTimeout) {
			delete(m.sessions, id)
			res.Evicted = append(res.Evicted, id)
			continue
		}
		filter.LiveWorkerIDs = append(filter.LiveWorkerIDs, id)
		for taskID, at := range s.since {
			if !filter.AssignedBefore.IsZero() && at.Before(filter.AssignedBefore) {
				delete(s.since, taskID)
				delete(s.meta.InFlight, taskID)
				continue
			}
			filter.TrackedTaskIDs = append(filter.TrackedTaskIDs, taskID)
		}
	}
	m.mu.Unlock()
	sort.Strings(res.Evicted)
	filter.WorkerIDs = res.Evicted

	for _, id := range res.Evicted {
		m.logger.Warn("evicted silent worker", "session_id", id)
	}
	m.updateGauge()

	rr, err := m.reclaim(ctx, "sweep", filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return res, err
	}
	res.Requeued = rr.Requeued
	res.Failed = len(rr.Failed)

	res.Snapshots, err = m.finalizer.Reconcile(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return res, err
	}
	span.SetAttributes(
		attribute.Int("evicted", len(res.Evicted)),
		attribute.Int64("requeued", res.Requeued),
		attribute.Int("failed", res.Failed),
	)
	return res, nil
}

// ClearLimbo requeues every assignment left over from a previous process
// and rebuilds the aggregates. It must run before workers are served.
func (m *Manager) ClearLimbo(ctx context.Context) (int64, error) {
	ctx, span := m.tracer.Start(ctx, "service.ClearLimbo")
	defer span.End()

	// the slack covers clock skew between this host and the store
	res, err := m.reclaim(ctx, "limbo", &domain.ReclaimFilter{
		AssignedBefore: m.now().Add(m.cfg.HeartbeatTimeout),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return 0, err
	}
	if err := m.finalizer.Rebuild(ctx); err != nil {
		return res.Requeued, err
	}
	if _, err := m.finalizer.Reconcile(ctx); err != nil {
		return res.Requeued, err
	}
	if res.Requeued > 0 {
		m.logger.Info("requeued tasks left in limbo", "requeued", res.Requeued)
	}
	return res.Requeued, nil
}

func (m *Manager) reclaim(ctx context.Context, reason string, f *domain.ReclaimFilter) (*domain.ReclaimResult, error) {
	var res *domain.ReclaimResult
	err := m.retry.do(ctx, "reclaim", func(ctx context.Context) error {
		var err error
		res, err = m.store.Reclaim(ctx, f)
		return err
	})
	if err != nil {
		m.logger.Error("reclaim failed", "reason", reason, "error", err)
		return nil, err
	}
	if res.Requeued > 0 {
		metrics.TasksReclaimedTotal.WithLabelValues(reason).Add(float64(res.Requeued))
		m.logger.Info("requeued stalled tasks", "reason", reason, "count", res.Requeued)
	}
	if len(res.Failed) > 0 {
		metrics.TasksReclaimedTotal.WithLabelValues("exhausted").Add(float64(len(res.Failed)))
	}
	for _, tr := range res.Failed {
		m.logger.Warn("task exhausted its attempts", "task_id", tr.TaskID)
		if err := m.finalizer.Finalize(ctx, tr); err != nil {
			m.logger.Warn("finalize failed", "task_id", tr.TaskID, "error", err)
		}
	}
	return res, nil
}

func (m *Manager) updateGauge() {
	m.mu.Lock()
	perService := make(map[string]int)
	for _, s := range m.sessions {
		perService[s.meta.Service]++
	}
	m.mu.Unlock()
	metrics.LiveWorkers.Reset()
	for name, n := range perService {
		metrics.LiveWorkers.WithLabelValues(name).Set(float64(n))
	}
}
