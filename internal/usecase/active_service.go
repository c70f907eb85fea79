package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// ActiveService runs the parts of the dispatcher that must exist at most
// once: the worker endpoint and the stall sweep. With a leader election
// manager it only runs them while this node holds leadership; without one
// the node is always active.
type ActiveService struct {
	leader        domain.LeaderElectionManager
	newScheduler  func() domain.Scheduler
	manager       *Manager
	sweepInterval time.Duration
	serve         func(ctx context.Context) error
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

// NewActiveService creates the service. serve runs for as long as the node
// is active and must return when its context is done. leader may be nil.
func NewActiveService(leader domain.LeaderElectionManager, newScheduler func() domain.Scheduler, manager *Manager, sweepInterval time.Duration, serve func(ctx context.Context) error, nodeID string, logger *slog.Logger) *ActiveService {
	return &ActiveService{
		leader:        leader,
		newScheduler:  newScheduler,
		manager:       manager,
		sweepInterval: sweepInterval,
		serve:         serve,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "active-service", "node_id", nodeID),
	}
}

// Start blocks until ctx is done or, without leader election, until the
// active phase fails.
func (s *ActiveService) Start(ctx context.Context) error {
	s.logger.Info("active service starting", "leader_election", s.leader != nil)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var lost <-chan struct{}
		if s.leader != nil {
			s.logger.Info("attempting to campaign for leadership")
			var err error
			lost, err = s.leader.Campaign(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("leadership campaign failed", "error", err, "retry_in", s.retryDelay)
				select {
				case <-time.After(s.retryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
		}

		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		err := s.runActive(ctx, lost)
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

		if s.leader != nil {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if rerr := s.leader.Resign(resignCtx); rerr != nil {
				s.logger.Warn("failed to resign leadership", "error", rerr)
			}
			cancel()
		}
		if ctx.Err() != nil {
			s.logger.Info("active service shutting down")
			return ctx.Err()
		}
		if s.leader == nil {
			return err
		}
		if err != nil {
			s.logger.Error("active phase failed", "error", err)
		} else {
			s.logger.Warn("lost leadership")
		}
	}
}

func (s *ActiveService) runActive(ctx context.Context, lost <-chan struct{}) error {
	activeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if lost != nil {
		go func() {
			select {
			case <-lost:
				cancel()
			case <-activeCtx.Done():
			}
		}()
	}

	requeued, err := s.manager.ClearLimbo(activeCtx)
	if err != nil {
		return err
	}
	s.logger.Info("node is active", "limbo_requeued", requeued)

	sched := s.newScheduler()
	err = sched.Every("stall-sweep", s.sweepInterval, func(ctx context.Context) {
		res, err := s.manager.Sweep(ctx)
		if err != nil {
			s.logger.Error("stall sweep failed", "error", err)
			return
		}
		if len(res.Evicted) > 0 || res.Requeued > 0 || res.Failed > 0 || res.Snapshots > 0 {
			s.logger.Info("stall sweep", "evicted", len(res.Evicted), "requeued", res.Requeued,
				"failed", res.Failed, "snapshots", res.Snapshots)
		}
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(activeCtx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return s.serve(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
