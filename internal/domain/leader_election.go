package domain

import "context"

// LeaderElectionManager decides which dispatcher process is active. Only
// the active process serves workers, since the worker registry lives in
// its memory.
type LeaderElectionManager interface {
	// Campaign blocks until leadership is won; the returned channel is
	// closed when it is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
