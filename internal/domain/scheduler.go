package domain

import (
	"context"
	"time"
)

// Scheduler runs named housekeeping jobs on fixed intervals.
type Scheduler interface {
	Every(name string, interval time.Duration, fn func(ctx context.Context)) error
	// Start blocks until ctx is done, then waits for running jobs.
	Start(ctx context.Context) error
}
