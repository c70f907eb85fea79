package domain

import "context"

// CatalogStore persists corpora, services and task entries.
type CatalogStore interface {
	CreateCorpus(ctx context.Context, c *Corpus) error
	Corpus(ctx context.Context, id int64) (*Corpus, error)
	CorpusByName(ctx context.Context, name string) (*Corpus, error)
	ListCorpora(ctx context.Context) ([]*Corpus, error)

	CreateService(ctx context.Context, s *Service) error
	Service(ctx context.Context, id int64) (*Service, error)
	ServiceByName(ctx context.Context, name string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)

	// EnqueueTasks inserts Queued tasks for the given entries, skipping
	// entries that already have a task for the pair. Returns the number of
	// tasks created.
	EnqueueTasks(ctx context.Context, corpusID, serviceID int64, entries []string) (int64, error)
}

// TaskStore is the narrow access layer the dispatcher core runs against.
// Every state change is a single conditional update; none of them rely on
// in-process locking for correctness.
type TaskStore interface {
	CatalogStore

	// SelectAndAssign atomically moves the oldest Queued task of the
	// service to Assigned for workerID. Returns nil, nil when none is
	// eligible.
	SelectAndAssign(ctx context.Context, serviceID int64, workerID string) (*Task, error)

	// ApplyReport writes a terminal status and appends messages only when
	// the task is still Assigned to the worker for the reported attempt.
	// Returns ErrStaleReport otherwise, without side effects.
	ApplyReport(ctx context.Context, r *Report) (*Transition, error)

	// BulkRequeue resets matching tasks to Queued in one statement.
	BulkRequeue(ctx context.Context, f *RequeueFilter) (*RequeueResult, error)

	// Reclaim resets stalled Assigned tasks.
	Reclaim(ctx context.Context, f *ReclaimFilter) (*ReclaimResult, error)

	// WriteHistoricalSnapshot stores run unless a snapshot already exists
	// for its (corpus, service, epoch). Reports whether a row was written.
	WriteHistoricalSnapshot(ctx context.Context, run *HistoricalRun) (bool, error)

	// PendingSnapshots lists complete aggregates lacking a snapshot for
	// their current epoch.
	PendingSnapshots(ctx context.Context) ([]*Aggregate, error)

	// RebuildAggregates recomputes every aggregate from task rows.
	RebuildAggregates(ctx context.Context) error

	// Aggregates lists aggregates of a corpus; serviceID 0 means all.
	Aggregates(ctx context.Context, corpusID, serviceID int64) ([]*Aggregate, error)
	HistoricalRuns(ctx context.Context, corpusID, serviceID int64, limit int) ([]*HistoricalRun, error)

	Task(ctx context.Context, id int64) (*Task, error)
	// TaskMessages returns the messages of the task's latest reported attempt.
	TaskMessages(ctx context.Context, taskID int64) ([]*Message, error)
	// TaskHistory lists the states a task held before each rerun, newest
	// first.
	TaskHistory(ctx context.Context, taskID int64) ([]*HistoricalTask, error)

	// TaskReport computes one level of the message drilldown of a pair.
	TaskReport(ctx context.Context, f *ReportFilter) (*TaskReport, error)
}
