package domain

import "time"

// Counts holds per-status task counts for one (corpus, service) pair.
type Counts struct {
	Queued    int64 `json:"queued"`
	Assigned  int64 `json:"assigned"`
	NoProblem int64 `json:"no_problem"`
	Warning   int64 `json:"warning"`
	Error     int64 `json:"error"`
	Fatal     int64 `json:"fatal"`
}

func (c Counts) Total() int64 {
	return c.Queued + c.Assigned + c.NoProblem + c.Warning + c.Error + c.Fatal
}

// Outstanding is the number of tasks that keep the run open.
func (c Counts) Outstanding() int64 {
	return c.Queued + c.Assigned
}

// Complete reports whether the run has tasks and none of them are pending.
func (c Counts) Complete() bool {
	return c.Total() > 0 && c.Outstanding() == 0
}

func (c Counts) Get(s TaskStatus) int64 {
	switch s {
	case StatusQueued:
		return c.Queued
	case StatusAssigned:
		return c.Assigned
	case StatusNoProblem:
		return c.NoProblem
	case StatusWarning:
		return c.Warning
	case StatusError:
		return c.Error
	case StatusFatal:
		return c.Fatal
	}
	return 0
}

// Add adjusts the count of status s by n.
func (c *Counts) Add(s TaskStatus, n int64) {
	switch s {
	case StatusQueued:
		c.Queued += n
	case StatusAssigned:
		c.Assigned += n
	case StatusNoProblem:
		c.NoProblem += n
	case StatusWarning:
		c.Warning += n
	case StatusError:
		c.Error += n
	case StatusFatal:
		c.Fatal += n
	}
}

// Plus returns the element-wise sum of c and d.
func (c Counts) Plus(d Counts) Counts {
	return Counts{
		Queued:    c.Queued + d.Queued,
		Assigned:  c.Assigned + d.Assigned,
		NoProblem: c.NoProblem + d.NoProblem,
		Warning:   c.Warning + d.Warning,
		Error:     c.Error + d.Error,
		Fatal:     c.Fatal + d.Fatal,
	}
}

// TransitionDelta is the aggregate change caused by n tasks moving from
// one status to another. Stores apply it in the same transaction as the
// status write.
func TransitionDelta(from, to TaskStatus, n int64) Counts {
	var d Counts
	if from == to {
		return d
	}
	d.Add(from, -n)
	d.Add(to, n)
	return d
}

// PairKey identifies a (corpus, service) run.
type PairKey struct {
	CorpusID  int64 `json:"corpus_id"`
	ServiceID int64 `json:"service_id"`
}

// Aggregate is the persisted counter row of a (corpus, service) pair.
// Epoch is the run number; it advances whenever a rerun reopens the pair.
type Aggregate struct {
	PairKey
	Counts
	Epoch          int64     `json:"epoch"`
	RunOwner       string    `json:"run_owner,omitempty"`
	RunDescription string    `json:"run_description,omitempty"`
	RunStartedAt   time.Time `json:"run_started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot builds the historical record for the aggregate's current run.
func (a *Aggregate) Snapshot(completedAt time.Time) *HistoricalRun {
	return &HistoricalRun{
		PairKey:     a.PairKey,
		Epoch:       a.Epoch,
		Total:       a.Total(),
		NoProblem:   a.NoProblem,
		Warning:     a.Warning,
		Error:       a.Error,
		Fatal:       a.Fatal,
		StartedAt:   a.RunStartedAt,
		CompletedAt: completedAt,
		Owner:       a.RunOwner,
		Description: a.RunDescription,
	}
}

// HistoricalRun is an immutable snapshot of a completed run.
type HistoricalRun struct {
	ID int64 `json:"id"`
	PairKey
	Epoch       int64     `json:"epoch"`
	Total       int64     `json:"total"`
	NoProblem   int64     `json:"no_problem"`
	Warning     int64     `json:"warning"`
	Error       int64     `json:"error"`
	Fatal       int64     `json:"fatal"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Owner       string    `json:"owner,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Transition describes one applied task state change together with the
// pair's aggregate as it stood right after the change committed.
type Transition struct {
	TaskID    int64
	From      TaskStatus
	To        TaskStatus
	Aggregate Aggregate
}
