package domain

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusAssigned  TaskStatus = "assigned"
	StatusNoProblem TaskStatus = "no_problem"
	StatusWarning   TaskStatus = "warning"
	StatusError     TaskStatus = "error"
	StatusFatal     TaskStatus = "fatal"
)

// TerminalStatuses lists the outcomes a worker may report, mildest first.
var TerminalStatuses = []TaskStatus{StatusNoProblem, StatusWarning, StatusError, StatusFatal}

// AllStatuses lists every status in state machine order.
var AllStatuses = []TaskStatus{StatusQueued, StatusAssigned, StatusNoProblem, StatusWarning, StatusError, StatusFatal}

// ParseTaskStatus accepts the canonical names plus the short forms used in
// worker reports ("ok", "noproblem").
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "queued":
		return StatusQueued, nil
	case "assigned":
		return StatusAssigned, nil
	case "no_problem", "noproblem", "ok":
		return StatusNoProblem, nil
	case "warning":
		return StatusWarning, nil
	case "error":
		return StatusError, nil
	case "fatal":
		return StatusFatal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusNoProblem, StatusWarning, StatusError, StatusFatal:
		return true
	}
	return false
}

// IsOutstanding reports whether a task in this status keeps its run open.
func (s TaskStatus) IsOutstanding() bool {
	return s == StatusQueued || s == StatusAssigned
}

func (s TaskStatus) Valid() bool {
	return s.IsTerminal() || s.IsOutstanding()
}

// TransitionCause names who moves a task between states.
type TransitionCause int

const (
	CauseAssign TransitionCause = iota
	CauseReport
	CauseReclaim
	CauseRerun
)

// CanTransition encodes the task state machine:
//
//	queued -> assigned            (ventilator)
//	assigned -> terminal          (sink, or reclaim once attempts run out)
//	assigned -> queued            (reclaim, or rerun when permitted)
//	terminal -> queued            (rerun)
func CanTransition(from, to TaskStatus, cause TransitionCause) bool {
	switch cause {
	case CauseAssign:
		return from == StatusQueued && to == StatusAssigned
	case CauseReport:
		return from == StatusAssigned && to.IsTerminal()
	case CauseReclaim:
		return from == StatusAssigned && (to == StatusQueued || to == StatusFatal)
	case CauseRerun:
		return to == StatusQueued && (from.IsTerminal() || from == StatusAssigned)
	}
	return false
}

// Task is one document under one (corpus, service) pair.
type Task struct {
	ID          int64      `json:"id"`
	CorpusID    int64      `json:"corpus_id"`
	ServiceID   int64      `json:"service_id"`
	Entry       string     `json:"entry"`
	Status      TaskStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Attempt     int32      `json:"attempt"`
	QueuedAt    time.Time  `json:"queued_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoricalTask is the state a task held before a rerun requeued it.
type HistoricalTask struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	Attempt     int32      `json:"attempt"`
	Status      TaskStatus `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SavedAt     time.Time  `json:"saved_at"`
}

// Assignment is what a worker receives from the ventilator.
type Assignment struct {
	Task    *Task
	Corpus  *Corpus
	Service *Service
}

// Report is a worker's completion report for one assignment.
type Report struct {
	TaskID   int64
	WorkerID string
	Attempt  int32
	Status   TaskStatus
	Messages []Message
}

// Validate normalizes the report. An empty status is derived from the
// most severe message.
func (r *Report) Validate() error {
	if r.TaskID <= 0 {
		return fmt.Errorf("report task id must be positive")
	}
	if r.WorkerID == "" {
		return fmt.Errorf("report worker id cannot be empty")
	}
	if r.Status == "" {
		r.Status = StatusFromMessages(r.Messages)
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a reportable outcome", ErrInvalidStatus, r.Status)
	}
	for i := range r.Messages {
		r.Messages[i].Normalize()
	}
	return nil
}
