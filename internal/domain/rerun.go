package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RerunFilter is the operator-facing selection for Mark/Rerun. Corpus and
// Service are names; empty means any. An empty Statuses set selects every
// terminal status.
type RerunFilter struct {
	Corpus      string       `json:"corpus,omitempty"`
	Service     string       `json:"service,omitempty"`
	Statuses    []TaskStatus `json:"statuses,omitempty"`
	Severity    string       `json:"severity,omitempty"`
	Category    string       `json:"category,omitempty"`
	What        string       `json:"what,omitempty"`
	Owner       string       `json:"owner,omitempty"`
	Description string       `json:"description,omitempty"`
}

// RequeueFilter is the store-level form of a rerun with names resolved.
// Zero ids mean any.
type RequeueFilter struct {
	CorpusID    int64
	ServiceID   int64
	Statuses    []TaskStatus
	Severity    string
	Category    string
	What        string
	Owner       string
	Description string
	// Token makes a retried requeue return the first attempt's result.
	Token string
}

// RequeueResult reports what a bulk requeue touched.
type RequeueResult struct {
	Affected int64
	Pairs    []PairKey
}

// DescribeFilters renders the filter as the default run description.
func (f *RerunFilter) DescribeFilters() string {
	var parts []string
	if f.Corpus != "" {
		parts = append(parts, "corpus="+f.Corpus)
	}
	if f.Service != "" {
		parts = append(parts, "service="+f.Service)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			names = append(names, string(s))
		}
		sort.Strings(names)
		parts = append(parts, "status="+strings.Join(names, "|"))
	}
	if f.Severity != "" {
		parts = append(parts, "severity="+f.Severity)
	}
	if f.Category != "" {
		parts = append(parts, "category="+f.Category)
	}
	if f.What != "" {
		parts = append(parts, "what="+f.What)
	}
	if len(parts) == 0 {
		return "mark for rerun"
	}
	return fmt.Sprintf("mark for rerun (filters: %s)", strings.Join(parts, " "))
}

// ReclaimFilter selects Assigned tasks for the stall sweep. A task matches
// when it is held by one of WorkerIDs, or was assigned before
// AssignedBefore, or was assigned before OrphanedBefore to a worker not in
// LiveWorkerIDs, or was assigned before UntrackedBefore to a worker in
// LiveWorkerIDs while its id is not in TrackedTaskIDs. Zero times disable
// their clause.
type ReclaimFilter struct {
	WorkerIDs      []string
	AssignedBefore time.Time
	OrphanedBefore time.Time
	LiveWorkerIDs  []string
	// UntrackedBefore catches assignments whose reply never reached the
	// live worker, e.g. a commit followed by a lost store response.
	UntrackedBefore time.Time
	TrackedTaskIDs  []int64
	// MaxAttempts > 0 turns reclaimed tasks that already used that many
	// attempts into Fatal instead of Queued.
	MaxAttempts int32
}

func (f *ReclaimFilter) Empty() bool {
	return len(f.WorkerIDs) == 0 && f.AssignedBefore.IsZero() && f.OrphanedBefore.IsZero() && f.UntrackedBefore.IsZero()
}

// ReclaimResult reports the outcome of a reclaim.
type ReclaimResult struct {
	Requeued int64
	Failed   []*Transition
}

// Reclaim message recorded on tasks that ran out of attempts.
const (
	ReclaimCategory = "dispatcher"
	ReclaimWhat     = "never_completed_with_retries"
)
