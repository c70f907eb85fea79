package domain

import "time"

// ProgressEvent is published whenever a pair's aggregate changes.
type ProgressEvent struct {
	Kind      string    `json:"kind"`
	CorpusID  int64     `json:"corpus_id"`
	ServiceID int64     `json:"service_id"`
	TaskID    int64     `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Counts    Counts    `json:"counts"`
	Epoch     int64     `json:"epoch"`
	At        time.Time `json:"at"`
}

// Event kinds.
const (
	EventReport    = "report"
	EventCompleted = "run_completed"
	EventRerun     = "rerun"
	EventReclaim   = "reclaim"
	EventEnqueue   = "enqueue"
)

// ProgressNotifier receives progress events. Publish must not block.
type ProgressNotifier interface {
	Publish(ev ProgressEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(ProgressEvent) {}
