package rpc

import (
	"time"

	"corpus-dispatch/internal/domain"
)

type RegisterRequest struct {
	Name         string   `json:"name"`
	Service      string   `json:"service"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type RegisterResponse struct {
	SessionID string `json:"session_id"`
	// HeartbeatTimeoutMs is how long the dispatcher waits for a heartbeat
	// before it evicts the session.
	HeartbeatTimeoutMs int64 `json:"heartbeat_timeout_ms"`
	MaxInflight        int   `json:"max_inflight"`
}

type NextTaskRequest struct {
	SessionID string `json:"session_id"`
	// WaitMs long-polls for up to this long when nothing is queued.
	WaitMs int64 `json:"wait_ms,omitempty"`
}

// TaskAssignment is everything a worker needs to convert one document.
type TaskAssignment struct {
	TaskID         int64             `json:"task_id"`
	Attempt        int32             `json:"attempt"`
	Entry          string            `json:"entry"`
	Corpus         string            `json:"corpus"`
	CorpusPath     string            `json:"corpus_path"`
	Service        string            `json:"service"`
	ServiceVersion string            `json:"service_version"`
	Params         map[string]string `json:"params,omitempty"`
}

// NextTaskResponse carries no task when the queue stayed empty.
type NextTaskResponse struct {
	Task *TaskAssignment `json:"task,omitempty"`
}

type HeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

type HeartbeatResponse struct{}

type Message struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	What     string `json:"what"`
	Details  string `json:"details,omitempty"`
}

// ReportRequest returns one finished assignment. An empty Status is derived
// from Messages; empty Messages are parsed out of Log.
type ReportRequest struct {
	SessionID string    `json:"session_id"`
	TaskID    int64     `json:"task_id"`
	Attempt   int32     `json:"attempt"`
	Status    string    `json:"status,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Log       string    `json:"log,omitempty"`
}

type ReportResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type DisconnectRequest struct {
	SessionID string `json:"session_id"`
}

type DisconnectResponse struct {
	Requeued int64 `json:"requeued"`
}

func assignmentToWire(a *domain.Assignment) *TaskAssignment {
	return &TaskAssignment{
		TaskID:         a.Task.ID,
		Attempt:        a.Task.Attempt,
		Entry:          a.Task.Entry,
		Corpus:         a.Corpus.Name,
		CorpusPath:     a.Corpus.Path,
		Service:        a.Service.Name,
		ServiceVersion: a.Service.Version,
		Params:         a.Service.Params,
	}
}

func messagesFromWire(in []Message) []domain.Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		out = append(out, domain.Message{
			Severity: domain.ParseSeverity(m.Severity),
			Category: m.Category,
			What:     m.What,
			Details:  m.Details,
		})
	}
	return out
}

func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
