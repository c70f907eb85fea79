package domain

import "time"

// WorkerMetadata describes one live worker session. It exists only in the
// dispatcher's memory.
type WorkerMetadata struct {
	SessionID        string          `json:"session_id"`
	Name             string          `json:"name"`
	Service          string          `json:"service"`
	ServiceID        int64           `json:"service_id"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	RegisteredAt     time.Time       `json:"registered_at"`
	LastHeartbeat    time.Time       `json:"last_heartbeat"`
	LastDispatchAt   time.Time       `json:"last_dispatch_at,omitempty"`
	LastReturnAt     time.Time       `json:"last_return_at,omitempty"`
	Dispatched       int64           `json:"dispatched"`
	Completed        int64           `json:"completed"`
	LastDispatchedID int64           `json:"last_dispatched_id,omitempty"`
	LastReturnedID   int64           `json:"last_returned_id,omitempty"`
	InFlight         map[int64]int32 `json:"in_flight"`
}

// Fresh reports whether the worker heartbeated within window.
func (w *WorkerMetadata) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeat) <= window
}

// Clone returns a copy that is safe to hand out of the registry.
func (w *WorkerMetadata) Clone() *WorkerMetadata {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	c.InFlight = make(map[int64]int32, len(w.InFlight))
	for k, v := range w.InFlight {
		c.InFlight[k] = v
	}
	return &c
}
