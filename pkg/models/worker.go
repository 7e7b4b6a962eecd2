package models

import "time"

// WorkerStatus represents the liveness state of a worker as seen by the coordinator.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker is alive and has no assignment.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker holds a dispatch.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusLost indicates the worker stopped sending heartbeats.
	WorkerStatusLost WorkerStatus = "lost"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusLost:
		return true
	default:
		return false
	}
}

// WorkerInfo is the coordinator's view of one worker.
type WorkerInfo struct {
	// ID is the bus recipient name of the worker.
	ID     string       `json:"id"`
	Status WorkerStatus `json:"status"`
	// DispatchID is the dispatch currently assigned, if any.
	DispatchID string `json:"dispatch_id,omitempty"`
	// LastSeen is when the last heartbeat or message from the worker arrived.
	LastSeen time.Time `json:"last_seen"`
	// Completed counts dispatches the worker answered.
	Completed int `json:"completed"`
}
