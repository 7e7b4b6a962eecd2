package orchestrator

import (
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Trace payloads written by the coordinator. Together with coord.receive
// (a models.Message) they are every input the Machine consumed, in order.

// RunStartRecord opens a run's trace.
type RunStartRecord struct {
	RunID  string           `json:"run_id"`
	Goal   string           `json:"goal"`
	Config models.RunConfig `json:"config"`
	// Planner is set when the planner's parameters are known, which lets a
	// replay re-plan from the recorded exchanges.
	Planner *decompose.Settings `json:"planner,omitempty"`
}

// PlanRecord holds the plan the run started with.
type PlanRecord struct {
	Tasks []models.Task `json:"tasks"`
}

// DispatchRecord notes which worker received a dispatch, or why none did.
type DispatchRecord struct {
	DispatchID string `json:"dispatch_id"`
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
	WorkerID   string `json:"worker_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TimeoutRecord is a failed attempt without a reply.
type TimeoutRecord struct {
	DispatchID string `json:"dispatch_id"`
	Reason     string `json:"reason"`
}

// BackoffRecord is an elapsed retry backoff.
type BackoffRecord struct {
	TaskID string `json:"task_id"`
}

// WorkerLostRecord is a heartbeat loss affecting this run.
type WorkerLostRecord struct {
	WorkerID    string   `json:"worker_id"`
	DispatchIDs []string `json:"dispatch_ids"`
}

// CancelRecord is a cancellation request.
type CancelRecord struct {
	Mode models.CancelMode `json:"mode"`
}
