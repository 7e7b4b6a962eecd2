package models

import "slices"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusDispatched indicates the task has been handed to a worker.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusRetrying indicates the last attempt failed and the task is
	// waiting out its backoff before being dispatched again.
	TaskStatusRetrying TaskStatus = "retrying"
	// TaskStatusCompleted indicates the task produced a result.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retry budget or
	// depends on a task that did.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusDispatched, TaskStatusRetrying, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Goal is the top-level objective submitted to the system.
// It is immutable once submitted.
type Goal struct {
	// ID correlates every message and trace record of the run.
	ID string `json:"id"`
	// Text is the natural-language objective.
	Text string `json:"text"`
}

// Task represents a unit of decomposed work.
// The canonical record is owned by the coordinator; workers only ever see a TaskSpec.
type Task struct {
	// ID is the unique identifier for this task within its graph.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// GoalFragment is the part of the goal this task is responsible for.
	GoalFragment string `json:"goal_fragment"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedWorker is the ID of the worker holding the current attempt.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// Output is the result produced by the completing attempt.
	Output string `json:"output,omitempty"`
	// Error contains the reason of the last failure, if any.
	Error string `json:"error,omitempty"`
	// AttemptCount is the number of times this task has been dispatched.
	AttemptCount int `json:"attempt_count"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	return &c
}

// TaskSpec is the copy of a task a worker receives in a dispatch.
type TaskSpec struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	// DispatchID is the ID of the dispatch message carrying this spec.
	DispatchID   string `json:"dispatch_id"`
	Title        string `json:"title"`
	GoalFragment string `json:"goal_fragment"`
	Goal         string `json:"goal"`
	Attempt      int    `json:"attempt"`
	MaxSteps     int    `json:"max_steps"`
	// DependencyOutputs carries the outputs of completed dependencies keyed by task ID.
	DependencyOutputs map[string]string `json:"dependency_outputs,omitempty"`
}

// TaskFailure describes a task that ended in the failed state.
type TaskFailure struct {
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	// Cause is the ID of the failed ancestor when the failure was cascaded.
	Cause string `json:"cause,omitempty"`
}

// Aggregation is the final output of a run.
// Partial success is representable: Outputs and Failures may both be non-empty.
type Aggregation struct {
	Outputs  map[string]string `json:"outputs"`
	Failures []TaskFailure     `json:"failures"`
}

// Equal reports whether two aggregations carry the same outputs and failures.
func (a Aggregation) Equal(b Aggregation) bool {
	if len(a.Outputs) != len(b.Outputs) || len(a.Failures) != len(b.Failures) {
		return false
	}
	for id, out := range a.Outputs {
		if other, ok := b.Outputs[id]; !ok || other != out {
			return false
		}
	}
	for i := range a.Failures {
		if a.Failures[i] != b.Failures[i] {
			return false
		}
	}
	return true
}
