package orchestrator

import (
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	// EventRunStarted indicates planning finished and tasks are being dispatched.
	EventRunStarted EventType = "run_started"
	// EventTaskQueued indicates a task is eligible but waiting for capacity.
	EventTaskQueued EventType = "task_queued"
	// EventTaskDispatched indicates a task attempt was sent to a worker.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetrying indicates an attempt failed and the task will be retried.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskFailed indicates a task failed for good.
	EventTaskFailed EventType = "task_failed"
	// EventWorkerLost indicates a worker stopped sending heartbeats.
	EventWorkerLost EventType = "worker_lost"
	// EventRunDone indicates the run reached a terminal phase.
	EventRunDone EventType = "run_done"
)

// Event is emitted by the coordinator for progress displays.
type Event struct {
	Type      EventType
	RunID     string
	TaskID    string
	TaskTitle string
	WorkerID  string
	Attempt   int
	// Message provides additional context, such as a failure reason.
	Message string
	// Phase is set for EventRunStarted and EventRunDone.
	Phase models.RunPhase
	// Total is the planned task count, set for EventRunStarted.
	Total     int
	Timestamp time.Time
}

// eventForTransition maps a task transition to its progress event.
func eventForTransition(runID string, t *models.Task, tr Transition) (Event, bool) {
	ev := Event{
		RunID:     runID,
		TaskID:    tr.TaskID,
		Attempt:   tr.Attempt,
		Message:   tr.Reason,
		Timestamp: time.Now(),
	}
	if t != nil {
		ev.TaskTitle = t.Title
		ev.WorkerID = t.AssignedWorker
	}
	switch tr.To {
	case models.TaskStatusDispatched:
		ev.Type = EventTaskDispatched
	case models.TaskStatusCompleted:
		ev.Type = EventTaskCompleted
	case models.TaskStatusRetrying:
		ev.Type = EventTaskRetrying
	case models.TaskStatusFailed:
		ev.Type = EventTaskFailed
	default:
		return Event{}, false
	}
	return ev, true
}
