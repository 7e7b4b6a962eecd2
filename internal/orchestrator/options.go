package orchestrator

import (
	"context"

	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Planner turns a goal into a task graph.
type Planner interface {
	Plan(ctx context.Context, goal models.Goal) (*graph.TaskGraph, error)
}

// Recorder receives trace records.
type Recorder interface {
	Record(runID string, kind trace.Kind, payload any)
}

// RunStore persists run snapshots.
type RunStore interface {
	SaveRun(ctx context.Context, st models.RunState) error
}

// settingsPlanner is implemented by planners whose parameters can be recorded.
type settingsPlanner interface {
	Settings() decompose.Settings
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*Coordinator)

// WithID sets the coordinator's bus name. Defaults to "coordinator".
func WithID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

// WithRecorder records every machine input and transition.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithRunStore persists run snapshots as they change.
func WithRunStore(s RunStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithEvents emits progress events.
func WithEvents(e *EventEmitter) Option {
	return func(c *Coordinator) { c.events = e }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}
