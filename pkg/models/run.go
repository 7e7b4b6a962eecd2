package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a RunConfig fails validation.
// It is fatal to the run.
var ErrInvalidConfig = errors.New("invalid run config")

// RunPhase is the coarse state of a run.
type RunPhase string

const (
	RunPhasePlanning  RunPhase = "planning"
	RunPhaseRunning   RunPhase = "running"
	RunPhaseCompleted RunPhase = "completed"
	RunPhaseFailed    RunPhase = "failed"
	RunPhaseCancelled RunPhase = "cancelled"
)

// Terminal returns true if the run can no longer change phase.
func (p RunPhase) Terminal() bool {
	return p == RunPhaseCompleted || p == RunPhaseFailed || p == RunPhaseCancelled
}

// CancelMode controls what happens to in-flight tasks when a run is cancelled.
type CancelMode string

const (
	// CancelAbandon detaches from in-flight tasks immediately.
	CancelAbandon CancelMode = "abandon"
	// CancelDrain waits for in-flight tasks to report before Wait returns.
	// Their results are still excluded from the sealed aggregation.
	CancelDrain CancelMode = "drain"
)

// RunConfig holds the recognised options for a run submission.
type RunConfig struct {
	MaxConcurrency   int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	MaxRetries       int           `json:"max_retries" mapstructure:"max_retries"`
	DispatchTimeout  time.Duration `json:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	MaxStepsPerTask  int           `json:"max_steps_per_task" mapstructure:"max_steps_per_task"`
	BackoffBase      time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax       time.Duration `json:"backoff_max" mapstructure:"backoff_max"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	CancelMode       CancelMode    `json:"cancel_mode" mapstructure:"cancel_mode"`
}

// DefaultRunConfig returns the configuration used when nothing is overridden.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxConcurrency:   4,
		MaxRetries:       2,
		DispatchTimeout:  5 * time.Minute,
		MaxStepsPerTask:  8,
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		CancelMode:       CancelAbandon,
	}
}

// Validate checks the config. A zero HeartbeatTimeout disables loss detection.
func (c RunConfig) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("%w: max_concurrency must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrency)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.DispatchTimeout <= 0:
		return fmt.Errorf("%w: dispatch_timeout must be positive, got %s", ErrInvalidConfig, c.DispatchTimeout)
	case c.MaxStepsPerTask < 1:
		return fmt.Errorf("%w: max_steps_per_task must be >= 1, got %d", ErrInvalidConfig, c.MaxStepsPerTask)
	case c.BackoffBase < 0:
		return fmt.Errorf("%w: backoff_base must not be negative", ErrInvalidConfig)
	case c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("%w: backoff_max %s is below backoff_base %s", ErrInvalidConfig, c.BackoffMax, c.BackoffBase)
	case c.HeartbeatTimeout < 0:
		return fmt.Errorf("%w: heartbeat_timeout must not be negative", ErrInvalidConfig)
	}
	switch c.CancelMode {
	case CancelAbandon, CancelDrain:
	default:
		return fmt.Errorf("%w: unknown cancel_mode %q", ErrInvalidConfig, c.CancelMode)
	}
	return nil
}

// Backoff returns the delay before re-dispatching after the given attempt.
// It is BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (c RunConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.BackoffBase <= 0 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// RunState is a point-in-time view of a run.
type RunState struct {
	RunID string   `json:"run_id"`
	Goal  string   `json:"goal"`
	Phase RunPhase `json:"phase"`
	// Tasks is a snapshot in plan order.
	Tasks       []Task       `json:"tasks"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
	// Error holds the run-fatal error message for RunPhaseFailed.
	Error string `json:"error,omitempty"`
}

// Counts returns how many tasks are in each status.
func (s RunState) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 5)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}
