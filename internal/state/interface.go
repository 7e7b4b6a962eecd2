package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (models.RunState, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// TraceReader reads persisted traces.
type TraceReader interface {
	LoadTrace(ctx context.Context, runID string) (trace.Trace, error)
	TraceRuns(ctx context.Context) ([]string, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is everything the CLI needs from the database.
type Store interface {
	io.Closer
	Migrator
	orchestrator.RunStore
	trace.Sink
	RunReader
	TraceReader
}

var (
	_ Store                 = (*DB)(nil)
	_ orchestrator.RunStore = (*DB)(nil)
	_ trace.Sink            = (*DB)(nil)
)
