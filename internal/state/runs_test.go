package state

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

func runState(id string, phase models.RunPhase) models.RunState {
	return models.RunState{
		RunID: id,
		Goal:  "write a report",
		Phase: phase,
		Tasks: []models.Task{
			{ID: "t1", Title: "gather", GoalFragment: "collect", Status: models.TaskStatusCompleted, Output: "facts", AttemptCount: 1, AssignedWorker: "worker-1"},
			{ID: "t2", Title: "write", GoalFragment: "write it", DependsOn: []string{"t1"}, Status: models.TaskStatusDispatched, AttemptCount: 2},
		},
	}
}

func TestSaveRun_RoundTrip(t *testing.T) {
	db := openMigrated(t)
	ctx := context.Background()

	st := runState("run-1", models.RunPhaseRunning)
	if err := db.SaveRun(ctx, st); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Phase != models.RunPhaseRunning || got.Goal != st.Goal || got.Aggregation != nil {
		t.Errorf("GetRun() = %+v", got)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got.Tasks))
	}
	if got.Tasks[0].Output != "facts" || got.Tasks[0].AssignedWorker != "worker-1" {
		t.Errorf("t1 = %+v", got.Tasks[0])
	}
	if !slices.Equal(got.Tasks[1].DependsOn, []string{"t1"}) || got.Tasks[1].AttemptCount != 2 {
		t.Errorf("t2 = %+v", got.Tasks[1])
	}
}

func TestSaveRun_UpdatesInPlace(t *testing.T) {
	db := openMigrated(t)
	ctx := context.Background()

	st := runState("run-1", models.RunPhaseRunning)
	if err := db.SaveRun(ctx, st); err != nil {
		t.Fatal(err)
	}
	st.Phase = models.RunPhaseCompleted
	st.Tasks[1].Status = models.TaskStatusCompleted
	st.Tasks[1].Output = "report"
	st.Aggregation = &models.Aggregation{Outputs: map[string]string{"t1": "facts", "t2": "report"}}
	if err := db.SaveRun(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.RunPhaseCompleted || got.Aggregation == nil || got.Aggregation.Outputs["t2"] != "report" {
		t.Errorf("GetRun() = %+v", got)
	}
	if len(got.Tasks) != 2 || got.Tasks[1].Status != models.TaskStatusCompleted {
		t.Errorf("tasks = %+v", got.Tasks)
	}

	runs, err := db.ListRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() returned %d runs, want 1", len(runs))
	}
	if runs[0].Counts[models.TaskStatusCompleted] != 2 || runs[0].PID != os.Getpid() {
		t.Errorf("summary = %+v", runs[0])
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := openMigrated(t)
	if _, err := db.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns_Limit(t *testing.T) {
	db := openMigrated(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := db.SaveRun(ctx, runState(id, models.RunPhaseCompleted)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, 3},
		{2, 2},
		{10, 3},
	}
	for _, tt := range tests {
		runs, err := db.ListRuns(ctx, tt.limit)
		if err != nil {
			t.Fatalf("ListRuns(%d) failed: %v", tt.limit, err)
		}
		if len(runs) != tt.want {
			t.Errorf("ListRuns(%d) returned %d runs, want %d", tt.limit, len(runs), tt.want)
		}
	}
}

func TestTraceSink(t *testing.T) {
	db := openMigrated(t)
	ctx := context.Background()

	rec := trace.NewRecorder(db)
	rec.Record("run-1", trace.KindRunStart, map[string]string{"goal": "x"})
	rec.Record("run-2", trace.KindRunStart, map[string]string{"goal": "y"})
	rec.Record("run-1", trace.KindRunEnd, map[string]string{"phase": "completed"})
	if err := rec.Err(); err != nil {
		t.Fatalf("recorder error: %v", err)
	}

	tr, err := db.LoadTrace(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	if len(tr.Records) != 2 || tr.Records[0].Kind != trace.KindRunStart || tr.Records[1].Ordinal != 2 {
		t.Errorf("records = %+v", tr.Records)
	}
	if string(tr.Records[1].Payload) != `{"phase":"completed"}` {
		t.Errorf("payload = %s", tr.Records[1].Payload)
	}

	ids, err := db.TraceRuns(ctx)
	if err != nil || !slices.Equal(ids, []string{"run-1", "run-2"}) {
		t.Errorf("TraceRuns() = %v, %v", ids, err)
	}
	if _, err := db.LoadTrace(ctx, "run-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadTrace(unknown) error = %v, want ErrNotFound", err)
	}

	// Ordinals are unique per run.
	if err := db.Append("run-1", tr.Records[0]); err == nil {
		t.Error("Append() accepted a duplicate ordinal")
	}
}

func TestMarkInterrupted(t *testing.T) {
	db := openMigrated(t)
	ctx := context.Background()

	for _, st := range []models.RunState{
		runState("live", models.RunPhaseRunning),
		runState("orphan", models.RunPhaseRunning),
		runState("done", models.RunPhaseCompleted),
	} {
		if err := db.SaveRun(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	// No process has PID 0 or a negative PID.
	if _, err := db.conn.Exec("UPDATE runs SET pid = -1 WHERE id IN ('orphan', 'done')"); err != nil {
		t.Fatal(err)
	}

	ids, err := db.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if !slices.Equal(ids, []string{"orphan"}) {
		t.Fatalf("MarkInterrupted() = %v, want [orphan]", ids)
	}
	got, err := db.GetRun(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.RunPhaseFailed || got.Error != InterruptedReason {
		t.Errorf("orphan = %s %q", got.Phase, got.Error)
	}
	if live, _ := db.GetRun(ctx, "live"); live.Phase != models.RunPhaseRunning {
		t.Errorf("run owned by this process was marked: %s", live.Phase)
	}
}
