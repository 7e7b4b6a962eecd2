package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/pkg/models"
)

// =============================================================================
// Event folding
// =============================================================================

func send(a *RunApp, events ...orchestrator.Event) {
	for _, ev := range events {
		a.Update(EventMsg{Event: ev})
	}
}

func TestRunApp_FoldsEvents(t *testing.T) {
	app := NewRunApp("run-1", "build it", nil)

	send(app,
		orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "run-1", Phase: models.RunPhaseRunning, Total: 3},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, RunID: "run-1", TaskID: "t1", TaskTitle: "first", WorkerID: "w1", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, RunID: "run-1", TaskID: "t2", TaskTitle: "second", WorkerID: "w2", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskCompleted, RunID: "run-1", TaskID: "t1"},
		orchestrator.Event{Type: orchestrator.EventTaskRetrying, RunID: "run-1", TaskID: "t2", Message: "timeout"},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, RunID: "run-1", TaskID: "t2", WorkerID: "w1", Attempt: 2},
		// Events for other runs are ignored.
		orchestrator.Event{Type: orchestrator.EventTaskCompleted, RunID: "run-2", TaskID: "t3"},
	)

	if app.Phase() != models.RunPhaseRunning {
		t.Errorf("Phase() = %q, want running", app.Phase())
	}
	completed, total := app.Progress()
	if completed != 1 || total != 3 {
		t.Errorf("Progress() = %d/%d, want 1/3", completed, total)
	}

	rows := app.Tasks()
	if len(rows) != 2 {
		t.Fatalf("expected 2 task rows, got %d", len(rows))
	}
	if rows[0].ID != "t1" || rows[0].Status != models.TaskStatusCompleted {
		t.Errorf("row 0 = %+v", rows[0])
	}
	t2 := rows[1]
	if t2.Status != models.TaskStatusDispatched || t2.WorkerID != "w1" || t2.Attempt != 2 || t2.Title != "second" {
		t.Errorf("row 1 = %+v", t2)
	}
	if got := app.workers; len(got) != 1 || got["w1"] != "t2" {
		t.Errorf("workers = %v, want w1 -> t2", got)
	}
}

func TestRunApp_WorkerLost(t *testing.T) {
	app := NewRunApp("run-1", "", nil)
	send(app,
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, RunID: "run-1", TaskID: "t1", WorkerID: "w1", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventWorkerLost, RunID: "run-1", WorkerID: "w1"},
	)
	if _, busy := app.workers["w1"]; busy {
		t.Error("lost worker still listed as busy")
	}
	if !strings.Contains(app.View(), "lost") {
		t.Error("view does not show the lost worker")
	}
}

func TestTaskLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"t1", "t2", true},
		{"t2", "t10", true},
		{"t10", "t9", false},
		{"t3", "t3", false},
	}
	for _, tt := range tests {
		if got := taskLess(tt.a, tt.b); got != tt.want {
			t.Errorf("taskLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// =============================================================================
// Program plumbing
// =============================================================================

func TestRunApp_ReadsEventChannel(t *testing.T) {
	events := make(chan orchestrator.Event, 1)
	app := NewRunApp("run-1", "", events)

	events <- orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "run-1", Phase: models.RunPhaseRunning, Total: 1}
	msg := app.waitForEvent()()
	if _, ok := msg.(EventMsg); !ok {
		t.Fatalf("expected EventMsg, got %T", msg)
	}
	_, cmd := app.Update(msg)
	if cmd == nil {
		t.Error("expected a command waiting for the next event")
	}

	close(events)
	if msg := app.waitForEvent()(); msg != (eventsClosedMsg{}) {
		t.Errorf("expected eventsClosedMsg, got %T", msg)
	}
}

func TestRunApp_QuitCancels(t *testing.T) {
	tests := []struct {
		name       string
		done       bool
		wantCancel bool
	}{
		{"while running", false, true},
		{"after done", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewRunApp("run-1", "", nil)
			cancelled := false
			app.SetCancelHandler(func() { cancelled = true })
			if tt.done {
				app.Update(RunDoneMsg{State: models.RunState{Phase: models.RunPhaseCompleted}})
			}

			_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
			if cmd == nil {
				t.Fatal("expected quit command")
			}
			if cancelled != tt.wantCancel {
				t.Errorf("cancelled = %v, want %v", cancelled, tt.wantCancel)
			}
			if app.View() != "" {
				t.Error("expected empty view after quitting")
			}
		})
	}
}

// =============================================================================
// Rendering
// =============================================================================

func TestRunApp_ViewDone(t *testing.T) {
	tests := []struct {
		name string
		msg  RunDoneMsg
		want string
	}{
		{
			name: "completed",
			msg: RunDoneMsg{State: models.RunState{
				Phase: models.RunPhaseCompleted,
				Tasks: []models.Task{{ID: "t1", Title: "only", Status: models.TaskStatusCompleted, AttemptCount: 1}},
			}},
			want: "Run complete",
		},
		{
			name: "failed",
			msg:  RunDoneMsg{State: models.RunState{Phase: models.RunPhaseFailed, Error: "task t1 failed"}},
			want: "task t1 failed",
		},
		{
			name: "error",
			msg:  RunDoneMsg{Err: errors.New("store closed")},
			want: "store closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewRunApp("run-1", "goal", nil)
			app.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
			app.Update(tt.msg)
			if view := app.View(); !strings.Contains(view, tt.want) {
				t.Errorf("view missing %q:\n%s", tt.want, view)
			}
		})
	}
}

func TestRunApp_ViewShowsProgress(t *testing.T) {
	app := NewRunApp("run-1", "goal", nil)
	send(app,
		orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "run-1", Phase: models.RunPhaseRunning, Total: 2},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, RunID: "run-1", TaskID: "t1", TaskTitle: "alpha", WorkerID: "w1", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskCompleted, RunID: "run-1", TaskID: "t1"},
	)
	view := app.View()
	for _, want := range []string{"hive run-1", "1/2 complete", "50%", "alpha", "planned 2 tasks"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("a\nb", 10); got != "a b" {
		t.Errorf("truncate = %q", got)
	}
}
