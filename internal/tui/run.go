package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/pkg/models"
)

const maxLogEntries = 8

// EventMsg carries one coordinator event into the program.
type EventMsg struct {
	Event orchestrator.Event
}

// eventsClosedMsg reports that the event channel closed.
type eventsClosedMsg struct{}

// RunDoneMsg is sent when the run finishes.
type RunDoneMsg struct {
	State models.RunState
	Err   error
}

// CancelHandler is called when the user asks to stop the run.
type CancelHandler func()

// TaskRow is one task as displayed.
type TaskRow struct {
	ID       string
	Title    string
	Status   models.TaskStatus
	WorkerID string
	Attempt  int
	Message  string
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

// RunApp is the bubbletea model for a single run.
type RunApp struct {
	runID  string
	goal   string
	events <-chan orchestrator.Event

	phase   models.RunPhase
	total   int
	tasks   map[string]*TaskRow
	workers map[string]string // worker ID -> task ID
	lost    map[string]bool
	logs    []LogEntry

	spinner  spinner.Model
	width    int
	height   int
	quitting bool
	done     bool
	err      error
	final    models.RunState
	onCancel CancelHandler

	titleStyle   lipgloss.Style
	labelStyle   lipgloss.Style
	valueStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	barFull      lipgloss.Style
	barEmpty     lipgloss.Style
	statusStyles map[models.TaskStatus]lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
}

// NewRunApp creates the model. events may be nil when the caller feeds
// EventMsg values itself.
func NewRunApp(runID, goal string, events <-chan orchestrator.Event) *RunApp {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &RunApp{
		runID:   runID,
		goal:    goal,
		events:  events,
		phase:   models.RunPhasePlanning,
		tasks:   make(map[string]*TaskRow),
		workers: make(map[string]string),
		lost:    make(map[string]bool),
		spinner: sp,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(10),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		barFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		barEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		statusStyles: map[models.TaskStatus]lipgloss.Style{
			models.TaskStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.TaskStatusDispatched: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			models.TaskStatusRetrying:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.TaskStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.TaskStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),
	}
}

// SetCancelHandler sets the callback run when the user quits before the
// run is done.
func (a *RunApp) SetCancelHandler(h CancelHandler) {
	a.onCancel = h
}

// SetRefreshRate sets the spinner frame interval.
func (a *RunApp) SetRefreshRate(d time.Duration) {
	if d > 0 {
		a.spinner.Spinner.FPS = d
	}
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent())
}

func (a *RunApp) waitForEvent() tea.Cmd {
	if a.events == nil {
		return nil
	}
	events := a.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !a.done && a.onCancel != nil {
				a.onCancel()
			}
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		if msg.Event.RunID == "" || msg.Event.RunID == a.runID {
			a.apply(msg.Event)
		}
		return a, a.waitForEvent()

	case eventsClosedMsg:
		a.events = nil

	case RunDoneMsg:
		a.done = true
		a.err = msg.Err
		a.final = msg.State
		if msg.State.Phase != "" {
			a.phase = msg.State.Phase
		}
		for _, t := range msg.State.Tasks {
			row := a.row(t.ID)
			row.Title = t.Title
			row.Status = t.Status
			row.Attempt = t.AttemptCount
			if t.Error != "" {
				row.Message = t.Error
			}
		}
		if len(msg.State.Tasks) > a.total {
			a.total = len(msg.State.Tasks)
		}
		// Keep the final state on screen until the user quits.
	}
	return a, nil
}

func (a *RunApp) row(id string) *TaskRow {
	r, ok := a.tasks[id]
	if !ok {
		r = &TaskRow{ID: id, Status: models.TaskStatusPending}
		a.tasks[id] = r
	}
	return r
}

// apply folds one event into the display state.
func (a *RunApp) apply(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		a.phase = ev.Phase
		a.total = ev.Total
		a.log(ev, "planned %d tasks", ev.Total)
		return
	case orchestrator.EventRunDone:
		a.phase = ev.Phase
		if ev.Message != "" {
			a.log(ev, "%s: %s", ev.Phase, ev.Message)
		} else {
			a.log(ev, "%s", ev.Phase)
		}
		return
	case orchestrator.EventWorkerLost:
		a.lost[ev.WorkerID] = true
		delete(a.workers, ev.WorkerID)
		a.log(ev, "worker %s lost", ev.WorkerID)
		return
	}

	r := a.row(ev.TaskID)
	if ev.TaskTitle != "" {
		r.Title = ev.TaskTitle
	}
	if ev.Attempt > r.Attempt {
		r.Attempt = ev.Attempt
	}
	switch ev.Type {
	case orchestrator.EventTaskQueued:
		a.log(ev, "%s queued", ev.TaskID)
	case orchestrator.EventTaskDispatched:
		r.Status = models.TaskStatusDispatched
		r.WorkerID = ev.WorkerID
		r.Message = ""
		if ev.WorkerID != "" {
			a.workers[ev.WorkerID] = ev.TaskID
		}
		a.log(ev, "%s -> %s (attempt %d)", ev.TaskID, ev.WorkerID, ev.Attempt)
	case orchestrator.EventTaskCompleted:
		r.Status = models.TaskStatusCompleted
		a.release(r)
		a.log(ev, "%s completed", ev.TaskID)
	case orchestrator.EventTaskRetrying:
		r.Status = models.TaskStatusRetrying
		r.Message = ev.Message
		a.release(r)
		a.log(ev, "%s retrying: %s", ev.TaskID, ev.Message)
	case orchestrator.EventTaskFailed:
		r.Status = models.TaskStatusFailed
		r.Message = ev.Message
		a.release(r)
		a.log(ev, "%s failed: %s", ev.TaskID, ev.Message)
	}
}

func (a *RunApp) release(r *TaskRow) {
	if r.WorkerID != "" && a.workers[r.WorkerID] == r.ID {
		delete(a.workers, r.WorkerID)
	}
}

func (a *RunApp) log(ev orchestrator.Event, format string, args ...any) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	a.logs = append(a.logs, LogEntry{Timestamp: ts, Kind: string(ev.Type), Message: fmt.Sprintf(format, args...)})
	if len(a.logs) > 100 {
		a.logs = a.logs[len(a.logs)-100:]
	}
}

// Phase returns the run phase last seen.
func (a *RunApp) Phase() models.RunPhase { return a.phase }

// Tasks returns the task rows ordered by ID.
func (a *RunApp) Tasks() []TaskRow {
	rows := make([]TaskRow, 0, len(a.tasks))
	for _, r := range a.tasks {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return taskLess(rows[i].ID, rows[j].ID) })
	return rows
}

// taskLess orders t2 before t10.
func taskLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Progress returns completed and total task counts.
func (a *RunApp) Progress() (completed, total int) {
	for _, r := range a.tasks {
		if r.Status == models.TaskStatusCompleted {
			completed++
		}
	}
	total = a.total
	if len(a.tasks) > total {
		total = len(a.tasks)
	}
	return completed, total
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(a.titleStyle.Render("hive " + a.runID))
	b.WriteString("\n")
	if a.goal != "" {
		b.WriteString(a.dimStyle.Render(truncate(a.goal, a.lineWidth())))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	phase := string(a.phase)
	if !a.done && !a.phase.Terminal() {
		phase = a.spinner.View() + " " + phase
	}
	b.WriteString(a.labelStyle.Render("Phase:"))
	b.WriteString(a.valueStyle.Render(phase))
	b.WriteString("\n")

	completed, total := a.Progress()
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	b.WriteString(a.labelStyle.Render("Tasks:"))
	b.WriteString(a.valueStyle.Render(fmt.Sprintf("%d/%d complete", completed, total)))
	b.WriteString("\n")
	b.WriteString(a.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	b.WriteString(a.renderTasks())
	b.WriteString(a.renderWorkers())
	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.done && a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done && a.final.Phase == models.RunPhaseCompleted:
		b.WriteString(a.doneStyle.Render("Run complete. Press q to exit."))
	case a.done:
		msg := fmt.Sprintf("Run %s", a.final.Phase)
		if a.final.Error != "" {
			msg += ": " + a.final.Error
		}
		b.WriteString(a.errorStyle.Render(msg + ". Press q to exit."))
	default:
		b.WriteString(a.dimStyle.Render("Press q to cancel the run"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *RunApp) lineWidth() int {
	if a.width > 10 {
		return a.width - 2
	}
	return 78
}

func (a *RunApp) renderTasks() string {
	rows := a.Tasks()
	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range rows {
		style, ok := a.statusStyles[r.Status]
		if !ok {
			style = a.dimStyle
		}
		status := lipgloss.NewStyle().Width(11).Render(string(r.Status))
		line := fmt.Sprintf("  %-4s %s %s", r.ID, style.Render(status), truncate(r.Title, 40))
		if r.WorkerID != "" && r.Status == models.TaskStatusDispatched {
			line += a.dimStyle.Render(fmt.Sprintf("  %s #%d", r.WorkerID, r.Attempt))
		}
		if r.Message != "" && r.Status != models.TaskStatusCompleted {
			line += a.dimStyle.Render("  " + truncate(r.Message, 40))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (a *RunApp) renderWorkers() string {
	if len(a.workers) == 0 && len(a.lost) == 0 {
		return ""
	}
	ids := make([]string, 0, len(a.workers))
	for id := range a.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(a.labelStyle.Render("Workers:"))
	b.WriteString("\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s  %s\n", a.statusStyles[models.TaskStatusDispatched].Render(id), a.workers[id])
	}
	lost := make([]string, 0, len(a.lost))
	for id := range a.lost {
		lost = append(lost, id)
	}
	sort.Strings(lost)
	for _, id := range lost {
		fmt.Fprintf(&b, "  %s  lost\n", a.statusStyles[models.TaskStatusFailed].Render(id))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *RunApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity Log"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > maxLogEntries {
		start = len(a.logs) - maxLogEntries
	}
	for _, entry := range a.logs[start:] {
		ts := a.dimStyle.Render(entry.Timestamp.Format("15:04:05"))
		fmt.Fprintf(&b, "  %s %s\n", ts, entry.Message)
	}
	return b.String()
}

func (a *RunApp) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	bar := a.barFull.Render(strings.Repeat("█", filled)) +
		a.barEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// NewRunProgram creates a bubbletea program following events for runID.
func NewRunProgram(runID, goal string, events <-chan orchestrator.Event) (*tea.Program, *RunApp) {
	app := NewRunApp(runID, goal, events)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
