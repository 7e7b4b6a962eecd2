package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrDispatchTimeout is the failure reason for an attempt that did not report in time.
var ErrDispatchTimeout = errors.New("dispatch timeout")

// ActionKind identifies a side effect the Machine asks its driver to perform.
type ActionKind string

const (
	// ActionDispatch asks the driver to send Spec to a worker.
	ActionDispatch ActionKind = "dispatch"
	// ActionBackoff asks the driver to call BackoffElapsed(TaskID) after Delay.
	ActionBackoff ActionKind = "backoff"
)

// Action is a side effect requested by the Machine.
type Action struct {
	Kind   ActionKind
	TaskID string
	// DispatchID and Spec are set for ActionDispatch.
	DispatchID string
	Spec       models.TaskSpec
	// Delay is set for ActionBackoff.
	Delay time.Duration
}

// Transition is one task status change.
type Transition struct {
	TaskID  string            `json:"task_id"`
	From    models.TaskStatus `json:"from"`
	To      models.TaskStatus `json:"to"`
	Attempt int               `json:"attempt"`
	Reason  string            `json:"reason,omitempty"`
}

// Machine is the coordinator's run state machine. It performs no I/O and
// reads no clock: every input arrives through a method call and every side
// effect leaves as an Action, so the same inputs always produce the same
// transitions. A Machine is owned by one goroutine.
type Machine struct {
	runID string
	goal  models.Goal
	cfg   models.RunConfig

	phase models.RunPhase
	err   error
	graph *graph.TaskGraph

	// inflight maps task ID to the dispatch ID of its current attempt.
	inflight map[string]string
	// dispatches maps every dispatch ID ever issued to its task.
	dispatches map[string]string
	// backedOff holds retrying tasks whose backoff has elapsed.
	backedOff map[string]bool
	// seen holds processed result and error message IDs.
	seen map[string]bool

	failures     []models.TaskFailure
	sealed       *models.Aggregation
	transitions  []Transition
	onTransition func(Transition)
}

// NewMachine creates a machine in the planning phase.
func NewMachine(runID string, goal models.Goal, cfg models.RunConfig) *Machine {
	return &Machine{
		runID:      runID,
		goal:       goal,
		cfg:        cfg,
		phase:      models.RunPhasePlanning,
		inflight:   make(map[string]string),
		dispatches: make(map[string]string),
		backedOff:  make(map[string]bool),
		seen:       make(map[string]bool),
	}
}

// OnTransition registers a callback invoked synchronously for every transition.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.onTransition = fn
}

// Phase returns the run phase.
func (m *Machine) Phase() models.RunPhase { return m.phase }

// Err returns the run-fatal error for a failed run.
func (m *Machine) Err() error { return m.err }

// Transitions returns every transition so far, in order.
func (m *Machine) Transitions() []Transition {
	return append([]Transition(nil), m.transitions...)
}

// InFlight returns the number of dispatches awaiting a reply.
func (m *Machine) InFlight() int { return len(m.inflight) }

// TaskForDispatch returns the task a dispatch ID was issued for.
func (m *Machine) TaskForDispatch(dispatchID string) (string, bool) {
	id, ok := m.dispatches[dispatchID]
	return id, ok
}

// Fail ends the run with a run-fatal error.
func (m *Machine) Fail(err error) {
	if m.phase.Terminal() {
		return
	}
	m.phase = models.RunPhaseFailed
	m.err = err
	debugLog("[machine] run %s failed: %v", m.runID, err)
}

// Start moves the run to running with g as its plan and dispatches the
// initially eligible tasks.
func (m *Machine) Start(g *graph.TaskGraph) []Action {
	if m.phase != models.RunPhasePlanning {
		return nil
	}
	m.graph = g
	m.phase = models.RunPhaseRunning
	debugLog("[machine] run %s started with %d tasks", m.runID, g.Size())
	return m.advance()
}

// DispatchID is the deterministic ID of a task attempt's dispatch message.
func DispatchID(runID, taskID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, taskID, attempt)
}

// eligible lists tasks that may be dispatched now, in plan order.
func (m *Machine) eligible() []string {
	var out []string
	for _, id := range m.graph.IDs() {
		t := m.graph.Task(id)
		switch t.Status {
		case models.TaskStatusPending:
			if m.graph.DependenciesMet(id) {
				out = append(out, id)
			}
		case models.TaskStatusRetrying:
			if m.backedOff[id] {
				out = append(out, id)
			}
		}
	}
	return out
}

// Eligible returns the IDs of tasks that would be dispatched given free capacity.
func (m *Machine) Eligible() []string {
	if m.graph == nil || m.phase != models.RunPhaseRunning {
		return nil
	}
	return m.eligible()
}

// advance dispatches eligible tasks up to MaxConcurrency and completes the
// run when every task is terminal.
func (m *Machine) advance() []Action {
	if m.phase != models.RunPhaseRunning {
		return nil
	}
	var actions []Action
	for _, id := range m.eligible() {
		if len(m.inflight) >= m.cfg.MaxConcurrency {
			break
		}
		actions = append(actions, m.dispatch(id))
	}
	if len(m.inflight) == 0 && m.graph.AllTerminal() {
		m.phase = models.RunPhaseCompleted
		debugLog("[machine] run %s completed", m.runID)
	}
	return actions
}

func (m *Machine) dispatch(taskID string) Action {
	t := m.graph.Task(taskID)
	t.AttemptCount++
	did := DispatchID(m.runID, taskID, t.AttemptCount)
	m.inflight[taskID] = did
	m.dispatches[did] = taskID
	delete(m.backedOff, taskID)
	t.AssignedWorker = ""
	m.transition(t, models.TaskStatusDispatched, "")

	deps := make(map[string]string, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		deps[dep] = m.graph.Task(dep).Output
	}
	return Action{
		Kind:       ActionDispatch,
		TaskID:     taskID,
		DispatchID: did,
		Spec: models.TaskSpec{
			ID:                taskID,
			RunID:             m.runID,
			DispatchID:        did,
			Title:             t.Title,
			GoalFragment:      t.GoalFragment,
			Goal:              m.goal.Text,
			Attempt:           t.AttemptCount,
			MaxSteps:          m.cfg.MaxStepsPerTask,
			DependencyOutputs: deps,
		},
	}
}

// Assigned records which worker received a dispatch.
func (m *Machine) Assigned(dispatchID, workerID string) {
	taskID, ok := m.dispatches[dispatchID]
	if !ok || m.inflight[taskID] != dispatchID {
		return
	}
	m.graph.Task(taskID).AssignedWorker = workerID
}

func (m *Machine) transition(t *models.Task, to models.TaskStatus, reason string) {
	tr := Transition{TaskID: t.ID, From: t.Status, To: to, Attempt: t.AttemptCount, Reason: reason}
	t.Status = to
	m.transitions = append(m.transitions, tr)
	debugLog("[machine] run %s task %s: %s -> %s (attempt %d) %s", m.runID, t.ID, tr.From, to, tr.Attempt, reason)
	if m.onTransition != nil {
		m.onTransition(tr)
	}
}

// current resolves a reply's dispatch ID to its task if that dispatch is
// still the task's in-flight attempt.
func (m *Machine) current(dispatchID string) (*models.Task, bool) {
	taskID, ok := m.dispatches[dispatchID]
	if !ok || m.inflight[taskID] != dispatchID {
		return nil, false
	}
	return m.graph.Task(taskID), true
}

// Receive applies a result or error message. Messages are deduplicated by
// ID, and replies to a dispatch that is no longer in flight are ignored.
func (m *Machine) Receive(msg models.Message) []Action {
	if m.graph == nil {
		return nil
	}
	if msg.Type != models.MessageResult && msg.Type != models.MessageError {
		return nil
	}
	if m.seen[msg.ID] {
		debugLog("[machine] run %s: duplicate message %s ignored", m.runID, msg.ID)
		return nil
	}
	m.seen[msg.ID] = true

	t, ok := m.current(msg.CausalParentID)
	if !ok {
		debugLog("[machine] run %s: stale message %s for dispatch %s ignored", m.runID, msg.ID, msg.CausalParentID)
		return nil
	}

	if msg.Type == models.MessageResult {
		var p models.ResultPayload
		if err := msg.Decode(&p); err != nil {
			return m.attemptFailed(t, fmt.Sprintf("undecodable result: %v", err), true)
		}
		delete(m.inflight, t.ID)
		t.Output = p.Output
		t.Error = ""
		m.transition(t, models.TaskStatusCompleted, "")
		return m.advance()
	}

	var p models.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		return m.attemptFailed(t, fmt.Sprintf("undecodable error: %v", err), true)
	}
	reason := p.Reason
	if p.Status != "" {
		reason = fmt.Sprintf("%s: %s", p.Status, p.Reason)
	}
	return m.attemptFailed(t, reason, p.Recoverable)
}

// Timeout fails the attempt for dispatchID if it is still in flight.
// Dispatch deadlines, bus delivery failures and lost workers all arrive here.
func (m *Machine) Timeout(dispatchID, reason string) []Action {
	if m.graph == nil {
		return nil
	}
	t, ok := m.current(dispatchID)
	if !ok {
		return nil
	}
	if reason == "" {
		reason = ErrDispatchTimeout.Error()
	}
	return m.attemptFailed(t, reason, true)
}

// WorkerLost fails every listed attempt still in flight.
func (m *Machine) WorkerLost(workerID string, dispatchIDs []string) []Action {
	var actions []Action
	for _, did := range dispatchIDs {
		actions = append(actions, m.Timeout(did, fmt.Sprintf("worker %s lost", workerID))...)
	}
	return actions
}

// attemptFailed retries t while AttemptCount <= MaxRetries, otherwise fails it
// and every descendant. Unrecoverable failures skip the retry budget.
func (m *Machine) attemptFailed(t *models.Task, reason string, recoverable bool) []Action {
	delete(m.inflight, t.ID)
	t.Error = reason

	if recoverable && t.AttemptCount <= m.cfg.MaxRetries && m.phase == models.RunPhaseRunning {
		m.transition(t, models.TaskStatusRetrying, reason)
		actions := []Action{{
			Kind:   ActionBackoff,
			TaskID: t.ID,
			Delay:  m.cfg.Backoff(t.AttemptCount),
		}}
		return append(actions, m.advance()...)
	}

	m.transition(t, models.TaskStatusFailed, reason)
	m.recordFailure(models.TaskFailure{TaskID: t.ID, Reason: reason, Attempts: t.AttemptCount})
	for _, id := range m.graph.Descendants(t.ID) {
		d := m.graph.Task(id)
		if d.Status.Terminal() {
			continue
		}
		why := fmt.Sprintf("dependency %s failed", t.ID)
		d.Error = why
		m.transition(d, models.TaskStatusFailed, why)
		m.recordFailure(models.TaskFailure{TaskID: id, Reason: why, Attempts: d.AttemptCount, Cause: t.ID})
	}
	return m.advance()
}

func (m *Machine) recordFailure(f models.TaskFailure) {
	m.failures = append(m.failures, f)
}

// BackoffElapsed makes a retrying task eligible again.
func (m *Machine) BackoffElapsed(taskID string) []Action {
	if m.graph == nil {
		return nil
	}
	t := m.graph.Task(taskID)
	if t == nil || t.Status != models.TaskStatusRetrying {
		return nil
	}
	m.backedOff[taskID] = true
	return m.advance()
}

// Cancel stops all further dispatches and seals the aggregation.
func (m *Machine) Cancel() {
	if m.phase.Terminal() {
		return
	}
	if m.graph != nil {
		agg := m.aggregate()
		m.sealed = &agg
	} else {
		m.sealed = &models.Aggregation{Outputs: map[string]string{}}
	}
	m.phase = models.RunPhaseCancelled
	debugLog("[machine] run %s cancelled with %d in flight", m.runID, len(m.inflight))
}

// Done reports whether the driver can stop. A cancelled run in drain mode
// is done once nothing is in flight.
func (m *Machine) Done() bool {
	switch m.phase {
	case models.RunPhaseCompleted, models.RunPhaseFailed:
		return true
	case models.RunPhaseCancelled:
		return m.cfg.CancelMode != models.CancelDrain || len(m.inflight) == 0
	}
	return false
}

// InFlightDispatches returns the dispatch IDs awaiting replies, in plan order.
func (m *Machine) InFlightDispatches() []string {
	if m.graph == nil {
		return nil
	}
	var out []string
	for _, id := range m.graph.IDs() {
		if did, ok := m.inflight[id]; ok {
			out = append(out, did)
		}
	}
	return out
}

func (m *Machine) aggregate() models.Aggregation {
	agg := models.Aggregation{Outputs: make(map[string]string)}
	for _, id := range m.graph.IDs() {
		if t := m.graph.Task(id); t.Status == models.TaskStatusCompleted {
			agg.Outputs[id] = t.Output
		}
	}
	agg.Failures = append([]models.TaskFailure(nil), m.failures...)
	return agg
}

// Aggregation returns the run output: the sealed aggregation for a
// cancelled run, otherwise every completed output and every failure so far.
func (m *Machine) Aggregation() models.Aggregation {
	if m.sealed != nil {
		sealed := *m.sealed
		sealed.Outputs = make(map[string]string, len(m.sealed.Outputs))
		for k, v := range m.sealed.Outputs {
			sealed.Outputs[k] = v
		}
		sealed.Failures = append([]models.TaskFailure(nil), m.sealed.Failures...)
		return sealed
	}
	if m.graph == nil {
		return models.Aggregation{Outputs: map[string]string{}}
	}
	return m.aggregate()
}

// Snapshot returns the run state.
func (m *Machine) Snapshot() models.RunState {
	st := models.RunState{RunID: m.runID, Goal: m.goal.Text, Phase: m.phase}
	if m.graph != nil {
		st.Tasks = m.graph.Snapshot()
	}
	if m.phase.Terminal() && m.phase != models.RunPhaseFailed {
		agg := m.Aggregation()
		st.Aggregation = &agg
	}
	if m.err != nil {
		st.Error = m.err.Error()
	}
	return st
}
