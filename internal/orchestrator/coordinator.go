package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hive/internal/bus"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	// ErrUnknownRun is returned for a handle the coordinator did not issue.
	ErrUnknownRun = errors.New("unknown run")
	// ErrRunCancelled is returned by Wait for a cancelled run, alongside its
	// sealed aggregation.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrDuplicateRun is returned when a goal ID is already in use.
	ErrDuplicateRun = errors.New("duplicate run id")
)

// RunHandle identifies a submitted run.
type RunHandle struct {
	ID string
}

// Coordinator accepts goals and drives each run on its own event loop.
type Coordinator struct {
	id       string
	bus      *bus.Bus
	planner  Planner
	registry *Registry
	recorder Recorder
	store    RunStore
	events   *EventEmitter
	logger   logging.Logger

	mu   sync.Mutex
	runs map[string]*run

	hbSub  *bus.Subscription
	hbDone chan struct{}
}

// New creates a coordinator and starts consuming worker heartbeats.
func New(b *bus.Bus, planner Planner, registry *Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		id:       "coordinator",
		bus:      b,
		planner:  planner,
		registry: registry,
		logger:   logging.Nop{},
		runs:     make(map[string]*run),
		hbDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hbSub = b.Subscribe(c.id+"/heartbeats", func(m models.Message) bool {
		return m.Type == models.MessageHeartbeat && m.Recipient == c.id
	})
	go c.consumeHeartbeats()
	return c
}

// ID returns the coordinator's bus name.
func (c *Coordinator) ID() string { return c.id }

// Registry returns the worker registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

func (c *Coordinator) consumeHeartbeats() {
	defer close(c.hbDone)
	for msg := range c.hbSub.C() {
		var p models.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			debugLog("[coordinator] bad heartbeat %s: %v", msg.ID, err)
			continue
		}
		c.registry.Heartbeat(p.WorkerID)
	}
}

// Close stops heartbeat consumption. Runs still in progress keep going.
func (c *Coordinator) Close() {
	c.hbSub.Close()
	<-c.hbDone
}

type run struct {
	id   string
	goal models.Goal
	cfg  models.RunConfig

	// Owned by the event loop.
	machine  *Machine
	timers   map[string]*time.Timer
	queued   map[string]bool
	saved    int
	timeouts chan string
	backoffs chan string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	mu    sync.Mutex
	state models.RunState
	agg   models.Aggregation
	err   error
}

// Submit starts a run for goal. An empty goal ID is replaced by a new UUID.
// Invalid configuration and planning failures fail the run; they are
// reported by Wait and Status, not here.
func (c *Coordinator) Submit(ctx context.Context, goal models.Goal, cfg models.RunConfig) (RunHandle, error) {
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	r := &run{
		id:       goal.ID,
		goal:     goal,
		cfg:      cfg,
		machine:  NewMachine(goal.ID, goal, cfg),
		timers:   make(map[string]*time.Timer),
		queued:   make(map[string]bool),
		timeouts: make(chan string),
		backoffs: make(chan string),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.state = r.machine.Snapshot()

	c.mu.Lock()
	if _, exists := c.runs[r.id]; exists {
		c.mu.Unlock()
		return RunHandle{}, fmt.Errorf("%w: %s", ErrDuplicateRun, r.id)
	}
	c.runs[r.id] = r
	c.mu.Unlock()

	c.logger.Info("run submitted", "run_id", r.id, "goal", goal.Text)
	go c.drive(context.WithoutCancel(ctx), r)
	return RunHandle{ID: r.id}, nil
}

func (c *Coordinator) lookup(h RunHandle) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, h.ID)
	}
	return r, nil
}

// Status returns the latest snapshot of a run.
func (c *Coordinator) Status(h RunHandle) (models.RunState, error) {
	r, err := c.lookup(h)
	if err != nil {
		return models.RunState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

// Cancel requests cancellation. Cancelling a finished run is a no-op.
func (c *Coordinator) Cancel(h RunHandle) error {
	r, err := c.lookup(h)
	if err != nil {
		return err
	}
	r.cancelOnce.Do(func() { close(r.cancelCh) })
	return nil
}

// Wait blocks until the run finishes or ctx is done. A cancelled run returns
// its sealed aggregation with ErrRunCancelled.
func (c *Coordinator) Wait(ctx context.Context, h RunHandle) (models.Aggregation, error) {
	r, err := c.lookup(h)
	if err != nil {
		return models.Aggregation{}, err
	}
	select {
	case <-ctx.Done():
		return models.Aggregation{}, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agg, r.err
}

// Runs returns the handles of every submitted run, sorted by ID.
func (c *Coordinator) Runs() []RunHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunHandle, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, RunHandle{ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) record(r *run, kind trace.Kind, payload any) {
	if c.recorder != nil {
		c.recorder.Record(r.id, kind, payload)
	}
}

func (c *Coordinator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.events.Emit(ev)
}

type planResult struct {
	graph *graph.TaskGraph
	err   error
}

// drive is the run's event loop. It is the only goroutine touching r.machine.
func (c *Coordinator) drive(ctx context.Context, r *run) {
	defer close(r.done)
	m := r.machine
	m.OnTransition(func(tr Transition) { c.onTransition(r, tr) })

	start := RunStartRecord{RunID: r.id, Goal: r.goal.Text, Config: r.cfg}
	if sp, ok := c.planner.(settingsPlanner); ok {
		s := sp.Settings()
		start.Planner = &s
	}
	c.record(r, trace.KindRunStart, start)
	c.publishState(ctx, r)

	if err := r.cfg.Validate(); err != nil {
		m.Fail(err)
		c.finish(ctx, r)
		return
	}

	sub := c.bus.Subscribe(c.id+"/"+r.id, func(msg models.Message) bool {
		return msg.CorrelationID == r.id && msg.Recipient == c.id &&
			(msg.Type == models.MessageResult || msg.Type == models.MessageError)
	})
	defer sub.Close()

	planCtx, cancelPlan := context.WithCancel(ctx)
	defer cancelPlan()
	planned := make(chan planResult, 1)
	go func() {
		g, err := c.planner.Plan(planCtx, r.goal)
		planned <- planResult{graph: g, err: err}
	}()

	select {
	case <-r.cancelCh:
		cancelPlan()
		c.record(r, trace.KindCancel, CancelRecord{Mode: r.cfg.CancelMode})
		m.Cancel()
		c.finish(ctx, r)
		return
	case pr := <-planned:
		if pr.err != nil {
			c.logger.Error("planning failed", "run_id", r.id, "error", pr.err)
			m.Fail(pr.err)
			c.finish(ctx, r)
			return
		}
		c.record(r, trace.KindRunPlan, PlanRecord{Tasks: pr.graph.Snapshot()})
		c.emit(Event{Type: EventRunStarted, RunID: r.id, Phase: models.RunPhaseRunning, Total: pr.graph.Size(), Message: fmt.Sprintf("%d tasks", pr.graph.Size())})
		c.apply(ctx, r, m.Start(pr.graph))
	}
	c.publishState(ctx, r)

	var tick <-chan time.Time
	if r.cfg.HeartbeatTimeout > 0 {
		interval := r.cfg.HeartbeatTimeout / 2
		if interval < 5*time.Millisecond {
			interval = 5 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	cancelCh := r.cancelCh
	msgs := sub.C()
	for !m.Done() {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				c.busClosed(ctx, r)
				break
			}
			c.record(r, trace.KindReceive, msg)
			c.registry.Release(msg.CausalParentID, true)
			c.stopTimer(r, msg.CausalParentID)
			c.apply(ctx, r, m.Receive(msg))

		case did := <-r.timeouts:
			delete(r.timers, did)
			reason := ErrDispatchTimeout.Error()
			c.record(r, trace.KindTimeout, TimeoutRecord{DispatchID: did, Reason: reason})
			c.registry.Release(did, false)
			c.apply(ctx, r, m.Timeout(did, reason))

		case taskID := <-r.backoffs:
			c.record(r, trace.KindBackoff, BackoffRecord{TaskID: taskID})
			c.apply(ctx, r, m.BackoffElapsed(taskID))

		case <-tick:
			lost := c.registry.Lost(r.id, r.cfg.HeartbeatTimeout)
			workers := make([]string, 0, len(lost))
			for w := range lost {
				workers = append(workers, w)
			}
			sort.Strings(workers)
			for _, w := range workers {
				c.logger.Warn("worker lost", "run_id", r.id, "worker_id", w, "dispatches", len(lost[w]))
				c.emit(Event{Type: EventWorkerLost, RunID: r.id, WorkerID: w})
				c.record(r, trace.KindWorkerLost, WorkerLostRecord{WorkerID: w, DispatchIDs: lost[w]})
				for _, did := range lost[w] {
					c.stopTimer(r, did)
				}
				c.apply(ctx, r, m.WorkerLost(w, lost[w]))
			}

		case <-cancelCh:
			cancelCh = nil
			c.record(r, trace.KindCancel, CancelRecord{Mode: r.cfg.CancelMode})
			c.logger.Info("run cancelled", "run_id", r.id, "mode", r.cfg.CancelMode, "in_flight", m.InFlight())
			m.Cancel()
		}
		c.publishState(ctx, r)
	}
	c.finish(ctx, r)
}

// busClosed handles the loss of the run's subscription. A running run fails.
// A cancelled run that is draining can no longer hear back from its
// dispatches, so they are timed out and the drain ends.
func (c *Coordinator) busClosed(ctx context.Context, r *run) {
	m := r.machine
	if m.Phase() != models.RunPhaseCancelled {
		m.Fail(bus.ErrClosed)
		return
	}
	for _, did := range m.InFlightDispatches() {
		c.stopTimer(r, did)
		c.record(r, trace.KindTimeout, TimeoutRecord{DispatchID: did, Reason: bus.ErrClosed.Error()})
		c.registry.Release(did, false)
		c.apply(ctx, r, m.Timeout(did, bus.ErrClosed.Error()))
	}
}

// apply performs the machine's requested side effects.
func (c *Coordinator) apply(ctx context.Context, r *run, actions []Action) {
	for _, a := range actions {
		switch a.Kind {
		case ActionDispatch:
			c.dispatch(ctx, r, a)
		case ActionBackoff:
			taskID := a.TaskID
			time.AfterFunc(a.Delay, func() {
				select {
				case r.backoffs <- taskID:
				case <-r.done:
				}
			})
		}
	}
	for _, id := range r.machine.Eligible() {
		if !r.queued[id] {
			r.queued[id] = true
			c.emit(Event{Type: EventTaskQueued, RunID: r.id, TaskID: id, Message: "waiting for capacity"})
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, r *run, a Action) {
	delete(r.queued, a.TaskID)
	rec := DispatchRecord{DispatchID: a.DispatchID, TaskID: a.TaskID, Attempt: a.Spec.Attempt}

	fail := func(reason string) {
		rec.Error = reason
		c.record(r, trace.KindDispatch, rec)
		c.record(r, trace.KindTimeout, TimeoutRecord{DispatchID: a.DispatchID, Reason: reason})
		c.apply(ctx, r, r.machine.Timeout(a.DispatchID, reason))
	}

	wid, ok := c.registry.Pick()
	if !ok {
		fail("no live workers")
		return
	}
	rec.WorkerID = wid

	msg, err := models.NewMessage(a.DispatchID, models.MessageDispatch, models.DispatchPayload{Task: a.Spec})
	if err != nil {
		fail(err.Error())
		return
	}
	msg.CorrelationID = r.id
	msg.Sender = c.id
	msg.Recipient = wid

	// Assign before publishing so a fast reply always finds the assignment.
	c.registry.Assign(wid, r.id, a.DispatchID)
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.registry.Release(a.DispatchID, false)
		fail(err.Error())
		return
	}
	r.machine.Assigned(a.DispatchID, wid)
	c.record(r, trace.KindDispatch, rec)

	title := ""
	if t := findTask(r.machine, a.TaskID); t != nil {
		title = t.Title
	}
	c.emit(Event{Type: EventTaskDispatched, RunID: r.id, TaskID: a.TaskID, TaskTitle: title, WorkerID: wid, Attempt: a.Spec.Attempt})

	if r.cfg.DispatchTimeout > 0 {
		did := a.DispatchID
		r.timers[did] = time.AfterFunc(r.cfg.DispatchTimeout, func() {
			select {
			case r.timeouts <- did:
			case <-r.done:
			}
		})
	}
}

func findTask(m *Machine, id string) *models.Task {
	if m.graph == nil {
		return nil
	}
	return m.graph.Task(id)
}

func (c *Coordinator) stopTimer(r *run, dispatchID string) {
	if t, ok := r.timers[dispatchID]; ok {
		t.Stop()
		delete(r.timers, dispatchID)
	}
}

func (c *Coordinator) onTransition(r *run, tr Transition) {
	c.record(r, trace.KindTransition, tr)
	if tr.To == models.TaskStatusDispatched {
		// Emitted by dispatch once the worker is known.
		return
	}
	if ev, ok := eventForTransition(r.id, findTask(r.machine, tr.TaskID), tr); ok {
		c.emit(ev)
	}
}

// publishState refreshes the snapshot read by Status and persists it when
// anything changed.
func (c *Coordinator) publishState(ctx context.Context, r *run) {
	st := r.machine.Snapshot()
	r.mu.Lock()
	changed := st.Phase != r.state.Phase || len(r.machine.transitions) != r.saved
	r.state = st
	r.mu.Unlock()

	if !changed {
		return
	}
	r.saved = len(r.machine.transitions)
	if c.store != nil {
		if err := c.store.SaveRun(ctx, st); err != nil {
			c.logger.Warn("failed to persist run state", "run_id", r.id, "error", err)
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, r *run) {
	m := r.machine
	for did, t := range r.timers {
		t.Stop()
		delete(r.timers, did)
	}
	if m.Phase() == models.RunPhaseCancelled {
		for _, did := range m.InFlightDispatches() {
			c.registry.Release(did, false)
		}
	}

	st := m.Snapshot()
	c.record(r, trace.KindRunEnd, st)
	c.publishState(ctx, r)

	var err error
	switch st.Phase {
	case models.RunPhaseFailed:
		err = m.Err()
	case models.RunPhaseCancelled:
		err = ErrRunCancelled
	}

	r.mu.Lock()
	r.agg = m.Aggregation()
	r.err = err
	r.mu.Unlock()

	c.emit(Event{Type: EventRunDone, RunID: r.id, Phase: st.Phase, Message: st.Error})
	c.logger.Info("run finished", "run_id", r.id, "phase", st.Phase,
		"completed", len(r.agg.Outputs), "failed", len(r.agg.Failures))
}
