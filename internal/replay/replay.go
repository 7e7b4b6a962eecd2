// Package replay re-executes a recorded run and checks that it reproduces
// the same task transitions and the same aggregation.
//
// The coordinator machine is fed the recorded inputs in their recorded order.
// Agent loops are re-run against recorded model responses, policy verdicts
// and belief reads, so no provider or hook is ever called.
package replay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/ShayCichocki/hive/internal/agent"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrDivergence is matched by every *DivergenceError.
var ErrDivergence = errors.New("replay diverged from trace")

// DivergenceError reports the first record the replay could not reproduce.
type DivergenceError struct {
	Ordinal int64
	Kind    trace.Kind
	Detail  string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%v at record %d (%s): %s", ErrDivergence, e.Ordinal, e.Kind, e.Detail)
}

// Is reports whether target is ErrDivergence.
func (e *DivergenceError) Is(target error) bool { return target == ErrDivergence }

// Report summarises a replay.
type Report struct {
	RunID       string
	Phase       models.RunPhase
	Transitions []orchestrator.Transition
	Aggregation models.Aggregation
	// Replanned is true when the planner was re-run from recorded exchanges.
	Replanned bool
	// Dispatches counts re-executed agent loops; Steps counts their steps.
	Dispatches int
	Steps      int
	// Complete is false for a trace without a run.end record.
	Complete bool
}

type options struct {
	skill  agent.Skill
	replan bool
	agents bool
}

// Option configures Replay.
type Option func(*options)

// WithSkill sets the skill agent loops are re-run with. Defaults to agent.CompleteSkill.
func WithSkill(s agent.Skill) Option {
	return func(o *options) { o.skill = s }
}

// WithoutReplan skips re-running the planner.
func WithoutReplan() Option {
	return func(o *options) { o.replan = false }
}

// WithoutAgents skips re-running agent loops and only replays the coordinator.
func WithoutAgents() Option {
	return func(o *options) { o.agents = false }
}

type replayer struct {
	opts  options
	start orchestrator.RunStartRecord
	goal  models.Goal
	m     *orchestrator.Machine
	div   *tracker

	adapter   *Adapter
	evaluator *Evaluator
	steps     map[string][]stepRecord

	recorded []recordedTransition
	next     int
	current  int64

	specs    map[string]models.TaskSpec
	executed map[string]bool
	report   Report
}

type recordedTransition struct {
	ordinal int64
	tr      orchestrator.Transition
}

// Replay re-executes t. A run that cannot be reproduced returns the partial
// report and a *DivergenceError. Malformed traces return other errors.
func Replay(ctx context.Context, t trace.Trace, opts ...Option) (Report, error) {
	o := options{skill: agent.CompleteSkill{}, replan: true, agents: true}
	for _, opt := range opts {
		opt(&o)
	}

	r, err := newReplayer(t, o)
	if err != nil {
		return Report{}, err
	}
	if err := r.run(ctx, t); err != nil {
		return r.finishReport(), err
	}
	return r.finishReport(), nil
}

func newReplayer(t trace.Trace, o options) (*replayer, error) {
	starts := t.Of(trace.KindRunStart)
	if len(starts) == 0 {
		return nil, fmt.Errorf("trace %s has no %s record", t.RunID, trace.KindRunStart)
	}
	r := &replayer{
		opts:     o,
		div:      &tracker{},
		steps:    make(map[string][]stepRecord),
		specs:    make(map[string]models.TaskSpec),
		executed: make(map[string]bool),
	}
	if err := starts[0].Decode(&r.start); err != nil {
		return nil, err
	}
	r.goal = models.Goal{ID: r.start.RunID, Text: r.start.Goal}
	r.report.RunID = r.start.RunID

	exchanges := make(map[int]exchangeRecord)
	for _, rec := range t.Records {
		switch rec.Kind {
		case trace.KindPlanExchange:
			var ex decompose.Exchange
			if err := rec.Decode(&ex); err != nil {
				return nil, err
			}
			exchanges[ex.Seq] = exchangeRecord{ordinal: rec.Ordinal, exchange: ex}
		case trace.KindAgentStep:
			var st models.AgentStep
			if err := rec.Decode(&st); err != nil {
				return nil, err
			}
			r.steps[st.DispatchID] = append(r.steps[st.DispatchID], stepRecord{ordinal: rec.Ordinal, step: st})
		case trace.KindTransition:
			var tr orchestrator.Transition
			if err := rec.Decode(&tr); err != nil {
				return nil, err
			}
			r.recorded = append(r.recorded, recordedTransition{ordinal: rec.Ordinal, tr: tr})
		}
	}
	for did := range r.steps {
		sort.SliceStable(r.steps[did], func(i, j int) bool {
			return r.steps[did][i].step.Index < r.steps[did][j].step.Index
		})
	}

	r.adapter = &Adapter{runID: r.start.RunID, exchanges: exchanges, steps: r.steps, div: r.div}
	r.evaluator = &Evaluator{steps: r.steps, div: r.div}
	r.m = orchestrator.NewMachine(r.start.RunID, r.goal, r.start.Config)
	r.m.OnTransition(r.onTransition)
	return r, nil
}

func (r *replayer) onTransition(tr orchestrator.Transition) {
	r.report.Transitions = append(r.report.Transitions, tr)
	if r.next >= len(r.recorded) {
		r.div.diverge(r.current, trace.KindTransition, "unrecorded transition %s %s -> %s", tr.TaskID, tr.From, tr.To)
		return
	}
	want := r.recorded[r.next]
	r.next++
	if want.tr != tr {
		r.div.diverge(want.ordinal, trace.KindTransition, "recorded %s %s -> %s (attempt %d), replayed %s %s -> %s (attempt %d)",
			want.tr.TaskID, want.tr.From, want.tr.To, want.tr.Attempt, tr.TaskID, tr.From, tr.To, tr.Attempt)
	}
}

func (r *replayer) run(ctx context.Context, t trace.Trace) error {
	if err := r.start.Config.Validate(); err != nil {
		r.m.Fail(err)
	}
	if err := r.replan(ctx, t); err != nil {
		return err
	}

	for _, rec := range t.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.current = rec.Ordinal
		if err := r.apply(ctx, rec); err != nil {
			return err
		}
		if d := r.div.err(); d != nil {
			return d
		}
	}

	if r.report.Complete && r.next < len(r.recorded) {
		missing := r.recorded[r.next]
		return &DivergenceError{Ordinal: missing.ordinal, Kind: trace.KindTransition, Detail: "recorded transition was not reproduced"}
	}
	return nil
}

// replan re-runs the planner over the recorded exchanges and checks it
// produces the recorded plan.
func (r *replayer) replan(ctx context.Context, t trace.Trace) error {
	plans := t.Of(trace.KindRunPlan)
	// Without a recorded plan, planning failed or was cancelled and run.end
	// carries the outcome.
	if !r.opts.replan || r.start.Planner == nil || len(r.adapter.exchanges) == 0 || len(plans) == 0 {
		return nil
	}
	planner, err := decompose.FromSettings(r.adapter, *r.start.Planner)
	if err != nil {
		return err
	}
	r.report.Replanned = true
	g, planErr := planner.Plan(ctx, r.goal)
	if d := r.div.err(); d != nil {
		return d
	}
	if planErr != nil {
		return &DivergenceError{Ordinal: plans[0].Ordinal, Kind: trace.KindRunPlan, Detail: "planner failed: " + planErr.Error()}
	}
	var rec orchestrator.PlanRecord
	if err := plans[0].Decode(&rec); err != nil {
		return err
	}
	if detail := comparePlans(rec.Tasks, g.Snapshot()); detail != "" {
		return &DivergenceError{Ordinal: plans[0].Ordinal, Kind: trace.KindRunPlan, Detail: detail}
	}
	return nil
}

func comparePlans(want, got []models.Task) string {
	if len(want) != len(got) {
		return fmt.Sprintf("recorded plan has %d tasks, replanned %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.ID != g.ID || w.GoalFragment != g.GoalFragment || !slices.Equal(w.DependsOn, g.DependsOn) {
			return fmt.Sprintf("task %d: recorded %s, replanned %s", i, w.ID, g.ID)
		}
	}
	return ""
}

func (r *replayer) apply(ctx context.Context, rec trace.Record) error {
	switch rec.Kind {
	case trace.KindRunPlan:
		var p orchestrator.PlanRecord
		if err := rec.Decode(&p); err != nil {
			return err
		}
		tasks := make([]*models.Task, len(p.Tasks))
		for i := range p.Tasks {
			tasks[i] = p.Tasks[i].Clone()
		}
		g, err := graph.Build(tasks)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Ordinal, err)
		}
		r.actions(r.m.Start(g))

	case trace.KindDispatch:
		var d orchestrator.DispatchRecord
		if err := rec.Decode(&d); err != nil {
			return err
		}
		if _, ok := r.specs[d.DispatchID]; !ok {
			r.div.diverge(rec.Ordinal, rec.Kind, "dispatch %s was not requested by the replayed coordinator", d.DispatchID)
			return nil
		}
		if d.Error == "" {
			r.m.Assigned(d.DispatchID, d.WorkerID)
		}

	case trace.KindReceive:
		var msg models.Message
		if err := rec.Decode(&msg); err != nil {
			return err
		}
		r.rerunAgent(ctx, rec.Ordinal, msg)
		r.actions(r.m.Receive(msg))

	case trace.KindTimeout:
		var t orchestrator.TimeoutRecord
		if err := rec.Decode(&t); err != nil {
			return err
		}
		r.actions(r.m.Timeout(t.DispatchID, t.Reason))

	case trace.KindBackoff:
		var b orchestrator.BackoffRecord
		if err := rec.Decode(&b); err != nil {
			return err
		}
		r.actions(r.m.BackoffElapsed(b.TaskID))

	case trace.KindWorkerLost:
		var w orchestrator.WorkerLostRecord
		if err := rec.Decode(&w); err != nil {
			return err
		}
		r.actions(r.m.WorkerLost(w.WorkerID, w.DispatchIDs))

	case trace.KindCancel:
		r.m.Cancel()

	case trace.KindRunEnd:
		var st models.RunState
		if err := rec.Decode(&st); err != nil {
			return err
		}
		r.report.Complete = true
		r.compareEnd(rec.Ordinal, st)
	}
	return nil
}

func (r *replayer) actions(actions []orchestrator.Action) {
	for _, a := range actions {
		if a.Kind == orchestrator.ActionDispatch {
			r.specs[a.DispatchID] = a.Spec
		}
	}
}

// rerunAgent re-executes the agent loop behind a reply and checks that it
// reaches the reply's outcome.
func (r *replayer) rerunAgent(ctx context.Context, ordinal int64, msg models.Message) {
	did := msg.CausalParentID
	if !r.opts.agents || r.executed[did] {
		return
	}
	spec, ok := r.specs[did]
	steps := r.steps[did]
	if !ok || len(steps) == 0 {
		return
	}
	r.executed[did] = true

	var replayed []models.AgentStep
	loop := agent.NewLoop(agent.Options{
		WorkerID: steps[0].step.WorkerID,
		Adapter:  r.adapter,
		Policy:   r.evaluator,
		Beliefs:  &Beliefs{steps: steps},
		Skill:    r.opts.skill,
		Observer: agent.StepObserverFunc(func(st models.AgentStep) {
			replayed = append(replayed, st)
		}),
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	res := loop.Run(ctx, spec, max(spec.MaxSteps, 1))
	r.report.Dispatches++
	r.report.Steps += len(replayed)

	for i, st := range replayed {
		if i >= len(steps) {
			r.div.diverge(ordinal, trace.KindAgentStep, "dispatch %s ran %d steps, recorded %d", did, len(replayed), len(steps))
			return
		}
		want := steps[i].step
		if st.Outcome != want.Outcome || st.ModelResponse != want.ModelResponse {
			r.div.diverge(steps[i].ordinal, trace.KindAgentStep, "dispatch %s step %d: recorded %s, replayed %s", did, i, want.Outcome, st.Outcome)
			return
		}
	}
	if len(replayed) < len(steps) {
		r.div.diverge(steps[len(replayed)].ordinal, trace.KindAgentStep, "dispatch %s stopped after %d of %d steps", did, len(replayed), len(steps))
		return
	}

	switch msg.Type {
	case models.MessageResult:
		var p models.ResultPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if res.Status != models.AgentSatisfied || res.Output != p.Output {
			r.div.diverge(ordinal, trace.KindReceive, "dispatch %s: recorded result %q, replayed %s %q", did, p.Output, res.Status, res.Output)
		}
	case models.MessageError:
		var p models.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if p.Status != "" && p.Status != res.Status {
			r.div.diverge(ordinal, trace.KindReceive, "dispatch %s: recorded %s, replayed %s", did, p.Status, res.Status)
		}
	}
}

func (r *replayer) compareEnd(ordinal int64, st models.RunState) {
	if st.Phase == models.RunPhaseFailed && !r.m.Phase().Terminal() {
		// Planning failed; the planner's error is the recorded one.
		r.m.Fail(errors.New(st.Error))
	}
	if r.m.Phase() != st.Phase {
		r.div.diverge(ordinal, trace.KindRunEnd, "recorded phase %s, replayed %s", st.Phase, r.m.Phase())
		return
	}
	if st.Aggregation == nil {
		return
	}
	got := r.m.Aggregation()
	if !maps.Equal(got.Outputs, st.Aggregation.Outputs) {
		r.div.diverge(ordinal, trace.KindRunEnd, "aggregated outputs differ")
		return
	}
	if !slices.Equal(got.Failures, st.Aggregation.Failures) {
		r.div.diverge(ordinal, trace.KindRunEnd, "aggregated failures differ")
	}
}

func (r *replayer) finishReport() Report {
	r.report.Phase = r.m.Phase()
	r.report.Aggregation = r.m.Aggregation()
	return r.report
}
