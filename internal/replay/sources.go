package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/orchestrator"
	"github.com/ShayCichocki/hive/internal/policy"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

type stepRecord struct {
	ordinal int64
	step    models.AgentStep
}

type exchangeRecord struct {
	ordinal  int64
	exchange decompose.Exchange
}

// tracker keeps the first divergence found by any replay source.
type tracker struct {
	mu    sync.Mutex
	first *DivergenceError
}

func (t *tracker) diverge(ordinal int64, kind trace.Kind, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.first == nil {
		t.first = &DivergenceError{Ordinal: ordinal, Kind: kind, Detail: fmt.Sprintf(format, args...)}
	}
}

func (t *tracker) err() *DivergenceError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// Adapter serves recorded model responses: planner exchanges by sequence
// number and agent steps by dispatch and step index. It never calls a provider.
type Adapter struct {
	runID     string
	exchanges map[int]exchangeRecord
	steps     map[string][]stepRecord
	div       *tracker
}

// Generate implements adapter.Adapter.
func (a *Adapter) Generate(ctx context.Context, prompt string, c adapter.Context) (adapter.Response, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Response{}, err
	}
	if c.Purpose == adapter.PurposePlan {
		rec, ok := a.exchanges[c.Step]
		if !ok {
			a.div.diverge(0, trace.KindPlanExchange, "planner made unrecorded call %d", c.Step)
			return adapter.Response{}, fmt.Errorf("no recorded plan exchange %d", c.Step)
		}
		ex := rec.exchange
		if ex.Prompt != prompt {
			a.div.diverge(rec.ordinal, trace.KindPlanExchange, "planner prompt %d differs", c.Step)
		}
		if ex.Error != nil {
			return adapter.Response{}, adapter.FromStepError(ex.Error, ex.Response)
		}
		return adapter.Response{Text: ex.Response}, nil
	}

	did := orchestrator.DispatchID(a.runID, c.TaskID, c.Attempt)
	rec, ok := lookup(a.steps[did], c.Step)
	if !ok {
		a.div.diverge(0, trace.KindAgentStep, "dispatch %s made unrecorded model call at step %d", did, c.Step)
		return adapter.Response{}, fmt.Errorf("no recorded step %d for %s", c.Step, did)
	}
	st := rec.step
	if st.AdapterError != nil {
		return adapter.Response{Usage: st.Usage}, adapter.FromStepError(st.AdapterError, st.ModelResponse)
	}
	return adapter.Response{Text: st.ModelResponse, Usage: st.Usage}, nil
}

// Evaluator applies recorded policy verdicts. The hooks that produced them
// are never run.
type Evaluator struct {
	steps map[string][]stepRecord
	div   *tracker
}

// Evaluate implements policy.Evaluator.
func (e *Evaluator) Evaluate(_ context.Context, stage policy.Stage, p policy.Payload, env policy.Env) policy.ChainResult {
	rec, ok := lookup(e.steps[env.DispatchID], env.Step)
	if !ok {
		e.div.diverge(0, trace.KindAgentStep, "dispatch %s ran unrecorded step %d", env.DispatchID, env.Step)
		return policy.Fold(nil, p.Text)
	}
	if stage == policy.StagePre {
		if p.Text != rec.step.Prompt {
			e.div.diverge(rec.ordinal, trace.KindAgentStep, "prompt for %s step %d differs", env.DispatchID, env.Step)
		}
		return policy.Fold(rec.step.PreVerdicts, p.Text)
	}
	return policy.Fold(rec.step.PostVerdicts, p.Text)
}

// Beliefs returns the belief values each recorded step read, in order.
// Writes are dropped.
type Beliefs struct {
	steps []stepRecord
	next  int
}

// Read implements agent.Beliefs.
func (b *Beliefs) Read(_ context.Context, _ []string) (map[string]string, error) {
	if b.next >= len(b.steps) {
		return nil, nil
	}
	got := b.steps[b.next].step.Beliefs
	b.next++
	return got, nil
}

// Write implements agent.Beliefs.
func (b *Beliefs) Write(context.Context, []belief.Entry) error { return nil }

func lookup(steps []stepRecord, index int) (stepRecord, bool) {
	for _, s := range steps {
		if s.step.Index == index {
			return s, true
		}
	}
	return stepRecord{}, false
}
