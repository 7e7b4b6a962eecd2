// Package agent runs the bounded step loop a worker executes for one task.
package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/policy"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Beliefs is the slice of the belief client the loop uses.
// *belief.Client implements it; replay substitutes recorded reads.
type Beliefs interface {
	Read(ctx context.Context, keys []string) (map[string]string, error)
	Write(ctx context.Context, entries []belief.Entry) error
}

// StepObserver receives every step as it finishes.
type StepObserver interface {
	OnStep(step models.AgentStep)
}

// StepObserverFunc adapts a function to StepObserver.
type StepObserverFunc func(step models.AgentStep)

// OnStep implements StepObserver.
func (f StepObserverFunc) OnStep(step models.AgentStep) { f(step) }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sequence hands out step ordinals. A worker shares one across the loops it
// builds so its ordinals keep increasing from task to task.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next ordinal, starting at 1.
func (s *Sequence) Next() int64 { return s.n.Add(1) }

// Options configures a Loop.
type Options struct {
	WorkerID string
	Adapter  adapter.Adapter
	// Policy defaults to an empty chain.
	Policy policy.Evaluator
	// Beliefs is optional. Without it the loop neither reads nor writes beliefs.
	Beliefs Beliefs
	// Skill defaults to CompleteSkill.
	Skill    Skill
	Observer StepObserver
	// Ordinals numbers emitted steps. Nil gives the loop its own sequence.
	Ordinals *Sequence
	// BeliefTTL applies to every belief the skill writes. Zero never expires.
	BeliefTTL time.Duration
	// RetryBase is the first in-step backoff after a rate limit or timeout.
	// It doubles per retry up to RetryMax. RetryAfter hints take precedence.
	RetryBase time.Duration
	RetryMax  time.Duration
	// Sleep defaults to Sleep. Replay passes a no-op.
	Sleep SleepFunc
}

// Loop executes tasks one at a time. Step ordinals increase monotonically
// across every task run against the same Sequence.
type Loop struct {
	opts Options
}

// NewLoop creates a loop.
func NewLoop(opts Options) *Loop {
	if opts.Policy == nil {
		opts.Policy = policy.NewChain()
	}
	if opts.Skill == nil {
		opts.Skill = CompleteSkill{}
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Ordinals == nil {
		opts.Ordinals = &Sequence{}
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 250 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = 10 * time.Second
	}
	return &Loop{opts: opts}
}

// Skill returns the loop's skill.
func (l *Loop) Skill() Skill { return l.opts.Skill }

func (l *Loop) nextOrdinal() int64 { return l.opts.Ordinals.Next() }

// retryDelay is the in-step backoff before the n-th consecutive retry (1-based).
func (l *Loop) retryDelay(n int, ae *adapter.AdapterError) time.Duration {
	if ae.RetryAfter > 0 {
		return ae.RetryAfter
	}
	d := l.opts.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= l.opts.RetryMax {
			return l.opts.RetryMax
		}
	}
	return d
}

// run is the state for one Run call.
type run struct {
	task     models.TaskSpec
	calls    int
	retries  int
	feedback string
	rejected error
	lastText string
	result   models.AgentResult
}

// Run executes task for at most maxSteps steps. Every step, including
// rejected and retried ones, consumes budget.
func (l *Loop) Run(ctx context.Context, task models.TaskSpec, maxSteps int) models.AgentResult {
	r := &run{task: task}
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return r.finish(models.AgentError, "", fmt.Sprintf("cancelled: %v", err))
		}
		if res, done := l.step(ctx, r, i); done {
			return res
		}
	}
	reason := fmt.Sprintf("step budget of %d exhausted", maxSteps)
	if r.feedback != "" {
		reason += ": " + r.feedback
	}
	res := r.finish(models.AgentIncomplete, r.lastText, reason)
	res.Err = r.rejected
	return res
}

func (r *run) finish(status models.AgentStatus, output, reason string) models.AgentResult {
	r.result.Status = status
	r.result.Output = output
	r.result.Reason = reason
	return r.result
}

// reject records a policy denial of what ("prompt" or "response") as the
// feedback for the next step.
func (r *run) reject(what string, err error) {
	r.rejected = fmt.Errorf("%s %w", what, err)
	r.feedback = r.rejected.Error()
}

// step runs step i and reports whether the loop is finished.
func (l *Loop) step(ctx context.Context, r *run, i int) (models.AgentResult, bool) {
	task := r.task
	skill := l.opts.Skill
	st := models.AgentStep{
		WorkerID:     l.opts.WorkerID,
		RunID:        task.RunID,
		TaskID:       task.ID,
		DispatchID:   task.DispatchID,
		Attempt:      task.Attempt,
		Index:        i,
		SkillInvoked: skill.Name(),
	}
	emit := func(outcome models.StepOutcome) {
		st.Outcome = outcome
		st.Ordinal = l.nextOrdinal()
		r.result.Steps = append(r.result.Steps, st)
		r.result.Usage.Add(st.Usage)
		if l.opts.Observer != nil {
			l.opts.Observer.OnStep(st)
		}
	}

	var beliefs map[string]string
	if l.opts.Beliefs != nil {
		got, err := l.opts.Beliefs.Read(ctx, skill.Keys(task))
		if err != nil {
			debugLog("[agent] task %s step %d: belief read failed: %v", task.ID, i, err)
		}
		beliefs = got
	}
	st.Beliefs = beliefs

	st.Prompt = skill.Prompt(task, beliefs, r.feedback)
	env := policy.Env{TaskID: task.ID, DispatchID: task.DispatchID, Step: i, Calls: r.calls}

	pre := l.opts.Policy.Evaluate(ctx, policy.StagePre, policy.Payload{Text: st.Prompt}, env)
	st.PreVerdicts = pre.Verdicts
	if pre.Denied() {
		r.reject("prompt", pre.Err())
		emit(models.StepRejectedPre)
		return models.AgentResult{}, false
	}
	prompt := pre.Payload

	resp, err := l.opts.Adapter.Generate(ctx, prompt, adapter.Context{
		Purpose:  adapter.PurposeStep,
		RunID:    task.RunID,
		TaskID:   task.ID,
		Attempt:  task.Attempt,
		Step:     i,
		Fragment: task.GoalFragment,
	})
	r.calls++
	st.Usage = resp.Usage
	st.ModelResponse = resp.Text

	payload := policy.Payload{Text: resp.Text}
	if err != nil {
		ae, ok := adapter.AsAdapterError(err)
		switch {
		case ctx.Err() != nil:
			st.AdapterError = &models.StepError{Kind: "cancelled", Message: err.Error()}
			emit(models.StepAborted)
			return r.finish(models.AgentError, "", fmt.Sprintf("cancelled: %v", ctx.Err())), true
		case ok && ae.Retryable():
			st.AdapterError = ae.StepError()
			r.retries++
			r.feedback, r.rejected = "", nil
			emit(models.StepAdapterRetry)
			if err := l.opts.Sleep(ctx, l.retryDelay(r.retries, ae)); err != nil {
				return r.finish(models.AgentError, "", fmt.Sprintf("cancelled: %v", err)), true
			}
			return models.AgentResult{}, false
		case ok && ae.Kind == adapter.KindInvalidResponse:
			st.AdapterError = ae.StepError()
			st.ModelResponse = ae.Response
			payload = policy.Payload{Text: ae.Response, Invalid: true}
		default:
			st.AdapterError = &models.StepError{Kind: "fatal", Message: err.Error()}
			emit(models.StepAborted)
			return r.finish(models.AgentError, "", fmt.Sprintf("adapter: %v", err)), true
		}
	}
	r.retries = 0

	post := l.opts.Policy.Evaluate(ctx, policy.StagePost, payload, env)
	st.PostVerdicts = post.Verdicts
	if post.Denied() {
		r.reject("response", post.Err())
		emit(models.StepRejectedPost)
		return models.AgentResult{}, false
	}
	text := post.Payload

	if l.opts.Beliefs != nil {
		entries := skill.Remember(task, text)
		for j := range entries {
			if entries[j].TTL == 0 {
				entries[j].TTL = l.opts.BeliefTTL
			}
		}
		if err := l.opts.Beliefs.Write(ctx, entries); err != nil {
			debugLog("[agent] task %s step %d: belief write failed: %v", task.ID, i, err)
		}
	}

	r.lastText = text
	if out, ok := skill.Satisfied(text); ok {
		emit(models.StepSatisfied)
		return r.finish(models.AgentSatisfied, out, ""), true
	}
	r.feedback, r.rejected = "the response did not finish the task", nil
	emit(models.StepContinue)
	return models.AgentResult{}, false
}
