package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/internal/policy"
	"github.com/ShayCichocki/hive/pkg/models"
)

var testTask = models.TaskSpec{
	ID:           "t1",
	RunID:        "run-1",
	DispatchID:   "m1",
	Title:        "summarise",
	GoalFragment: "summarise the findings",
	Goal:         "write a report",
	Attempt:      1,
}

type sleepRecorder struct {
	slept []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return nil
}

func outcomes(res models.AgentResult) []models.StepOutcome {
	out := make([]models.StepOutcome, len(res.Steps))
	for i, s := range res.Steps {
		out[i] = s.Outcome
	}
	return out
}

func TestRun_SatisfiedFirstStep(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1", adapter.Text("the summary\nDONE"))
	res := NewLoop(Options{WorkerID: "w1", Adapter: a}).Run(context.Background(), testTask, 3)

	if res.Status != models.AgentSatisfied {
		t.Fatalf("Status = %s (%s), want satisfied", res.Status, res.Reason)
	}
	if res.Output != "the summary" {
		t.Errorf("Output = %q, want marker stripped", res.Output)
	}
	step := res.Steps[0]
	if step.WorkerID != "w1" || step.DispatchID != "m1" || step.SkillInvoked != "complete" || step.Ordinal != 1 {
		t.Errorf("step = %+v", step)
	}
	if !strings.Contains(step.Prompt, "summarise the findings") {
		t.Errorf("prompt is missing the fragment: %q", step.Prompt)
	}
}

func TestRun_PreCheckDenySkipsAdapter(t *testing.T) {
	denyFirst := policy.HookFunc{HookName: "first-step", Fn: func(stage policy.Stage, p policy.Payload, env policy.Env) models.PolicyVerdict {
		if stage == policy.StagePre && env.Step == 0 {
			return policy.Deny("not yet")
		}
		return policy.Allow()
	}}
	a := adapter.NewScripted().OnTask("t1", adapter.Text("DONE"))

	res := NewLoop(Options{Adapter: a, Policy: policy.NewChain(denyFirst)}).Run(context.Background(), testTask, 3)

	if res.Status != models.AgentSatisfied {
		t.Fatalf("Status = %s (%s), want satisfied", res.Status, res.Reason)
	}
	if got := outcomes(res); !slices.Equal(got, []models.StepOutcome{models.StepRejectedPre, models.StepSatisfied}) {
		t.Errorf("outcomes = %v", got)
	}
	if a.CallsFor("t1") != 1 {
		t.Errorf("adapter calls = %d, want 1", a.CallsFor("t1"))
	}
	if res.Steps[0].ModelResponse != "" || len(res.Steps[0].PreVerdicts) != 1 {
		t.Errorf("rejected step = %+v", res.Steps[0])
	}
	if !strings.Contains(res.Steps[1].Prompt, "first-step: not yet") {
		t.Errorf("second prompt does not carry the rejection: %q", res.Steps[1].Prompt)
	}
}

func TestRun_AlwaysDeniedIsIncomplete(t *testing.T) {
	a := adapter.NewScripted()
	chain := policy.NewChain(policy.MaxLength(1, policy.StagePre))

	res := NewLoop(Options{Adapter: a, Policy: chain}).Run(context.Background(), testTask, 2)

	if res.Status != models.AgentIncomplete {
		t.Fatalf("Status = %s, want incomplete", res.Status)
	}
	if a.Calls() != 0 {
		t.Errorf("adapter calls = %d, want 0", a.Calls())
	}
	if !strings.Contains(res.Reason, "max_length") {
		t.Errorf("Reason = %q, want the denying hook", res.Reason)
	}
	if !errors.Is(res.Err, policy.ErrPolicyRejected) {
		t.Errorf("Err = %v, want ErrPolicyRejected", res.Err)
	}
}

func TestRun_RetryableErrorsBackOffWithinBudget(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1",
		adapter.Fail(adapter.RateLimited(errors.New("429"))),
		adapter.Fail(&adapter.AdapterError{Kind: adapter.KindRateLimited, RetryAfter: 7 * time.Second}),
		adapter.Fail(adapter.Timeout(errors.New("deadline"))),
		adapter.Text("DONE"),
	)
	rec := &sleepRecorder{}

	res := NewLoop(Options{
		Adapter:   a,
		RetryBase: time.Second,
		RetryMax:  time.Minute,
		Sleep:     rec.sleep,
	}).Run(context.Background(), testTask, 4)

	if res.Status != models.AgentSatisfied {
		t.Fatalf("Status = %s (%s), want satisfied", res.Status, res.Reason)
	}
	want := []time.Duration{time.Second, 7 * time.Second, 4 * time.Second}
	if !slices.Equal(rec.slept, want) {
		t.Errorf("sleeps = %v, want %v", rec.slept, want)
	}
	if res.Steps[0].AdapterError == nil || res.Steps[0].AdapterError.Kind != "rate_limited" {
		t.Errorf("first step error = %+v", res.Steps[0].AdapterError)
	}
}

func TestRun_RetriesConsumeBudget(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1",
		adapter.Fail(adapter.Timeout(nil)),
		adapter.Fail(adapter.Timeout(nil)),
	)
	rec := &sleepRecorder{}
	res := NewLoop(Options{Adapter: a, Sleep: rec.sleep}).Run(context.Background(), testTask, 2)

	if res.Status != models.AgentIncomplete || len(res.Steps) != 2 {
		t.Errorf("Status = %s steps = %d, want incomplete after 2", res.Status, len(res.Steps))
	}
}

func TestRun_InvalidResponseGoesThroughPostCheck(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1",
		adapter.Fail(adapter.InvalidResponse("", errors.New("empty"))),
		adapter.Text("ok\nDONE"),
	)
	chain := policy.NewChain(policy.RequireNonEmpty())

	res := NewLoop(Options{Adapter: a, Policy: chain, Sleep: (&sleepRecorder{}).sleep}).Run(context.Background(), testTask, 3)

	if res.Status != models.AgentSatisfied {
		t.Fatalf("Status = %s (%s), want satisfied", res.Status, res.Reason)
	}
	if got := outcomes(res); !slices.Equal(got, []models.StepOutcome{models.StepRejectedPost, models.StepSatisfied}) {
		t.Errorf("outcomes = %v", got)
	}
	if res.Steps[0].AdapterError == nil || res.Steps[0].AdapterError.Kind != "invalid_response" {
		t.Errorf("first step error = %+v", res.Steps[0].AdapterError)
	}
}

func TestRun_InvalidResponseWithoutGuardIsUsed(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1", adapter.Fail(adapter.InvalidResponse("half a thought DONE", nil)))
	res := NewLoop(Options{Adapter: a}).Run(context.Background(), testTask, 1)
	if res.Status != models.AgentSatisfied || res.Output != "half a thought DONE" {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_FatalAdapterError(t *testing.T) {
	a := adapter.NewScripted().OnTask("t1", adapter.Fail(errors.New("auth failed")))
	res := NewLoop(Options{Adapter: a}).Run(context.Background(), testTask, 5)

	if res.Status != models.AgentError {
		t.Fatalf("Status = %s, want error", res.Status)
	}
	if len(res.Steps) != 1 || res.Steps[0].Outcome != models.StepAborted {
		t.Errorf("steps = %+v", res.Steps)
	}
}

func TestRun_ModifyRewritesOutputAndBeliefsCarryOver(t *testing.T) {
	redact, err := policy.Redact([]policy.RedactRule{{Pattern: `sk-[a-z0-9]+`}}, policy.StagePost)
	if err != nil {
		t.Fatalf("Redact() error = %v", err)
	}
	store := belief.NewMemoryStore()
	beliefs := belief.NewClient(store, "run-1")
	a := adapter.NewScripted().OnTask("t1",
		adapter.Text("key is sk-abc123, still working"),
		adapter.Text("finished\nDONE"),
	)

	res := NewLoop(Options{
		Adapter: a,
		Policy:  policy.NewChain(redact),
		Beliefs: beliefs,
	}).Run(context.Background(), testTask, 3)

	if res.Status != models.AgentSatisfied {
		t.Fatalf("Status = %s (%s), want satisfied", res.Status, res.Reason)
	}
	second := res.Steps[1]
	if got := second.Beliefs[NotesKey("t1")]; got != "key is [REDACTED], still working" {
		t.Errorf("second step read notes %q", got)
	}
	if strings.Contains(second.Prompt, "sk-abc123") {
		t.Errorf("redacted text leaked into the next prompt")
	}
	stored, err := beliefs.Get(context.Background(), NotesKey("t1"))
	if err != nil || stored != "finished\nDONE" {
		t.Errorf("stored notes = %q, %v", stored, err)
	}
}

func TestRun_OrdinalsAndObserver(t *testing.T) {
	var seen []int64
	obs := StepObserverFunc(func(s models.AgentStep) { seen = append(seen, s.Ordinal) })
	a := adapter.NewScripted().
		OnTask("t1", adapter.Text("working"), adapter.Text("DONE")).
		OnTask("t2", adapter.Text("DONE"))
	loop := NewLoop(Options{Adapter: a, Observer: obs})

	loop.Run(context.Background(), testTask, 3)
	other := testTask
	other.ID = "t2"
	loop.Run(context.Background(), other, 3)

	if !slices.Equal(seen, []int64{1, 2, 3}) {
		t.Errorf("ordinals = %v, want [1 2 3]", seen)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := adapter.NewScripted()
	res := NewLoop(Options{Adapter: a}).Run(ctx, testTask, 3)
	if res.Status != models.AgentError || a.Calls() != 0 {
		t.Errorf("result = %+v calls = %d", res, a.Calls())
	}
}

func TestCompleteSkill(t *testing.T) {
	s := CompleteSkill{}
	tests := []struct {
		response string
		wantOut  string
		wantOK   bool
	}{
		{"result\nDONE", "result", true},
		{"result\n  done.  \n", "result", true},
		{"DONE", "DONE", true},
		{"still working", "", false},
		{"abandoned", "", false},
	}
	for _, tt := range tests {
		out, ok := s.Satisfied(tt.response)
		if ok != tt.wantOK || out != tt.wantOut {
			t.Errorf("Satisfied(%q) = %q, %v; want %q, %v", tt.response, out, ok, tt.wantOut, tt.wantOK)
		}
	}

	spec := testTask
	spec.DependencyOutputs = map[string]string{"t0": "numbers"}
	p := s.Prompt(spec, map[string]string{NotesKey("t1"): "half done"}, "too long")
	for _, want := range []string{"write a report", "numbers", "half done", "too long", "DONE"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
