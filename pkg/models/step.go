package models

// Decision is the outcome of a single policy hook.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionModify Decision = "modify"
)

// PolicyVerdict is what one hook decided about one payload.
type PolicyVerdict struct {
	Hook     string   `json:"hook"`
	Decision Decision `json:"decision"`
	// Payload is the rewritten payload for DecisionModify.
	Payload string `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TokenUsage captures token accounting for a model call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// StepOutcome records how an agent step ended.
type StepOutcome string

const (
	// StepContinue means the response passed policy but did not satisfy the skill.
	StepContinue StepOutcome = "continue"
	// StepSatisfied means the skill's termination predicate held.
	StepSatisfied StepOutcome = "satisfied"
	// StepRejectedPre means the pre-check denied the prompt; the adapter was not called.
	StepRejectedPre StepOutcome = "rejected_pre"
	// StepRejectedPost means the post-check denied the response.
	StepRejectedPost StepOutcome = "rejected_post"
	// StepAdapterRetry means the adapter failed with a retryable error.
	StepAdapterRetry StepOutcome = "adapter_retry"
	// StepAborted means the step hit an unrecoverable error.
	StepAborted StepOutcome = "aborted"
)

// StepError is the serialisable form of an adapter failure inside a step.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AgentStep is one iteration of the agent loop.
type AgentStep struct {
	// Ordinal is a per-agent monotonically increasing sequence number.
	Ordinal    int64  `json:"ordinal"`
	WorkerID   string `json:"worker_id"`
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	DispatchID string `json:"dispatch_id"`
	Attempt    int    `json:"attempt"`
	Index      int    `json:"index"`

	Prompt        string            `json:"prompt"`
	ModelResponse string            `json:"model_response,omitempty"`
	AdapterError  *StepError        `json:"adapter_error,omitempty"`
	Usage         TokenUsage        `json:"usage"`
	PreVerdicts   []PolicyVerdict   `json:"pre_verdicts,omitempty"`
	PostVerdicts  []PolicyVerdict   `json:"post_verdicts,omitempty"`
	SkillInvoked  string            `json:"skill_invoked"`
	Beliefs       map[string]string `json:"beliefs,omitempty"`
	Outcome       StepOutcome       `json:"outcome"`
}

// PolicyVerdicts returns pre- and post-check verdicts in evaluation order.
func (s AgentStep) PolicyVerdicts() []PolicyVerdict {
	out := make([]PolicyVerdict, 0, len(s.PreVerdicts)+len(s.PostVerdicts))
	out = append(out, s.PreVerdicts...)
	return append(out, s.PostVerdicts...)
}

// AgentStatus is the terminal status of an agent loop run.
type AgentStatus string

const (
	// AgentSatisfied means the skill's termination predicate held.
	AgentSatisfied AgentStatus = "satisfied"
	// AgentIncomplete means the step budget ran out. Recoverable at task level.
	AgentIncomplete AgentStatus = "incomplete"
	// AgentError means the loop hit a non-retryable adapter error or was cancelled.
	AgentError AgentStatus = "error"
)

// AgentResult is what the agent loop returns for one dispatch.
type AgentResult struct {
	Status AgentStatus `json:"status"`
	Output string      `json:"output,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Steps  []AgentStep `json:"steps,omitempty"`
	Usage  TokenUsage  `json:"usage"`
	// Err is the cause of a non-satisfied result when one is known, such as
	// the policy rejection that used up the step budget.
	Err error `json:"-"`
}
