// Package policy implements the ordered guard chain evaluated around every agent step.
//
// Hooks are pure functions of their input, their construction-time
// configuration and the Env passed in by the caller. They hold no mutable
// state, so a recorded sequence of verdicts fully determines a chain's output
// and can stand in for the chain during replay.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrPolicyRejected is reported when a hook denies a payload.
var ErrPolicyRejected = errors.New("policy rejected")

// Stage identifies where in the step a chain runs.
type Stage string

const (
	// StagePre runs on the prompt before the adapter is called.
	StagePre Stage = "pre"
	// StagePost runs on the adapter response.
	StagePost Stage = "post"
)

// Payload is what a hook inspects.
type Payload struct {
	Text string
	// Invalid marks a post-stage response the adapter classified as InvalidResponse.
	Invalid bool
}

// Env carries caller-owned state hooks may read.
type Env struct {
	TaskID     string
	DispatchID string
	// Step is the zero-based step index within the current dispatch.
	Step int
	// Calls is how many adapter calls this dispatch has made so far.
	Calls int
}

// Hook is a single guard.
type Hook interface {
	Name() string
	Check(stage Stage, p Payload, env Env) models.PolicyVerdict
}

// HookFunc adapts a function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(stage Stage, p Payload, env Env) models.PolicyVerdict
}

// Name implements Hook.
func (h HookFunc) Name() string { return h.HookName }

// Check implements Hook.
func (h HookFunc) Check(stage Stage, p Payload, env Env) models.PolicyVerdict {
	v := h.Fn(stage, p, env)
	v.Hook = h.HookName
	return v
}

// ChainResult is the combined outcome of a chain evaluation.
type ChainResult struct {
	// Decision is Deny if any hook denied, Modify if any hook rewrote the
	// payload, and Allow otherwise.
	Decision models.Decision
	// Payload is the payload after all modifications.
	Payload string
	// Reason is the denying hook's reason.
	Reason   string
	Verdicts []models.PolicyVerdict
}

// Denied reports whether the chain rejected the payload.
func (r ChainResult) Denied() bool {
	return r.Decision == models.DecisionDeny
}

// Err wraps ErrPolicyRejected with the denying hook's reason, or returns
// nil when the payload was not denied.
func (r ChainResult) Err() error {
	if !r.Denied() {
		return nil
	}
	return fmt.Errorf("%w by %s", ErrPolicyRejected, r.Reason)
}

// Evaluator is what the agent loop calls at each stage.
// The live Chain and the replay evaluator both implement it.
type Evaluator interface {
	Evaluate(ctx context.Context, stage Stage, p Payload, env Env) ChainResult
}

// Chain runs hooks in registration order.
type Chain struct {
	hooks []Hook
}

// NewChain creates a chain from hooks in the order given.
func NewChain(hooks ...Hook) *Chain {
	return &Chain{hooks: append([]Hook(nil), hooks...)}
}

// Hooks returns the registered hook names in order.
func (c *Chain) Hooks() []string {
	names := make([]string, len(c.hooks))
	for i, h := range c.hooks {
		names[i] = h.Name()
	}
	return names
}

// Evaluate runs every hook, short-circuiting on the first Deny.
// A Modify verdict rewrites the payload seen by later hooks.
func (c *Chain) Evaluate(_ context.Context, stage Stage, p Payload, env Env) ChainResult {
	verdicts := make([]models.PolicyVerdict, 0, len(c.hooks))
	for _, h := range c.hooks {
		v := h.Check(stage, p, env)
		if v.Hook == "" {
			v.Hook = h.Name()
		}
		if v.Decision == "" {
			v.Decision = models.DecisionAllow
		}
		verdicts = append(verdicts, v)
		if v.Decision == models.DecisionDeny {
			break
		}
		if v.Decision == models.DecisionModify {
			p.Text = v.Payload
		}
	}
	return Fold(verdicts, p.Text)
}

// Fold reduces verdicts, in evaluation order, applied to payload into a ChainResult.
// Evaluating a chain and folding its verdicts over the same input give the same result.
func Fold(verdicts []models.PolicyVerdict, payload string) ChainResult {
	res := ChainResult{
		Decision: models.DecisionAllow,
		Payload:  payload,
		Verdicts: verdicts,
	}
	for _, v := range verdicts {
		switch v.Decision {
		case models.DecisionDeny:
			res.Decision = models.DecisionDeny
			res.Reason = v.Hook + ": " + v.Reason
			return res
		case models.DecisionModify:
			res.Decision = models.DecisionModify
			res.Payload = v.Payload
		}
	}
	return res
}

// Allow is a convenience verdict.
func Allow() models.PolicyVerdict {
	return models.PolicyVerdict{Decision: models.DecisionAllow}
}

// Deny is a convenience verdict.
func Deny(reason string) models.PolicyVerdict {
	return models.PolicyVerdict{Decision: models.DecisionDeny, Reason: reason}
}

// Modify is a convenience verdict.
func Modify(payload, reason string) models.PolicyVerdict {
	return models.PolicyVerdict{Decision: models.DecisionModify, Payload: payload, Reason: reason}
}
