// Package adapter defines the model boundary: a prompt goes in, text comes out.
//
// The core depends only on the Adapter interface. Provider variants live in
// this package; the replay variant lives with the replayer.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// Purpose says why the adapter is being called.
type Purpose string

const (
	PurposePlan Purpose = "plan"
	PurposeStep Purpose = "step"
)

// Context is the structured side-channel passed with each prompt.
type Context struct {
	Purpose Purpose
	RunID   string
	TaskID  string
	Attempt int
	Step    int
	// Fragment is the goal text being planned or the task's goal fragment.
	Fragment string
	// System is an optional system prompt.
	System string
}

// Response is a model reply.
type Response struct {
	Text    string
	Usage   models.TokenUsage
	Latency time.Duration
}

// Adapter turns a prompt into a model response.
type Adapter interface {
	Generate(ctx context.Context, prompt string, c Context) (Response, error)
}

// Func adapts a function to the Adapter interface.
type Func func(ctx context.Context, prompt string, c Context) (Response, error)

// Generate implements Adapter.
func (f Func) Generate(ctx context.Context, prompt string, c Context) (Response, error) {
	return f(ctx, prompt, c)
}

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	// KindRateLimited is retryable after a backoff.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout is retryable.
	KindTimeout ErrorKind = "timeout"
	// KindInvalidResponse is not retried blindly; the response goes to the post-check.
	KindInvalidResponse ErrorKind = "invalid_response"
)

// AdapterError is a classified adapter failure.
type AdapterError struct {
	Kind ErrorKind
	// Response holds the raw text for KindInvalidResponse.
	Response string
	// RetryAfter is a provider hint for KindRateLimited, zero if absent.
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapter %s: %v", e.Kind, e.Err)
	}
	return "adapter " + string(e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether the agent loop may retry the call within its step budget.
func (e *AdapterError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// StepError converts the error to its recorded form.
func (e *AdapterError) StepError() *models.StepError {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &models.StepError{Kind: string(e.Kind), Message: msg}
}

// FromStepError rebuilds an AdapterError from its recorded form.
func FromStepError(se *models.StepError, response string) *AdapterError {
	if se == nil {
		return nil
	}
	var err error
	if se.Message != "" {
		err = errors.New(se.Message)
	}
	return &AdapterError{Kind: ErrorKind(se.Kind), Response: response, Err: err}
}

// RateLimited builds a rate limit error.
func RateLimited(err error) *AdapterError { return &AdapterError{Kind: KindRateLimited, Err: err} }

// Timeout builds a timeout error.
func Timeout(err error) *AdapterError { return &AdapterError{Kind: KindTimeout, Err: err} }

// InvalidResponse builds an invalid response error carrying the raw text.
func InvalidResponse(text string, err error) *AdapterError {
	return &AdapterError{Kind: KindInvalidResponse, Response: text, Err: err}
}

// AsAdapterError extracts a classified error.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// classifyStatus maps a provider HTTP status to a kind. ok is false for
// statuses that are not classified (they surface as plain errors).
func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout, true
	// 529 is Anthropic's "overloaded"; treated like a rate limit.
	case status == 529:
		return KindRateLimited, true
	}
	return "", false
}

// classify wraps err as an AdapterError when it is a deadline or a classified
// provider status. ctx is the caller's context: a cancelled caller is not a
// timeout and is returned unwrapped.
func classify(ctx context.Context, err error, status int) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.Canceled {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	if kind, ok := classifyStatus(status); ok {
		return &AdapterError{Kind: kind, Err: err}
	}
	return err
}

// WithTimeout bounds every call to a with d, reporting overruns as KindTimeout.
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		return a
	}
	return Func(func(ctx context.Context, prompt string, c Context) (Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		resp, err := a.Generate(callCtx, prompt, c)
		if err != nil && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			if _, ok := AsAdapterError(err); !ok {
				return resp, Timeout(err)
			}
		}
		return resp, err
	})
}
