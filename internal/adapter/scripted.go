package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrScriptExhausted is returned when a Scripted adapter runs out of replies
// and has no fallback.
var ErrScriptExhausted = errors.New("scripted adapter has no reply left")

// Reply is one scripted answer.
type Reply struct {
	Text string
	Err  error
}

// Text is a successful reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail is a failing reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Scripted replays canned replies: one queue for planning calls and one per
// task ID for step calls. Safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	plan     []Reply
	tasks    map[string][]Reply
	fallback Adapter
	calls    map[string]int
	total    int
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{tasks: make(map[string][]Reply), calls: make(map[string]int)}
}

// OnPlan appends replies for planning calls.
func (s *Scripted) OnPlan(replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = append(s.plan, replies...)
	return s
}

// OnTask appends replies for step calls of one task, across all attempts.
func (s *Scripted) OnTask(taskID string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = append(s.tasks[taskID], replies...)
	return s
}

// WithFallback answers calls the script does not cover.
func (s *Scripted) WithFallback(a Adapter) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = a
	return s
}

// Calls returns the number of Generate calls made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// CallsFor returns the number of step calls made for a task.
func (s *Scripted) CallsFor(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

// Generate implements Adapter.
func (s *Scripted) Generate(ctx context.Context, prompt string, c Context) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	s.total++
	var (
		reply Reply
		ok    bool
	)
	if c.Purpose == PurposePlan {
		if len(s.plan) > 0 {
			reply, s.plan, ok = s.plan[0], s.plan[1:], true
		}
	} else {
		s.calls[c.TaskID]++
		if q := s.tasks[c.TaskID]; len(q) > 0 {
			reply, s.tasks[c.TaskID], ok = q[0], q[1:], true
		}
	}
	fallback := s.fallback
	s.mu.Unlock()

	if !ok {
		if fallback == nil {
			return Response{}, fmt.Errorf("%w: purpose=%s task=%s", ErrScriptExhausted, c.Purpose, c.TaskID)
		}
		return fallback.Generate(ctx, prompt, c)
	}
	if reply.Err != nil {
		return Response{}, reply.Err
	}
	return Response{Text: reply.Text}, nil
}

// Echo is a provider-free adapter for demos and smoke tests. Planning calls
// split the fragment on ";" into a chain of tasks; step calls finish at once.
type Echo struct{}

// Generate implements Adapter.
func (Echo) Generate(_ context.Context, _ string, c Context) (Response, error) {
	if c.Purpose == PurposePlan {
		type candidate struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			DependsOn   []string `json:"depends_on"`
		}
		var out []candidate
		prev := ""
		for _, part := range strings.Split(c.Fragment, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			cand := candidate{Title: part, Description: part}
			if prev != "" {
				cand.DependsOn = []string{prev}
			}
			out = append(out, cand)
			prev = part
		}
		data, err := json.Marshal(out)
		if err != nil {
			return Response{}, err
		}
		return Response{Text: string(data)}, nil
	}
	return Response{Text: c.Fragment + "\nDONE"}, nil
}
