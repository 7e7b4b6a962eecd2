// Package decompose turns a goal into a task graph.
//
// A Planner repeatedly asks the model adapter to split the first unexpanded
// fragment of each partial decomposition, scores the resulting partials and
// keeps the best ones according to its Strategy. Given the same goal, adapter
// responses and seed, Plan returns the same graph with the same task IDs.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/ShayCichocki/hive/internal/adapter"
	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/pkg/models"
)

// DecompositionError is returned when a goal cannot be reduced to a valid task graph.
// It is fatal to the run.
type DecompositionError struct {
	Goal   string
	Reason string
	Err    error
}

func (e *DecompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decompose %q: %s: %v", e.Goal, e.Reason, e.Err)
	}
	return fmt.Sprintf("decompose %q: %s", e.Goal, e.Reason)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// IsDecompositionError reports whether err is or wraps a DecompositionError.
func IsDecompositionError(err error) bool {
	var de *DecompositionError
	return errors.As(err, &de)
}

// Exchange is one planner round trip with the adapter.
type Exchange struct {
	RunID    string            `json:"run_id"`
	Seq      int               `json:"seq"`
	Fragment string            `json:"fragment"`
	Prompt   string            `json:"prompt"`
	Response string            `json:"response,omitempty"`
	Error    *models.StepError `json:"error,omitempty"`
}

// Observer receives every planner exchange in call order.
type Observer interface {
	OnPlanExchange(ex Exchange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ex Exchange)

// OnPlanExchange implements Observer.
func (f ObserverFunc) OnPlanExchange(ex Exchange) { f(ex) }

// Result is a plan plus how it was reached.
type Result struct {
	Graph      *graph.TaskGraph
	Quality    DecompositionQuality
	Expansions int
}

// node is one task of a partial decomposition. References are by title.
type node struct {
	title       string
	description string
	dependsOn   []string
	expand      bool
	depth       int
}

// partial is a candidate decomposition under construction.
type partial struct {
	nodes []node
	score float64
	sig   string
}

func (p partial) firstExpandable() int {
	for i, n := range p.nodes {
		if n.expand {
			return i
		}
	}
	return -1
}

func (p partial) tasks() []*models.Task {
	out := make([]*models.Task, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = &models.Task{ID: n.title, Title: n.title, GoalFragment: n.description, DependsOn: n.dependsOn}
	}
	return out
}

func (p *partial) rescore() {
	p.score = ScoreDecomposition(p.tasks()).OverallConfidence
	var b strings.Builder
	for _, n := range p.nodes {
		b.WriteString(n.title)
		b.WriteString("<")
		b.WriteString(strings.Join(n.dependsOn, ","))
		b.WriteString(";")
	}
	p.sig = b.String()
}

// Planner breaks goals into task graphs using an adapter.
type Planner struct {
	adapter  adapter.Adapter
	strategy Strategy
	seed     int64
	maxDepth int
	maxTasks int
	observer Observer
	debugLog func(format string, args ...interface{})
}

// Option configures a Planner.
type Option func(*Planner)

// WithStrategy sets the search strategy. Defaults to Beam(3).
func WithStrategy(s Strategy) Option {
	return func(p *Planner) { p.strategy = s }
}

// WithSeed sets the tie-break seed.
func WithSeed(seed int64) Option {
	return func(p *Planner) { p.seed = seed }
}

// WithMaxDepth bounds how many times a fragment may be re-expanded. Defaults to 2.
func WithMaxDepth(d int) Option {
	return func(p *Planner) { p.maxDepth = d }
}

// WithMaxTasks bounds the size of a plan. Defaults to 32.
func WithMaxTasks(n int) Option {
	return func(p *Planner) { p.maxTasks = n }
}

// WithObserver records every adapter exchange.
func WithObserver(o Observer) Option {
	return func(p *Planner) { p.observer = o }
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(p *Planner) {
		if fn != nil {
			p.debugLog = fn
		}
	}
}

// New creates a Planner.
func New(a adapter.Adapter, opts ...Option) *Planner {
	p := &Planner{
		adapter:  a,
		strategy: Beam(3),
		maxDepth: 2,
		maxTasks: 32,
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed returns the tie-break seed.
func (p *Planner) Seed() int64 { return p.seed }

// Strategy returns the configured strategy.
func (p *Planner) Strategy() Strategy { return p.strategy }

// Settings are the planner parameters that, with the adapter's responses,
// determine a plan.
type Settings struct {
	Strategy string `json:"strategy"`
	Width    int    `json:"width,omitempty"`
	Seed     int64  `json:"seed"`
	MaxDepth int    `json:"max_depth"`
	MaxTasks int    `json:"max_tasks"`
}

// Settings returns the planner's parameters.
func (p *Planner) Settings() Settings {
	s := Settings{Strategy: p.strategy.Name(), Seed: p.seed, MaxDepth: p.maxDepth, MaxTasks: p.maxTasks}
	if b, ok := p.strategy.(beam); ok {
		s.Width = b.width
	}
	return s
}

// FromSettings creates a Planner with the given parameters.
func FromSettings(a adapter.Adapter, s Settings, opts ...Option) (*Planner, error) {
	strategy, ok := StrategyByName(s.Strategy, s.Width)
	if !ok {
		return nil, fmt.Errorf("unknown planner strategy %q", s.Strategy)
	}
	base := []Option{WithStrategy(strategy), WithSeed(s.Seed), WithMaxDepth(s.MaxDepth), WithMaxTasks(s.MaxTasks)}
	return New(a, append(base, opts...)...), nil
}

// Plan decomposes goal into a validated task graph.
func (p *Planner) Plan(ctx context.Context, goal models.Goal) (*graph.TaskGraph, error) {
	res, err := p.PlanDetailed(ctx, goal)
	if err != nil {
		return nil, err
	}
	return res.Graph, nil
}

// PlanDetailed is Plan plus the quality assessment of the chosen plan.
func (p *Planner) PlanDetailed(ctx context.Context, goal models.Goal) (*Result, error) {
	if strings.TrimSpace(goal.Text) == "" {
		return nil, &DecompositionError{Goal: goal.Text, Reason: "empty goal"}
	}

	rng := rand.New(rand.NewSource(p.seed))
	root := partial{nodes: []node{{title: goal.Text, description: goal.Text, expand: true}}}
	root.rescore()
	beam := []partial{root}
	seq := 0
	expansions := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, &DecompositionError{Goal: goal.Text, Reason: "planning cancelled", Err: err}
		}

		var next []partial
		progressed := false
		for _, cur := range beam {
			idx := cur.firstExpandable()
			if idx < 0 {
				next = append(next, cur)
				continue
			}
			progressed = true
			isRoot := expansions == 0

			target := cur.nodes[idx]
			alts, err := p.ask(ctx, goal, target, &seq)
			expansions++
			children := p.children(cur, idx, alts)
			p.debugLog("[decompose] expanded %q: %d alternatives, %d valid", target.title, len(alts), len(children))

			if len(children) == 0 {
				if isRoot {
					if err == nil {
						err = errors.New("no valid decomposition")
					}
					return nil, &DecompositionError{Goal: goal.Text, Reason: "goal produced no tasks", Err: err}
				}
				// Keep the fragment as a single task.
				kept := partial{nodes: slices.Clone(cur.nodes)}
				kept.nodes[idx].expand = false
				kept.rescore()
				next = append(next, kept)
				continue
			}
			next = append(next, children...)
		}
		if !progressed {
			beam = next
			break
		}
		beam = p.strategy.Select(next, rng)
	}

	best := p.strategy.Select(beam, rng)[0]
	g, err := finalize(goal.Text, best.nodes)
	if err != nil {
		return nil, err
	}
	g.SetDebugLog(p.debugLog)
	tasks := make([]*models.Task, 0, g.Size())
	for _, id := range g.IDs() {
		tasks = append(tasks, g.Task(id))
	}
	return &Result{Graph: g, Quality: ScoreDecomposition(tasks), Expansions: expansions}, nil
}

// ask queries the adapter for one fragment and records the exchange.
func (p *Planner) ask(ctx context.Context, goal models.Goal, target node, seq *int) ([][]Candidate, error) {
	width := 1
	if b, ok := p.strategy.(beam); ok {
		width = b.width
	}
	prompt := fmt.Sprintf(decompositionPrompt, goal.Text, target.description, width)
	resp, err := p.adapter.Generate(ctx, prompt, adapter.Context{
		Purpose:  adapter.PurposePlan,
		RunID:    goal.ID,
		Step:     *seq,
		Fragment: target.description,
	})

	ex := Exchange{RunID: goal.ID, Seq: *seq, Fragment: target.description, Prompt: prompt, Response: resp.Text}
	*seq++
	if err != nil {
		if ae, ok := adapter.AsAdapterError(err); ok {
			ex.Error = ae.StepError()
			ex.Response = ae.Response
		} else {
			ex.Error = &models.StepError{Kind: "error", Message: err.Error()}
		}
	}
	if p.observer != nil {
		p.observer.OnPlanExchange(ex)
	}
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}
	alts, err := ParseCandidates(resp.Text)
	if err != nil {
		return nil, err
	}
	return alts, nil
}

// children applies every valid alternative to cur, skipping invalid ones.
func (p *Planner) children(cur partial, idx int, alts [][]Candidate) []partial {
	var out []partial
	for _, alt := range alts {
		child, err := p.apply(cur, idx, alt)
		if err != nil {
			p.debugLog("[decompose] rejected alternative: %v", err)
			continue
		}
		out = append(out, child)
	}
	return out
}

// apply replaces node idx with the alternative's subtasks. Subtasks inherit the
// node's dependencies; nodes that depended on it depend on the alternative's sinks.
func (p *Planner) apply(cur partial, idx int, alt []Candidate) (partial, error) {
	if len(alt) == 0 {
		return partial{}, errors.New("empty alternative")
	}
	if len(cur.nodes)-1+len(alt) > p.maxTasks {
		return partial{}, fmt.Errorf("alternative exceeds %d tasks", p.maxTasks)
	}
	target := cur.nodes[idx]

	taken := make(map[string]bool, len(cur.nodes))
	for i, n := range cur.nodes {
		if i != idx {
			taken[n.title] = true
		}
	}
	local := make(map[string]bool, len(alt))
	for _, c := range alt {
		title := strings.TrimSpace(c.Title)
		if title == "" || taken[title] || local[title] {
			return partial{}, fmt.Errorf("duplicate or empty title %q", c.Title)
		}
		local[title] = true
	}
	dependedOn := make(map[string]bool)
	for _, c := range alt {
		for _, d := range c.DependsOn {
			if !local[d] {
				return partial{}, fmt.Errorf("task %q depends on unknown %q", c.Title, d)
			}
			dependedOn[d] = true
		}
	}
	if err := altCycle(alt); err != nil {
		return partial{}, err
	}

	subs := make([]node, 0, len(alt))
	var sinks []string
	for _, c := range alt {
		title := strings.TrimSpace(c.Title)
		deps := append(slices.Clone(target.dependsOn), c.DependsOn...)
		subs = append(subs, node{
			title:       title,
			description: c.Description,
			dependsOn:   deps,
			expand:      c.Decompose && target.depth+1 < p.maxDepth,
			depth:       target.depth + 1,
		})
		if !dependedOn[title] {
			sinks = append(sinks, title)
		}
	}

	nodes := make([]node, 0, len(cur.nodes)-1+len(subs))
	nodes = append(nodes, cur.nodes[:idx]...)
	nodes = append(nodes, subs...)
	nodes = append(nodes, cur.nodes[idx+1:]...)
	for i := range nodes {
		if !slices.Contains(nodes[i].dependsOn, target.title) || local[nodes[i].title] {
			continue
		}
		var deps []string
		for _, d := range nodes[i].dependsOn {
			if d == target.title {
				deps = append(deps, sinks...)
			} else {
				deps = append(deps, d)
			}
		}
		nodes[i].dependsOn = slices.Compact(deps)
	}

	out := partial{nodes: nodes}
	out.rescore()
	return out, nil
}

// altCycle rejects alternatives whose internal dependencies loop.
func altCycle(alt []Candidate) error {
	deps := make(map[string][]string, len(alt))
	for _, c := range alt {
		deps[strings.TrimSpace(c.Title)] = c.DependsOn
	}
	state := make(map[string]int) // 0=unvisited, 1=visiting, 2=visited
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("%w: through %q", graph.ErrCycleDetected, id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, c := range alt {
		if err := visit(strings.TrimSpace(c.Title)); err != nil {
			return err
		}
	}
	return nil
}

// finalize assigns t1..tn in node order and validates the graph.
func finalize(goal string, nodes []node) (*graph.TaskGraph, error) {
	if len(nodes) == 0 {
		return nil, &DecompositionError{Goal: goal, Reason: "goal produced no tasks"}
	}
	titleToID := make(map[string]string, len(nodes))
	for i, n := range nodes {
		titleToID[n.title] = fmt.Sprintf("t%d", i+1)
	}
	tasks := make([]*models.Task, len(nodes))
	for i, n := range nodes {
		fragment := n.description
		if fragment == "" {
			fragment = n.title
		}
		t := &models.Task{
			ID:           titleToID[n.title],
			Title:        n.title,
			GoalFragment: fragment,
			Status:       models.TaskStatusPending,
		}
		for _, dep := range n.dependsOn {
			id, ok := titleToID[dep]
			if !ok {
				return nil, &DecompositionError{Goal: goal, Reason: fmt.Sprintf("task %q has dangling dependency %q", n.title, dep), Err: graph.ErrUnknownDependency}
			}
			if !slices.Contains(t.DependsOn, id) {
				t.DependsOn = append(t.DependsOn, id)
			}
		}
		tasks[i] = t
	}
	g, err := graph.Build(tasks)
	if err != nil {
		return nil, &DecompositionError{Goal: goal, Reason: "invalid task graph", Err: err}
	}
	return g, nil
}
