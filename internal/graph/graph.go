// Package graph provides the task graph arena used for scheduling.
//
// Tasks are stored by ID and every cross-task reference is an ID, never a
// pointer. A TaskGraph has a single owner: the planner while building it and
// the coordinator's state machine afterwards. It is not safe for concurrent use.
package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ShayCichocki/hive/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an ID that is not in the graph.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrDuplicateTask indicates two tasks share an ID.
var ErrDuplicateTask = errors.New("duplicate task id")

// TaskGraph is a directed acyclic graph of tasks keyed by ID.
// Edges represent "depends on" relationships.
type TaskGraph struct {
	// nodes maps task ID to the canonical task record.
	nodes map[string]*models.Task
	// order is plan order; every iteration uses it so results are deterministic.
	order []string
	// dependents is the reverse edge index.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs a graph from tasks given in plan order.
// Returns an error if an ID repeats, a dependency references an unknown task,
// or a cycle is detected.
func Build(tasks []*models.Task) (*TaskGraph, error) {
	g := New()
	for _, task := range tasks {
		if err := g.add(task); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TaskGraph) add(task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task %q has no id", task.Title)
	}
	if _, exists := g.nodes[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	g.nodes[task.ID] = task
	g.order = append(g.order, task.ID)
	return nil
}

// Validate checks that the graph is closed over its dependencies and acyclic.
// It rebuilds the reverse edge index as a side effect.
func (g *TaskGraph) Validate() error {
	g.dependents = make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		for _, depID := range g.nodes[id].DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, id, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}
	if g.HasCycle() {
		return ErrCycleDetected
	}
	g.debugLog("[graph.Validate] graph valid with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *TaskGraph) HasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.nodes[id].DependsOn {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if _, ok := g.nodes[depID]; ok && visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs so that all dependencies come before the
// tasks that depend on them. Ties keep plan order.
func (g *TaskGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.nodes[id].DependsOn {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns, in plan order, pending tasks whose dependencies are all completed.
func (g *TaskGraph) Ready() []string {
	var ready []string
	for _, id := range g.order {
		if g.nodes[id].Status != models.TaskStatusPending {
			continue
		}
		if g.DependenciesMet(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// DependenciesMet reports whether every dependency of the task is completed.
func (g *TaskGraph) DependenciesMet(taskID string) bool {
	task, ok := g.nodes[taskID]
	if !ok {
		return false
	}
	for _, depID := range task.DependsOn {
		dep, ok := g.nodes[depID]
		if !ok || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Task returns the canonical task record for an ID, or nil if not found.
// Callers other than the graph owner must not mutate it.
func (g *TaskGraph) Task(taskID string) *models.Task {
	return g.nodes[taskID]
}

// IDs returns all task IDs in plan order.
func (g *TaskGraph) IDs() []string {
	return slices.Clone(g.order)
}

// Size returns the number of tasks in the graph.
func (g *TaskGraph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *TaskGraph) Dependencies(taskID string) []string {
	if task, ok := g.nodes[taskID]; ok {
		return slices.Clone(task.DependsOn)
	}
	return nil
}

// Dependents returns, in plan order, the IDs of tasks that directly depend on the given task.
func (g *TaskGraph) Dependents(taskID string) []string {
	return slices.Clone(g.dependents[taskID])
}

// Descendants returns, in plan order, every task that transitively depends on the given task.
func (g *TaskGraph) Descendants(taskID string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(g.dependents[taskID])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.dependents[id]...)
	}
	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns deep copies of every task in plan order.
func (g *TaskGraph) Snapshot() []models.Task {
	out := make([]models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id].Clone())
	}
	return out
}

// Clone returns an independent copy of the graph.
func (g *TaskGraph) Clone() *TaskGraph {
	c := New()
	c.debugLog = g.debugLog
	for _, id := range g.order {
		c.nodes[id] = g.nodes[id].Clone()
	}
	c.order = slices.Clone(g.order)
	for id, deps := range g.dependents {
		c.dependents[id] = slices.Clone(deps)
	}
	return c
}

// AllTerminal reports whether every task is completed or failed.
func (g *TaskGraph) AllTerminal() bool {
	for _, id := range g.order {
		if !g.nodes[id].Status.Terminal() {
			return false
		}
	}
	return true
}
