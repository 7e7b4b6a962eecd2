package decompose

import (
	"context"
	"strings"

	"github.com/ShayCichocki/hive/internal/graph"
	"github.com/ShayCichocki/hive/pkg/models"
)

// Static plans a fixed task list, for callers that already know the tasks.
// Dependencies name titles, as in adapter responses.
type Static struct {
	Tasks []Candidate
}

// Plan implements the coordinator's planner contract.
func (s Static) Plan(_ context.Context, goal models.Goal) (*graph.TaskGraph, error) {
	nodes := make([]node, 0, len(s.Tasks))
	seen := make(map[string]bool, len(s.Tasks))
	for _, c := range s.Tasks {
		title := strings.TrimSpace(c.Title)
		if title == "" || seen[title] {
			return nil, &DecompositionError{Goal: goal.Text, Reason: "duplicate or empty title " + title}
		}
		seen[title] = true
		nodes = append(nodes, node{title: title, description: c.Description, dependsOn: c.DependsOn})
	}
	return finalize(goal.Text, nodes)
}

// ParseStatic reads a task list in the adapter response format.
func ParseStatic(data string) (Static, error) {
	alts, err := ParseCandidates(data)
	if err != nil {
		return Static{}, err
	}
	return Static{Tasks: alts[0]}, nil
}
