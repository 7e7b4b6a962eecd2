package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ShayCichocki/hive/internal/belief"
	"github.com/ShayCichocki/hive/pkg/models"
)

// doneMarkerPattern matches the completion marker a model emits when a task is finished.
var doneMarkerPattern = regexp.MustCompile(`(?i)\bDONE\b`)

// markerLinePattern matches a line holding nothing but the marker.
var markerLinePattern = regexp.MustCompile(`(?im)^\s*DONE[.!]?\s*$`)

// Skill shapes what an agent asks for and decides when it is finished.
type Skill interface {
	Name() string
	// Keys lists the belief keys read before each step.
	Keys(task models.TaskSpec) []string
	// Prompt builds the step prompt. feedback is the reason the previous
	// step was rejected or did not finish, empty on the first step.
	Prompt(task models.TaskSpec, beliefs map[string]string, feedback string) string
	// Satisfied reports whether response completes the task, and the output to report.
	Satisfied(response string) (string, bool)
	// Remember returns the beliefs to write after an accepted response.
	Remember(task models.TaskSpec, response string) []belief.Entry
}

// NotesKey is the belief key under which the complete skill keeps a task's
// last accepted response. Retries of the task read it back.
func NotesKey(taskID string) string {
	return "notes/" + taskID
}

// CompleteSkill asks the model to work on the fragment until it says DONE.
type CompleteSkill struct{}

// Name implements Skill.
func (CompleteSkill) Name() string { return "complete" }

// Keys implements Skill.
func (CompleteSkill) Keys(task models.TaskSpec) []string {
	return []string{NotesKey(task.ID)}
}

// Prompt implements Skill.
func (CompleteSkill) Prompt(task models.TaskSpec, beliefs map[string]string, feedback string) string {
	var sb strings.Builder

	sb.WriteString("## Goal\n\n")
	sb.WriteString(task.Goal)
	sb.WriteString("\n\n## Your task\n\n")
	if task.Title != "" && task.Title != task.GoalFragment {
		sb.WriteString(task.Title)
		sb.WriteString("\n\n")
	}
	sb.WriteString(task.GoalFragment)
	sb.WriteString("\n")

	if len(task.DependencyOutputs) > 0 {
		sb.WriteString("\n## Results from earlier tasks\n")
		ids := make([]string, 0, len(task.DependencyOutputs))
		for id := range task.DependencyOutputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&sb, "\n### %s\n\n%s\n", id, task.DependencyOutputs[id])
		}
	}

	if notes := beliefs[NotesKey(task.ID)]; notes != "" {
		sb.WriteString("\n## Your previous progress\n\n")
		sb.WriteString(notes)
		sb.WriteString("\n")
	}

	if feedback != "" {
		sb.WriteString("\n## Feedback on your last response\n\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}

	sb.WriteString("\nWhen the task is finished, give the result and end with a line containing only DONE.\n")
	return sb.String()
}

// Satisfied implements Skill. Marker-only lines are stripped from the output.
func (CompleteSkill) Satisfied(response string) (string, bool) {
	if !doneMarkerPattern.MatchString(response) {
		return "", false
	}
	out := strings.TrimSpace(markerLinePattern.ReplaceAllString(response, ""))
	if out == "" {
		out = strings.TrimSpace(response)
	}
	return out, true
}

// Remember implements Skill.
func (CompleteSkill) Remember(task models.TaskSpec, response string) []belief.Entry {
	return []belief.Entry{{Key: NotesKey(task.ID), Value: response}}
}
