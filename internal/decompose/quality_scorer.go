package decompose

import (
	"fmt"

	"github.com/ShayCichocki/hive/pkg/models"
)

// Severity grades a QualityIssue.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// QualityIssue is one finding against a planned task.
type QualityIssue struct {
	Severity   Severity
	Message    string
	Suggestion string
}

// TaskQualityScore is the confidence in a single task, in [0, 1].
type TaskQualityScore struct {
	TaskID     string
	Confidence float64
	Issues     []QualityIssue
}

// DecompositionQuality summarizes a whole plan. The planner uses
// OverallConfidence to choose between candidate plans.
type DecompositionQuality struct {
	OverallConfidence float64
	TaskScores        []TaskQualityScore
	Warnings          []string
	// EstimatedParallelism is the number of tasks that can start at once.
	EstimatedParallelism int
	TotalTasks           int
	CriticalIssues       int
}

const (
	maxFragmentLen = 800
	maxFanIn       = 3
	maxDepth       = 3
	maxTasks       = 10
)

// ScoreDecomposition grades a plan. DependsOn entries are resolved against
// the IDs in tasks; unknown IDs are ignored.
func ScoreDecomposition(tasks []*models.Task) DecompositionQuality {
	q := DecompositionQuality{TotalTasks: len(tasks)}
	if len(tasks) == 0 {
		return q
	}

	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var sum float64
	for _, t := range tasks {
		s := scoreTask(t, byID)
		sum += s.Confidence
		for _, is := range s.Issues {
			if is.Severity == SeverityCritical {
				q.CriticalIssues++
			}
		}
		q.TaskScores = append(q.TaskScores, s)
	}

	q.EstimatedParallelism = roots(tasks)
	q.OverallConfidence = planConfidence(sum/float64(len(tasks)), len(tasks), q.EstimatedParallelism)
	q.Warnings = planWarnings(q)
	return q
}

func scoreTask(t *models.Task, byID map[string]*models.Task) TaskQualityScore {
	s := TaskQualityScore{TaskID: t.ID, Confidence: 1}
	flag := func(penalty float64, sev Severity, msg, hint string) {
		s.Confidence -= penalty
		s.Issues = append(s.Issues, QualityIssue{Severity: sev, Message: msg, Suggestion: hint})
	}

	switch n := len(t.GoalFragment); {
	case n == 0:
		flag(0.2, SeverityWarning, "No description specified", "Describe what the agent must produce")
	case n > maxFragmentLen:
		flag(0.1, SeverityInfo, fmt.Sprintf("Oversized fragment (%d chars)", n), "Split the task further")
	}
	if n := len(t.DependsOn); n > maxFanIn {
		flag(float64(n-maxFanIn)*0.1, SeverityWarning,
			fmt.Sprintf("High fan-in (%d dependencies)", n), "Merge upstream tasks or drop unnecessary dependencies")
	}
	if d := depth(t, byID, map[string]bool{}); d > maxDepth {
		flag(float64(d-maxDepth)*0.1, SeverityWarning,
			fmt.Sprintf("Deep dependency chain (depth %d)", d), "Flatten dependencies so more tasks run in parallel")
	}

	s.Confidence = clamp(s.Confidence)
	return s
}

// planConfidence adjusts the mean task confidence for plan shape: oversized
// plans and fully serial chains lose confidence, wide plans gain a little.
func planConfidence(mean float64, total, parallel int) float64 {
	c := mean
	if total > maxTasks {
		c -= min(float64(total-maxTasks)*0.05, 0.3)
	}
	switch {
	case parallel == 1 && total > 3:
		c -= 0.2
	case parallel > 1:
		c += min(float64(parallel-1)*0.02, 0.1)
	}
	return clamp(c)
}

func planWarnings(q DecompositionQuality) []string {
	var out []string
	if q.CriticalIssues > 0 {
		out = append(out, fmt.Sprintf("%d critical issues found in decomposition", q.CriticalIssues))
	}
	if q.TotalTasks > maxTasks {
		out = append(out, fmt.Sprintf("Large number of tasks (%d) may be difficult to coordinate", q.TotalTasks))
	}
	if q.OverallConfidence < 0.5 {
		out = append(out, "Low overall confidence, consider simplifying or restructuring tasks")
	}
	return out
}

// depth is the length of the longest dependency chain ending at t.
// A task already on the current path counts as zero so cycles terminate.
func depth(t *models.Task, byID map[string]*models.Task, path map[string]bool) int {
	if path[t.ID] {
		return 0
	}
	path[t.ID] = true
	defer delete(path, t.ID)

	longest := 0
	for _, id := range t.DependsOn {
		if dep, ok := byID[id]; ok {
			longest = max(longest, depth(dep, byID, path))
		}
	}
	return longest + 1
}

// roots counts tasks without dependencies, at least one.
func roots(tasks []*models.Task) int {
	n := 0
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			n++
		}
	}
	return max(n, 1)
}

func clamp(c float64) float64 {
	return min(max(c, 0), 1)
}
