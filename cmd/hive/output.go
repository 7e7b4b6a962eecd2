package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/hive/pkg/models"
)

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func phaseColor(p models.RunPhase) *color.Color {
	switch p {
	case models.RunPhaseCompleted:
		return color.New(color.FgGreen, color.Bold)
	case models.RunPhaseFailed:
		return color.New(color.FgRed, color.Bold)
	case models.RunPhaseCancelled:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}

func statusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusRetrying:
		return color.New(color.FgYellow)
	case models.TaskStatusDispatched:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

// formatCounts renders task counts in status order, skipping zeros.
func formatCounts(counts map[models.TaskStatus]int) string {
	order := []models.TaskStatus{
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusDispatched,
		models.TaskStatusRetrying,
		models.TaskStatusPending,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no tasks"
	}
	return strings.Join(parts, ", ")
}

// printRunState prints a run and its tasks.
func printRunState(st models.RunState) {
	fmt.Printf("Run %s: %s\n", color.New(color.Bold).Sprint(st.RunID), phaseColor(st.Phase).Sprint(st.Phase))
	if st.Goal != "" {
		fmt.Printf("  Goal: %s\n", truncate(st.Goal, 72))
	}
	if st.Error != "" {
		fmt.Printf("  Error: %s\n", color.RedString(st.Error))
	}
	fmt.Printf("  Tasks: %s\n", formatCounts(st.Counts()))
	for _, t := range st.Tasks {
		line := fmt.Sprintf("    %-4s %s %s", t.ID, statusColor(t.Status).Sprintf("%-10s", t.Status), truncate(t.Title, 50))
		if t.AttemptCount > 1 {
			line += fmt.Sprintf(" (%d attempts)", t.AttemptCount)
		}
		if t.Error != "" {
			line += color.HiBlackString("  " + truncate(t.Error, 60))
		}
		fmt.Println(line)
	}
}

// printAggregation prints each task output in task ID order.
func printAggregation(agg models.Aggregation) {
	ids := make([]string, 0, len(agg.Outputs))
	for id := range agg.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("\n%s\n%s\n", color.New(color.Bold).Sprintf("[%s]", id), strings.TrimSpace(agg.Outputs[id]))
	}
	for _, f := range agg.Failures {
		fmt.Printf("\n%s %s\n", color.RedString("[%s failed]", f.TaskID), f.Reason)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
