package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/state"
)

var (
	statusLimit int
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recorded runs",
	Long: `Display runs recorded in the project state database.

Without arguments, lists recent runs with their task counts.
With a run ID, shows that run's tasks.

Runs whose owning process exited before they finished are marked failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := stateDBPath(cfg, cwd)
	if !fileExists(dbPath) {
		fmt.Println("No runs recorded. Run 'hive run <goal>' to start.")
		return nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	ctx := cmd.Context()
	interrupted, err := db.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("mark interrupted runs: %w", err)
	}
	for _, id := range interrupted {
		printStatus("⚠", fmt.Sprintf("run %s was interrupted", id), color.FgYellow)
	}

	if len(args) == 1 {
		st, err := db.GetRun(ctx, args[0])
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("no run %q", args[0])
		}
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(st)
		}
		printRunState(st)
		return nil
	}

	runs, err := db.ListRuns(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if statusJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run 'hive run <goal>' to start.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %s ago\n", color.New(color.Bold).Sprint(r.ID), phaseColor(r.Phase).Sprintf("%-9s", r.Phase), formatDuration(time.Since(r.UpdatedAt)))
		fmt.Printf("  %s\n", truncate(r.Goal, 72))
		fmt.Printf("  %s\n", formatCounts(r.Counts))
		if r.Error != "" {
			fmt.Printf("  %s\n", color.RedString(truncate(r.Error, 72)))
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
