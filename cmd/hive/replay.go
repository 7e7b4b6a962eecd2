package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/replay"
)

var (
	replayNoReplan bool
	replayNoAgents bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace-file | run-id>",
	Short: "Re-execute a recorded run without calling the model",
	Long: `Replay re-runs the planner, the coordinator and every agent loop of a
recorded run against the model responses and policy verdicts in its trace.

It succeeds when the replay reproduces the recorded task transitions and
aggregation, and reports the first differing record otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		t, err := loadTrace(cmd.Context(), cfg, cwd, args[0])
		if err != nil {
			return err
		}

		var opts []replay.Option
		if replayNoReplan {
			opts = append(opts, replay.WithoutReplan())
		}
		if replayNoAgents {
			opts = append(opts, replay.WithoutAgents())
		}
		rep, err := replay.Replay(cmd.Context(), t, opts...)

		fmt.Printf("Run %s: %s\n", rep.RunID, phaseColor(rep.Phase).Sprint(rep.Phase))
		fmt.Printf("  Records:     %d\n", len(t.Records))
		fmt.Printf("  Transitions: %d\n", len(rep.Transitions))
		fmt.Printf("  Dispatches:  %d (%d steps)\n", rep.Dispatches, rep.Steps)
		fmt.Printf("  Replanned:   %t\n", rep.Replanned)
		if !rep.Complete {
			printStatus("⚠", "trace has no run end; replayed the recorded prefix", color.FgYellow)
		}

		var div *replay.DivergenceError
		switch {
		case errors.As(err, &div):
			printStatus("✗", fmt.Sprintf("diverged at record %d (%s): %s", div.Ordinal, div.Kind, div.Detail), color.FgRed)
			return err
		case err != nil:
			return err
		}
		printStatus("✓", "replay matches the recorded run", color.FgGreen)
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayNoReplan, "no-replan", false, "Skip re-running the planner")
	replayCmd.Flags().BoolVar(&replayNoAgents, "no-agents", false, "Replay the coordinator only")
}
