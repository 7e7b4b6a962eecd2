package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/signals"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run started from another terminal",
	Long: `Request cancellation of a run owned by another hive process in this
project. The owning process picks up the request from .hive/signals and
stops dispatching; tasks that have not completed are left out of the result.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		if err := signals.SendCancel(cwd, args[0]); err != nil {
			return fmt.Errorf("send cancel: %w", err)
		}
		printStatus("■", fmt.Sprintf("cancel requested for run %s", args[0]), color.FgYellow)
		return nil
	},
}
