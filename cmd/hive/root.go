package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/logging"
)

var (
	logLevel  string
	logFormat string
	debugLog  bool
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Multi-agent orchestration runtime",
	Long: `hive decomposes a goal into a dependency graph of tasks and runs them
on a pool of workers, each driving a model through a bounded agent loop.

Every run is recorded as an append-only trace that can be replayed
deterministically without calling the model provider.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugLog {
			if cwd, err := os.Getwd(); err == nil {
				logging.SetDebug(logging.NewDebugLoggerForDir(cwd))
			}
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug-log", false, "Write internals to .hive/logs/debug.log")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (overrides the layered lookup)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() logging.Logger {
	return logging.New(os.Stderr, logLevel, logFormat)
}

// loadConfig loads --config when given, else the layered configuration.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromPath(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
