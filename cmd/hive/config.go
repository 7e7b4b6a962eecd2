package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/config"
)

var (
	configInitGlobal bool
	configInitForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective hive configuration.

Without arguments, displays every value. With a key, displays that value.

Configuration is layered: built-in defaults, then ~/.config/hive/config.yaml,
then .hive.yaml in the project, then HIVE_* environment variables.
API keys are read from ANTHROPIC_API_KEY and OPENAI_API_KEY.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries := configEntries(cfg)
		if len(args) == 1 {
			key := strings.ToLower(args[0])
			for _, e := range entries {
				if e.key == key {
					fmt.Println(e.value)
					return nil
				}
			}
			return fmt.Errorf("unknown configuration key: %s", args[0])
		}
		for _, e := range entries {
			fmt.Printf("%s: %s\n", e.key, e.value)
		}
		if err := cfg.Validate(); err != nil {
			printStatus("✗", err.Error(), color.FgRed)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with every default",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ProjectConfigName
		if configInitGlobal {
			path = config.GetUserConfigPath()
		}
		if fileExists(path) && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaults(path); err != nil {
			return err
		}
		printStatus("✓", "Wrote "+path, color.FgGreen)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitGlobal, "global", false, "Write the user config instead of .hive.yaml")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

type configEntry struct {
	key   string
	value string
}

// configEntries lists every setting by dot-notation key. API keys are masked.
func configEntries(cfg *config.Config) []configEntry {
	d := func(v fmt.Stringer) string { return v.String() }
	return []configEntry{
		{"run.max_concurrency", strconv.Itoa(cfg.Run.MaxConcurrency)},
		{"run.max_retries", strconv.Itoa(cfg.Run.MaxRetries)},
		{"run.dispatch_timeout", d(cfg.Run.DispatchTimeout)},
		{"run.max_steps_per_task", strconv.Itoa(cfg.Run.MaxStepsPerTask)},
		{"run.backoff_base", d(cfg.Run.BackoffBase)},
		{"run.backoff_max", d(cfg.Run.BackoffMax)},
		{"run.heartbeat_timeout", d(cfg.Run.HeartbeatTimeout)},
		{"run.cancel_mode", string(cfg.Run.CancelMode)},
		{"workers.count", strconv.Itoa(cfg.Workers.Count)},
		{"workers.heartbeat_interval", d(cfg.Workers.HeartbeatInterval)},
		{"workers.skill", cfg.Workers.Skill},
		{"adapter.provider", cfg.Adapter.Provider},
		{"adapter.model", cfg.Adapter.Model},
		{"adapter.max_tokens", strconv.FormatInt(cfg.Adapter.MaxTokens, 10)},
		{"adapter.timeout", d(cfg.Adapter.Timeout)},
		{"adapter.anthropic.api_key", config.MaskAPIKey(cfg.Adapter.Anthropic.APIKey)},
		{"adapter.anthropic.bedrock", strconv.FormatBool(cfg.Adapter.Anthropic.Bedrock)},
		{"adapter.anthropic.region", cfg.Adapter.Anthropic.Region},
		{"adapter.anthropic.profile", cfg.Adapter.Anthropic.Profile},
		{"adapter.openai.api_key", config.MaskAPIKey(cfg.Adapter.OpenAI.APIKey)},
		{"adapter.openai.base_url", cfg.Adapter.OpenAI.BaseURL},
		{"adapter.openai.temperature", strconv.FormatFloat(cfg.Adapter.OpenAI.Temperature, 'g', -1, 64)},
		{"planner.strategy", cfg.Planner.Strategy},
		{"planner.width", strconv.Itoa(cfg.Planner.Width)},
		{"planner.seed", strconv.FormatInt(cfg.Planner.Seed, 10)},
		{"planner.max_depth", strconv.Itoa(cfg.Planner.MaxDepth)},
		{"planner.max_tasks", strconv.Itoa(cfg.Planner.MaxTasks)},
		{"belief.backend", cfg.Belief.Backend},
		{"belief.path", cfg.Belief.Path},
		{"belief.ttl", d(cfg.Belief.TTL)},
		{"trace.dir", cfg.Trace.Dir},
		{"trace.sqlite", strconv.FormatBool(cfg.Trace.SQLite)},
		{"trace.otel", strconv.FormatBool(cfg.Trace.OTel)},
		{"policy.rules_file", cfg.Policy.RulesFile},
		{"bus.max_pending", strconv.Itoa(cfg.Bus.MaxPending)},
		{"bus.delivery_retries", strconv.Itoa(cfg.Bus.DeliveryRetries)},
		{"bus.retry_backoff", d(cfg.Bus.RetryBackoff)},
		{"state.path", cfg.State.Path},
		{"tui.refresh_rate", d(cfg.TUI.RefreshRate)},
		{"api_key_source", string(config.APIKeySource(cfg))},
	}
}
