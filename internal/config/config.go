// Package config handles configuration loading and management for hive.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/hive/pkg/models"
)

// ProjectConfigName is the project-level config file searched upward from
// the working directory.
const ProjectConfigName = ".hive.yaml"

// Config holds all configuration for hive.
type Config struct {
	Run     models.RunConfig `mapstructure:"run"`
	Workers WorkersConfig    `mapstructure:"workers"`
	Adapter AdapterConfig    `mapstructure:"adapter"`
	Planner PlannerConfig    `mapstructure:"planner"`
	Belief  BeliefConfig     `mapstructure:"belief"`
	Trace   TraceConfig      `mapstructure:"trace"`
	Policy  PolicyConfig     `mapstructure:"policy"`
	Bus     BusConfig        `mapstructure:"bus"`
	State   StateConfig      `mapstructure:"state"`
	TUI     TUIConfig        `mapstructure:"tui"`
}

// WorkersConfig sizes the in-process worker pool.
type WorkersConfig struct {
	Count             int           `mapstructure:"count"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// Skill names the agent skill workers run. Only "complete" is built in.
	Skill string `mapstructure:"skill"`
}

// AdapterConfig selects and configures the model provider.
type AdapterConfig struct {
	// Provider is anthropic, openai or echo.
	Provider  string          `mapstructure:"provider"`
	Model     string          `mapstructure:"model"`
	MaxTokens int64           `mapstructure:"max_tokens"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Bedrock bool   `mapstructure:"bedrock"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
}

// PlannerConfig holds the decomposition search parameters.
type PlannerConfig struct {
	Strategy string `mapstructure:"strategy"`
	Width    int    `mapstructure:"width"`
	Seed     int64  `mapstructure:"seed"`
	MaxDepth int    `mapstructure:"max_depth"`
	MaxTasks int    `mapstructure:"max_tasks"`
}

// BeliefConfig selects the shared belief store.
type BeliefConfig struct {
	// Backend is memory or sqlite.
	Backend string        `mapstructure:"backend"`
	Path    string        `mapstructure:"path"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// TraceConfig controls where traces are written.
type TraceConfig struct {
	// Dir holds one JSON Lines file per run. Empty disables file traces.
	Dir string `mapstructure:"dir"`
	// SQLite also stores records in the state database.
	SQLite bool `mapstructure:"sqlite"`
	// OTel emits records as span events on the global tracer provider.
	OTel bool `mapstructure:"otel"`
}

// PolicyConfig points at the policy rules file.
type PolicyConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

// BusConfig tunes message delivery.
type BusConfig struct {
	MaxPending      int           `mapstructure:"max_pending"`
	DeliveryRetries int           `mapstructure:"delivery_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

// StateConfig locates the state database.
type StateConfig struct {
	// Path defaults to .hive/state.db under the working directory.
	Path string `mapstructure:"path"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (HIVE_*, ANTHROPIC_API_KEY, OPENAI_API_KEY)
// 2. Project config (.hive.yaml in current directory or parent)
// 3. User config (~/.config/hive/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("adapter.anthropic.api_key", "HIVE_ADAPTER_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("adapter.openai.api_key", "HIVE_ADAPTER_OPENAI_API_KEY", "OPENAI_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Adapter.Anthropic.APIKey = os.ExpandEnv(cfg.Adapter.Anthropic.APIKey)
	cfg.Adapter.OpenAI.APIKey = os.ExpandEnv(cfg.Adapter.OpenAI.APIKey)
	cfg.Belief.Path = os.ExpandEnv(cfg.Belief.Path)
	cfg.Trace.Dir = os.ExpandEnv(cfg.Trace.Dir)
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	switch c.Adapter.Provider {
	case "anthropic", "openai", "echo":
	default:
		return fmt.Errorf("unknown adapter.provider %q", c.Adapter.Provider)
	}
	switch c.Belief.Backend {
	case "memory", "none":
	case "sqlite":
		if c.Belief.Path == "" {
			return errors.New("belief.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown belief.backend %q", c.Belief.Backend)
	}
	if c.Bus.DeliveryRetries < 0 {
		return fmt.Errorf("bus.delivery_retries must not be negative, got %d", c.Bus.DeliveryRetries)
	}
	return nil
}

// WriteDefaults writes a config file holding every default to path.
func WriteDefaults(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	v := viper.New()
	setDefaults(v)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	run := models.DefaultRunConfig()
	v.SetDefault("run.max_concurrency", run.MaxConcurrency)
	v.SetDefault("run.max_retries", run.MaxRetries)
	v.SetDefault("run.dispatch_timeout", run.DispatchTimeout.String())
	v.SetDefault("run.max_steps_per_task", run.MaxStepsPerTask)
	v.SetDefault("run.backoff_base", run.BackoffBase.String())
	v.SetDefault("run.backoff_max", run.BackoffMax.String())
	v.SetDefault("run.heartbeat_timeout", run.HeartbeatTimeout.String())
	v.SetDefault("run.cancel_mode", string(run.CancelMode))

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.heartbeat_interval", "5s")
	v.SetDefault("workers.skill", "complete")

	v.SetDefault("adapter.provider", "anthropic")
	v.SetDefault("adapter.model", "")
	v.SetDefault("adapter.max_tokens", 4096)
	v.SetDefault("adapter.timeout", "2m")
	v.SetDefault("adapter.anthropic.api_key", "")
	v.SetDefault("adapter.anthropic.bedrock", false)
	v.SetDefault("adapter.anthropic.region", "")
	v.SetDefault("adapter.anthropic.profile", "")
	v.SetDefault("adapter.openai.api_key", "")
	v.SetDefault("adapter.openai.base_url", "")
	v.SetDefault("adapter.openai.temperature", 0.0)

	v.SetDefault("planner.strategy", "beam")
	v.SetDefault("planner.width", 3)
	v.SetDefault("planner.seed", 0)
	v.SetDefault("planner.max_depth", 2)
	v.SetDefault("planner.max_tasks", 32)

	v.SetDefault("belief.backend", "memory")
	v.SetDefault("belief.path", "")
	v.SetDefault("belief.ttl", "0s")

	v.SetDefault("trace.dir", filepath.Join(".hive", "traces"))
	v.SetDefault("trace.sqlite", true)
	v.SetDefault("trace.otel", false)

	v.SetDefault("policy.rules_file", "")

	v.SetDefault("bus.max_pending", 1024)
	v.SetDefault("bus.delivery_retries", 3)
	v.SetDefault("bus.retry_backoff", "10ms")

	v.SetDefault("state.path", "")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for hive.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hive")
	}
	return filepath.Join(home, ".config", "hive")
}

// findProjectConfig searches for .hive.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}
