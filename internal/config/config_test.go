package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// isolate points every config lookup at empty temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	work := t.TempDir()
	t.Chdir(work)
	return home
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Run != models.DefaultRunConfig() {
		t.Errorf("run defaults = %+v, want %+v", cfg.Run, models.DefaultRunConfig())
	}
	if cfg.Workers.Count != 4 || cfg.Workers.HeartbeatInterval != 5*time.Second {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.Adapter.Provider != "anthropic" || cfg.Adapter.Timeout != 2*time.Minute {
		t.Errorf("adapter = %+v", cfg.Adapter)
	}
	if cfg.Planner.Strategy != "beam" || cfg.Planner.Width != 3 || cfg.Planner.MaxTasks != 32 {
		t.Errorf("planner = %+v", cfg.Planner)
	}
	if cfg.Bus.RetryBackoff != 10*time.Millisecond || cfg.TUI.RefreshRate != 100*time.Millisecond {
		t.Errorf("bus = %+v, tui = %+v", cfg.Bus, cfg.TUI)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "hive.yaml")
	content := `
run:
  max_concurrency: 2
  dispatch_timeout: 90s
  cancel_mode: drain
workers:
  count: 8
adapter:
  provider: openai
  openai:
    api_key: ${TEST_OPENAI_KEY}
belief:
  backend: sqlite
  path: /tmp/beliefs.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env-0123456789")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Run.MaxConcurrency != 2 || cfg.Run.DispatchTimeout != 90*time.Second || cfg.Run.CancelMode != models.CancelDrain {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Run.MaxRetries != models.DefaultRunConfig().MaxRetries {
		t.Errorf("unset run.max_retries = %d, want the default", cfg.Run.MaxRetries)
	}
	if cfg.Workers.Count != 8 || cfg.Adapter.Provider != "openai" {
		t.Errorf("workers = %+v, adapter = %+v", cfg.Workers, cfg.Adapter)
	}
	if cfg.Adapter.OpenAI.APIKey != "sk-from-env-0123456789" {
		t.Errorf("api key = %q, want the expanded env var", cfg.Adapter.OpenAI.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoad_Layers(t *testing.T) {
	home := isolate(t)

	userDir := filepath.Join(home, "config", "hive")
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	user := "workers:\n  count: 6\nadapter:\n  provider: openai\n"
	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}

	cwd, _ := os.Getwd()
	nested := filepath.Join(cwd, "sub", "dir")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	project := "adapter:\n  provider: echo\n"
	if err := os.WriteFile(filepath.Join(cwd, ProjectConfigName), []byte(project), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)
	t.Setenv("HIVE_RUN_MAX_RETRIES", "5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-environment")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"user config", cfg.Workers.Count, 6},
		{"project overrides user", cfg.Adapter.Provider, "echo"},
		{"environment", cfg.Run.MaxRetries, 5},
		{"provider key from environment", cfg.Adapter.Anthropic.APIKey, "sk-ant-from-environment"},
		{"default", cfg.Run.MaxStepsPerTask, models.DefaultRunConfig().MaxStepsPerTask},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if got := GetProjectConfigPath(); filepath.Base(got) != ProjectConfigName {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad run config", func(c *Config) { c.Run.MaxConcurrency = 0 }},
		{"no workers", func(c *Config) { c.Workers.Count = 0 }},
		{"unknown provider", func(c *Config) { c.Adapter.Provider = "llama" }},
		{"unknown belief backend", func(c *Config) { c.Belief.Backend = "redis" }},
		{"sqlite beliefs without path", func(c *Config) { c.Belief.Backend = "sqlite" }},
		{"negative delivery retries", func(c *Config) { c.Bus.DeliveryRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded")
			}
		})
	}
}

func TestWriteDefaults(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefaults(path); err != nil {
		t.Fatalf("WriteDefaults failed: %v", err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if cfg.Run != Default().Run || cfg.Workers != Default().Workers {
		t.Errorf("reloaded defaults differ: %+v", cfg)
	}
}

func TestGetUserConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := GetUserConfigPath(); got != "/xdg/hive/config.yaml" {
		t.Errorf("GetUserConfigPath() = %q", got)
	}
}
