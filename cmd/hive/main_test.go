package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/state"
	"github.com/ShayCichocki/hive/internal/trace"
	"github.com/ShayCichocki/hive/pkg/models"
)

func TestApplyRunFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(*config.Config) bool
	}{
		{
			name:  "unset flags keep config",
			args:  nil,
			check: func(c *config.Config) bool { return c.Run.MaxConcurrency == 4 && c.Adapter.Provider == "anthropic" },
		},
		{
			name:  "concurrency and retries",
			args:  []string{"--concurrency", "8", "--retries", "0"},
			check: func(c *config.Config) bool { return c.Run.MaxConcurrency == 8 && c.Run.MaxRetries == 0 },
		},
		{
			name:  "timeouts",
			args:  []string{"--dispatch-timeout", "90s", "--heartbeat-timeout", "0"},
			check: func(c *config.Config) bool { return c.Run.DispatchTimeout == 90*time.Second && c.Run.HeartbeatTimeout == 0 },
		},
		{
			name:  "provider and planner",
			args:  []string{"--provider", "echo", "--seed", "7", "--strategy", "greedy"},
			check: func(c *config.Config) bool { return c.Adapter.Provider == "echo" && c.Planner.Seed == 7 && c.Planner.Strategy == "greedy" },
		},
		{
			name:  "cancel mode",
			args:  []string{"--cancel-mode", "drain"},
			check: func(c *config.Config) bool { return c.Run.CancelMode == models.CancelDrain },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := runCmd.Flags()
			flags.VisitAll(func(f *pflag.Flag) {
				f.Value.Set(f.DefValue)
				f.Changed = false
			})
			if err := flags.Parse(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			cfg := config.Default()
			applyRunFlags(flags, cfg)
			if !tt.check(cfg) {
				t.Errorf("config after %v not as expected: run=%+v adapter=%s", tt.args, cfg.Run, cfg.Adapter.Provider)
			}
		})
	}
}

func TestConfigEntries_MasksKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Adapter.Anthropic.APIKey = "sk-ant-REDACTED"

	seen := map[string]string{}
	for _, e := range configEntries(cfg) {
		if _, dup := seen[e.key]; dup {
			t.Errorf("duplicate key %s", e.key)
		}
		seen[e.key] = e.value
	}
	if got := seen["adapter.anthropic.api_key"]; strings.Contains(got, "abcdefghij") {
		t.Errorf("api key not masked: %q", got)
	}
	if got := seen["run.max_concurrency"]; got != "4" {
		t.Errorf("run.max_concurrency = %q, want 4", got)
	}
}

func TestLoadTrace(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Trace.Dir = "traces"
	ctx := context.Background()

	rec, err := trace.NewRecord(trace.KindRunEnd, map[string]string{"phase": "completed"})
	if err != nil {
		t.Fatal(err)
	}
	repo := trace.NewFileRepository(filepath.Join(root, "traces"))
	if err := repo.Save(trace.Trace{RunID: "from-file", Records: []trace.Record{rec}}); err != nil {
		t.Fatal(err)
	}

	db, err := state.Open(stateDBPath(cfg, root))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	rec.Ordinal = 1
	if err := db.Append("from-db", rec); err != nil {
		t.Fatal(err)
	}
	db.Close()

	tests := []struct {
		name    string
		ref     string
		wantRun string
		wantErr bool
	}{
		{"file path", repo.Path("from-file"), "from-file", false},
		{"run id in trace dir", "from-file", "from-file", false},
		{"run id in state db", "from-db", "from-db", false},
		{"unknown", "nope", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadTrace(ctx, cfg, root, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadTrace(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if err == nil && (got.RunID != tt.wantRun || len(got.Records) != 1) {
				t.Errorf("loadTrace(%q) = %s with %d records", tt.ref, got.RunID, len(got.Records))
			}
		})
	}
}

func TestFormatCounts(t *testing.T) {
	tests := []struct {
		counts map[models.TaskStatus]int
		want   string
	}{
		{nil, "no tasks"},
		{map[models.TaskStatus]int{models.TaskStatusCompleted: 2}, "2 completed"},
		{map[models.TaskStatus]int{models.TaskStatusPending: 1, models.TaskStatusFailed: 1}, "1 failed, 1 pending"},
	}
	for _, tt := range tests {
		if got := formatCounts(tt.counts); got != tt.want {
			t.Errorf("formatCounts(%v) = %q, want %q", tt.counts, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
