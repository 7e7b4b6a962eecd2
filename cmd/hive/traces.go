package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/state"
	"github.com/ShayCichocki/hive/internal/trace"
)

// loadTrace resolves ref as a trace file path, then as a run ID in the
// trace directory, then as a run ID in the state database.
func loadTrace(ctx context.Context, cfg *config.Config, root, ref string) (trace.Trace, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return trace.LoadFile(ref)
	}

	if dir := traceDir(cfg, root); dir != "" {
		t, err := trace.NewFileRepository(dir).Load(ref)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return trace.Trace{}, err
		}
	}

	path := stateDBPath(cfg, root)
	if !fileExists(path) {
		return trace.Trace{}, fmt.Errorf("no trace found for %q", ref)
	}
	db, err := state.Open(path)
	if err != nil {
		return trace.Trace{}, err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return trace.Trace{}, err
	}
	t, err := db.LoadTrace(ctx, ref)
	if errors.Is(err, state.ErrNotFound) {
		return trace.Trace{}, fmt.Errorf("no trace found for %q", ref)
	}
	return t, err
}

func traceDir(cfg *config.Config, root string) string {
	dir := cfg.Trace.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return dir
}

func stateDBPath(cfg *config.Config, root string) string {
	if cfg.State.Path != "" {
		return cfg.State.Path
	}
	return state.ProjectDBPath(root)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
