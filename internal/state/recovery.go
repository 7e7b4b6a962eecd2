package state

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// InterruptedReason is the error recorded for runs whose process died.
const InterruptedReason = "interrupted: owning process exited"

// Interrupted returns non-terminal runs whose owning process is gone.
func (db *DB) Interrupted(ctx context.Context) ([]RunSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	open, err := db.listRuns(ctx, "phase NOT IN (?, ?, ?)", 0,
		string(models.RunPhaseCompleted), string(models.RunPhaseFailed), string(models.RunPhaseCancelled))
	if err != nil {
		return nil, err
	}
	var out []RunSummary
	for _, r := range open {
		if r.PID == os.Getpid() || alive(r.PID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkInterrupted fails every interrupted run and returns their IDs.
func (db *DB) MarkInterrupted(ctx context.Context) ([]string, error) {
	runs, err := db.Interrupted(ctx)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []string
	for _, r := range runs {
		_, err := db.conn.ExecContext(ctx,
			"UPDATE runs SET phase = ?, error = ?, updated_at = ? WHERE id = ?",
			string(models.RunPhaseFailed), InterruptedReason, time.Now().UTC(), r.ID)
		if err != nil {
			return ids, fmt.Errorf("mark run %s interrupted: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// alive reports whether pid names a running process. Signal 0 probes
// without delivering anything.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	return err == nil && proc.Signal(syscall.Signal(0)) == nil
}
