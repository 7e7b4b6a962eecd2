package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

// RunSummary is one row of the runs table plus its task counts.
type RunSummary struct {
	ID        string                    `json:"id"`
	Goal      string                    `json:"goal"`
	Phase     models.RunPhase           `json:"phase"`
	Error     string                    `json:"error,omitempty"`
	PID       int                       `json:"pid"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Counts    map[models.TaskStatus]int `json:"counts"`
}

// SaveRun writes a run snapshot and replaces its task rows. The first save
// of a run sets its creation time; every save records the calling process.
func (db *DB) SaveRun(ctx context.Context, st models.RunState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var agg sql.NullString
	if st.Aggregation != nil {
		data, err := json.Marshal(st.Aggregation)
		if err != nil {
			return fmt.Errorf("encode aggregation: %w", err)
		}
		agg = sql.NullString{String: string(data), Valid: true}
	}
	now := time.Now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, goal, phase, error, aggregation, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			error = excluded.error,
			aggregation = excluded.aggregation,
			pid = excluded.pid,
			updated_at = excluded.updated_at
	`, st.RunID, st.Goal, string(st.Phase), nullString(st.Error), agg, os.Getpid(), now, now)
	if err != nil {
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE run_id = ?", st.RunID); err != nil {
		return fmt.Errorf("clear tasks of %s: %w", st.RunID, err)
	}
	for i, t := range st.Tasks {
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("encode dependencies of %s: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (run_id, id, position, title, goal_fragment, depends_on, status,
				assigned_worker, output, error, attempt_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, st.RunID, t.ID, i, t.Title, t.GoalFragment, string(deps), string(t.Status),
			nullString(t.AssignedWorker), nullString(t.Output), nullString(t.Error), t.AttemptCount)
		if err != nil {
			return fmt.Errorf("save task %s/%s: %w", st.RunID, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", st.RunID, err)
	}
	return nil
}

// GetRun returns the last saved snapshot of a run.
func (db *DB) GetRun(ctx context.Context, id string) (models.RunState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var (
		st      models.RunState
		phase   string
		runErr  sql.NullString
		aggJSON sql.NullString
	)
	row := db.conn.QueryRowContext(ctx, "SELECT id, goal, phase, error, aggregation FROM runs WHERE id = ?", id)
	if err := row.Scan(&st.RunID, &st.Goal, &phase, &runErr, &aggJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunState{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return models.RunState{}, fmt.Errorf("get run %s: %w", id, err)
	}
	st.Phase = models.RunPhase(phase)
	st.Error = runErr.String
	if aggJSON.Valid {
		var agg models.Aggregation
		if err := json.Unmarshal([]byte(aggJSON.String), &agg); err != nil {
			return models.RunState{}, fmt.Errorf("decode aggregation of %s: %w", id, err)
		}
		st.Aggregation = &agg
	}

	tasks, err := db.tasks(ctx, id)
	if err != nil {
		return models.RunState{}, err
	}
	st.Tasks = tasks
	return st, nil
}

func (db *DB) tasks(ctx context.Context, runID string) ([]models.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, goal_fragment, depends_on, status, assigned_worker, output, error, attempt_count
		FROM tasks WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", runID, err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var (
			t                       models.Task
			deps                    sql.NullString
			status                  string
			worker, output, taskErr sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.GoalFragment, &deps, &status, &worker, &output, &taskErr, &t.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if deps.Valid && deps.String != "" && deps.String != "null" {
			if err := json.Unmarshal([]byte(deps.String), &t.DependsOn); err != nil {
				return nil, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
			}
		}
		t.Status = models.TaskStatus(status)
		t.AssignedWorker = worker.String
		t.Output = output.String
		t.Error = taskErr.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRuns returns the most recently created runs first. A limit of zero
// or less returns every run.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.listRuns(ctx, "", limit)
}

func (db *DB) listRuns(ctx context.Context, where string, limit int, args ...any) ([]RunSummary, error) {
	query := "SELECT id, goal, phase, error, pid, created_at, updated_at FROM runs"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []RunSummary
	for rows.Next() {
		var (
			s      RunSummary
			phase  string
			runErr sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Goal, &phase, &runErr, &s.PID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.Phase = models.RunPhase(phase)
		s.Error = runErr.String
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		counts, err := db.counts(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Counts = counts
	}
	return out, nil
}

func (db *DB) counts(ctx context.Context, runID string) (map[models.TaskStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY status", runID)
	if err != nil {
		return nil, fmt.Errorf("count tasks of %s: %w", runID, err)
	}
	defer rows.Close()
	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
