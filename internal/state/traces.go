package state

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/hive/internal/trace"
)

// Append implements trace.Sink.
func (db *DB) Append(runID string, rec trace.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		"INSERT INTO trace_records (run_id, ordinal, kind, payload) VALUES (?, ?, ?, ?)",
		runID, rec.Ordinal, string(rec.Kind), []byte(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("append trace record %s/%d: %w", runID, rec.Ordinal, err)
	}
	return nil
}

// LoadTrace returns a run's records in ordinal order.
func (db *DB) LoadTrace(ctx context.Context, runID string) (trace.Trace, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT ordinal, kind, payload FROM trace_records WHERE run_id = ? ORDER BY ordinal", runID)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("load trace %s: %w", runID, err)
	}
	defer rows.Close()

	t := trace.Trace{RunID: runID}
	for rows.Next() {
		var (
			rec     trace.Record
			kind    string
			payload []byte
		)
		if err := rows.Scan(&rec.Ordinal, &kind, &payload); err != nil {
			return trace.Trace{}, fmt.Errorf("scan trace record: %w", err)
		}
		rec.Kind = trace.Kind(kind)
		rec.Payload = payload
		t.Records = append(t.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return trace.Trace{}, err
	}
	if len(t.Records) == 0 {
		return trace.Trace{}, fmt.Errorf("trace %s: %w", runID, ErrNotFound)
	}
	return t, nil
}

// TraceRuns lists the run IDs that have trace records.
func (db *DB) TraceRuns(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, "SELECT DISTINCT run_id FROM trace_records ORDER BY run_id")
	if err != nil {
		return nil, fmt.Errorf("list traced runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
