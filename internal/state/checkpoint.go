package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// HistoryEntry is one row of the append-only run history, written on every
// checkpoint save. The orchestrator never reads history; it exists for audit.
type HistoryEntry struct {
	Seq          int64            `json:"seq"`
	RunID        string           `json:"run_id"`
	Phase        models.Phase     `json:"phase"`
	Status       models.RunStatus `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// SaveRun durably persists the full run state and appends a history row, in
// one transaction. Saving the same run id again replaces the current record,
// so the call is idempotent from the caller's point of view.
func (db *DB) SaveRun(run *models.RunState) error {
	blob, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	now := formatTime(time.Now())
	err = db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO runs (run_id, ticker, phase, status, attempt_count, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				phase = excluded.phase,
				status = excluded.status,
				attempt_count = excluded.attempt_count,
				state = excluded.state,
				updated_at = excluded.updated_at
		`, run.RunID, run.Inputs.Ticker, string(run.Phase), string(run.Status),
			run.AttemptCount, string(blob), formatTime(run.CreatedAt), now)
		if err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO run_history (run_id, phase, status, attempt_count, state, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.RunID, string(run.Phase), string(run.Status), run.AttemptCount, string(blob), now)
		if err != nil {
			return fmt.Errorf("append run history: %w", err)
		}

		return nil
	})
	return unavailable("save run", err)
}

// LoadRun returns the persisted state for a run id.
// Unknown fields in the stored blob are ignored, so states written by newer
// versions load cleanly.
func (db *DB) LoadRun(runID string) (*models.RunState, error) {
	row := db.QueryRow("SELECT state FROM runs WHERE run_id = ?", runID)

	var blob string
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, unavailable("load run", err)
	}

	var run models.RunState
	if err := json.Unmarshal([]byte(blob), &run); err != nil {
		return nil, unavailable("decode run state", err)
	}
	if run.PhaseOutputs == nil {
		run.PhaseOutputs = make(map[models.Phase]models.PhaseOutput)
	}
	return &run, nil
}

// RunExists reports whether a run id has persisted state.
func (db *DB) RunExists(runID string) (bool, error) {
	row := db.QueryRow("SELECT 1 FROM runs WHERE run_id = ?", runID)

	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, unavailable("run exists", err)
	}
	return true, nil
}

// ListRuns lists persisted runs, optionally filtered by status, most
// recently updated first.
func (db *DB) ListRuns(status *models.RunStatus) ([]*models.RunState, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT state FROM runs WHERE status = ? ORDER BY updated_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query("SELECT state FROM runs ORDER BY updated_at DESC")
	}
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()

	var runs []*models.RunState
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, unavailable("scan run", err)
		}
		var run models.RunState
		if err := json.Unmarshal([]byte(blob), &run); err != nil {
			return nil, unavailable("decode run state", err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// History returns the audit trail for a run, oldest first.
func (db *DB) History(runID string) ([]HistoryEntry, error) {
	rows, err := db.Query(`
		SELECT seq, run_id, phase, status, attempt_count, recorded_at
		FROM run_history WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, unavailable("run history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var recordedAt string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Phase, &e.Status, &e.AttemptCount, &recordedAt); err != nil {
			return nil, unavailable("scan history", err)
		}
		e.RecordedAt, _ = parseTime(recordedAt)
		entries = append(entries, e)
	}
	return entries, nil
}
