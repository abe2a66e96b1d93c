package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// MemoryStore is an in-memory CheckpointStore for tests and throwaway runs.
// States are stored serialized so load semantics (value isolation, unknown
// field handling) match the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string][]byte
	history map[string][]HistoryEntry
	seq     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string][]byte),
		history: make(map[string][]HistoryEntry),
	}
}

// SaveRun persists the run state in memory.
func (m *MemoryStore) SaveRun(run *models.RunState) error {
	blob, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = blob
	m.seq++
	m.history[run.RunID] = append(m.history[run.RunID], HistoryEntry{
		Seq:          m.seq,
		RunID:        run.RunID,
		Phase:        run.Phase,
		Status:       run.Status,
		AttemptCount: run.AttemptCount,
		RecordedAt:   time.Now().UTC(),
	})
	return nil
}

// LoadRun returns an independent copy of the persisted state.
func (m *MemoryStore) LoadRun(runID string) (*models.RunState, error) {
	m.mu.RLock()
	blob, ok := m.runs[runID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}

	var run models.RunState
	if err := json.Unmarshal(blob, &run); err != nil {
		return nil, unavailable("decode run state", err)
	}
	if run.PhaseOutputs == nil {
		run.PhaseOutputs = make(map[models.Phase]models.PhaseOutput)
	}
	return &run, nil
}

// RunExists reports whether a run id has persisted state.
func (m *MemoryStore) RunExists(runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runs[runID]
	return ok, nil
}

// ListRuns lists persisted runs, optionally filtered by status.
func (m *MemoryStore) ListRuns(status *models.RunStatus) ([]*models.RunState, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var runs []*models.RunState
	for _, id := range ids {
		run, err := m.LoadRun(id)
		if err != nil {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// History returns the audit trail for a run, oldest first.
func (m *MemoryStore) History(runID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistoryEntry(nil), m.history[runID]...), nil
}

// Migrate is a no-op for the in-memory store.
func (m *MemoryStore) Migrate() error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
