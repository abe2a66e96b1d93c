// Package state provides SQLite-based checkpoint persistence for Heimdall runs.
package state

import (
	"errors"
	"fmt"
	"io"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// UnavailableError wraps any store I/O failure other than a missing run.
// Callers retry these with bounded backoff before escalating.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("checkpoint store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// unavailable wraps err unless it is nil or already a not-found sentinel.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRunNotFound) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// RunStore handles run checkpoint persistence.
type RunStore interface {
	// SaveRun durably persists the full run state. It is idempotent: saving
	// the same state twice leaves one current record. A history row is
	// appended on every save.
	SaveRun(run *models.RunState) error
	// LoadRun returns the persisted state for a run id, or ErrRunNotFound.
	LoadRun(runID string) (*models.RunState, error)
	// RunExists reports whether a run id has persisted state.
	RunExists(runID string) (bool, error)
	// ListRuns lists persisted runs, optionally filtered by status, most
	// recently updated first.
	ListRuns(status *models.RunStatus) ([]*models.RunState, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// CheckpointStore defines the interface the orchestrator depends on.
// It composes focused sub-interfaces so callers can depend on less.
type CheckpointStore interface {
	io.Closer
	Migrator
	RunStore
}

// Compile-time verification that both implementations satisfy the interfaces.
var (
	_ CheckpointStore = (*DB)(nil)
	_ RunStore        = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ CheckpointStore = (*MemoryStore)(nil)
)
