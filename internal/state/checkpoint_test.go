package state

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// openTestDB opens a migrated database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "heimdall.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// stores returns both CheckpointStore implementations for shared tests.
func stores(t *testing.T) map[string]CheckpointStore {
	t.Helper()
	return map[string]CheckpointStore{
		"sqlite": openTestDB(t),
		"memory": NewMemoryStore(),
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			run := models.NewRunState("run-1", models.Inputs{Ticker: "AAPL", CompanyName: "Apple Inc."})
			run.Phase = models.PhaseSynthesis
			run.AttemptCount = 1
			run.RecordOutput(models.PhaseAnalysis, map[string]json.RawMessage{
				"risk":      json.RawMessage(`{"score":7}`),
				"valuation": json.RawMessage(`{"dcf":123.4}`),
			}, time.Now())
			run.PendingFeedback = []models.FeedbackItem{{WorkerID: "risk", Message: "expand downside case"}}
			run.AppendError(models.ErrorEntry{
				Phase: models.PhaseAnalysis, WorkerID: "research",
				Kind: models.ErrKindTimeout, Message: "deadline exceeded",
			})

			if err := store.SaveRun(run); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.LoadRun("run-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Phase != models.PhaseSynthesis || got.AttemptCount != 1 {
				t.Errorf("loaded phase/attempt = %s/%d", got.Phase, got.AttemptCount)
			}
			out, ok := got.Output(models.PhaseAnalysis)
			if !ok || len(out.Results) != 2 {
				t.Fatalf("analysis output not preserved: %+v", out)
			}
			if string(out.Results["risk"]) != `{"score":7}` {
				t.Errorf("risk blob = %s", out.Results["risk"])
			}
			if len(got.PendingFeedback) != 1 || got.PendingFeedback[0].WorkerID != "risk" {
				t.Errorf("pending feedback not preserved: %+v", got.PendingFeedback)
			}
			if len(got.ErrorLog) != 1 || got.ErrorLog[0].Kind != models.ErrKindTimeout {
				t.Errorf("error log not preserved: %+v", got.ErrorLog)
			}
		})
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			run := models.NewRunState("run-1", models.Inputs{Ticker: "AAPL"})
			if err := store.SaveRun(run); err != nil {
				t.Fatalf("first save: %v", err)
			}
			if err := store.SaveRun(run); err != nil {
				t.Fatalf("second save: %v", err)
			}

			runs, err := store.ListRuns(nil)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(runs) != 1 {
				t.Errorf("idempotent save should leave one record, got %d", len(runs))
			}
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.LoadRun("missing")
			if !errors.Is(err, ErrRunNotFound) {
				t.Errorf("want ErrRunNotFound, got %v", err)
			}
			if IsUnavailable(err) {
				t.Error("not-found must not be classified as transient")
			}
		})
	}
}

func TestRunExists(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			exists, err := store.RunExists("run-1")
			if err != nil || exists {
				t.Errorf("exists before save = %v, %v", exists, err)
			}
			if err := store.SaveRun(models.NewRunState("run-1", models.Inputs{Ticker: "AAPL"})); err != nil {
				t.Fatalf("save: %v", err)
			}
			exists, err = store.RunExists("run-1")
			if err != nil || !exists {
				t.Errorf("exists after save = %v, %v", exists, err)
			}
		})
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			active := models.NewRunState("run-active", models.Inputs{Ticker: "AAPL"})
			done := models.NewRunState("run-done", models.Inputs{Ticker: "MSFT"})
			done.Status = models.RunCompleted
			for _, r := range []*models.RunState{active, done} {
				if err := store.SaveRun(r); err != nil {
					t.Fatalf("save: %v", err)
				}
			}

			status := models.RunCompleted
			runs, err := store.ListRuns(&status)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(runs) != 1 || runs[0].RunID != "run-done" {
				t.Errorf("filtered list = %+v", runs)
			}
		})
	}
}

func TestHistoryAppendsEverySave(t *testing.T) {
	db := openTestDB(t)

	run := models.NewRunState("run-1", models.Inputs{Ticker: "AAPL"})
	phases := []models.Phase{models.PhasePlanning, models.PhaseAnalysis, models.PhaseSynthesis}
	for _, p := range phases {
		run.Phase = p
		if err := db.SaveRun(run); err != nil {
			t.Fatalf("save at %s: %v", p, err)
		}
	}

	entries, err := db.History("run-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != len(phases) {
		t.Fatalf("history rows = %d, want %d", len(entries), len(phases))
	}
	for i, p := range phases {
		if entries[i].Phase != p {
			t.Errorf("history[%d].Phase = %s, want %s", i, entries[i].Phase, p)
		}
	}
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	db := openTestDB(t)

	// Simulate a row written by a newer version with an extra field.
	blob := `{"run_id":"run-1","phase":"validation","attempt_count":2,"status":"running",` +
		`"inputs":{"ticker":"AAPL"},"shiny_new_field":[1,2,3]}`
	_, err := db.Exec(`
		INSERT INTO runs (run_id, ticker, phase, status, attempt_count, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, "run-1", "AAPL", "validation", "running", 2, blob,
		formatTime(time.Now()), formatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	run, err := db.LoadRun("run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if run.Phase != models.PhaseValidation || run.AttemptCount != 2 {
		t.Errorf("loaded %s/%d", run.Phase, run.AttemptCount)
	}
}

func TestReopenSeesPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	run := models.NewRunState("run-1", models.Inputs{Ticker: "AAPL"})
	run.Phase = models.PhaseSynthesis
	if err := db.SaveRun(run); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A new process resuming after a crash sees the last committed state.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	got, err := db2.LoadRun("run-1")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got.Phase != models.PhaseSynthesis {
		t.Errorf("phase after reopen = %s", got.Phase)
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := openTestDB(t)

	run := models.NewRunState("run-old", models.Inputs{Ticker: "AAPL"})
	if err := db.SaveRun(run); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Backdate the row so it falls past the cutoff.
	if _, err := db.Exec("UPDATE runs SET updated_at = ?", formatTime(time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	count, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count != 1 {
		t.Errorf("purged %d runs, want 1", count)
	}
	if _, err := db.LoadRun("run-old"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("purged run should be gone, got %v", err)
	}
	entries, err := db.History("run-old")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("history should be purged with the run, got %d rows", len(entries))
	}
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	store := NewMemoryStore()
	run := models.NewRunState("run-1", models.Inputs{Ticker: "AAPL"})
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("save: %v", err)
	}

	a, _ := store.LoadRun("run-1")
	a.Phase = models.PhaseFinalize

	b, _ := store.LoadRun("run-1")
	if b.Phase != models.PhasePlanning {
		t.Error("mutating a loaded state must not affect the store")
	}
}
