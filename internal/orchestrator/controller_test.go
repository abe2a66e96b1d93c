package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarlsen/heimdall/internal/state"
	"github.com/mkarlsen/heimdall/pkg/models"
)

func TestControllerStartCompletesRun(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	c := New(state.NewMemoryStore(), r)

	final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME", CompanyName: "Acme Corp"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if final.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.FailureReason)
	}
	if final.RunID == "" || len(final.RunID) != 8 {
		t.Errorf("expected short run id, got %q", final.RunID)
	}
	if final.Inputs.Ticker != "ACME" || final.Inputs.CompanyName != "Acme Corp" {
		t.Errorf("inputs not preserved: %+v", final.Inputs)
	}
}

func TestControllerStartRequiresTicker(t *testing.T) {
	c := New(state.NewMemoryStore(), NewRegistry())
	if _, err := c.Start(context.Background(), models.Inputs{}); err == nil {
		t.Fatal("expected error for empty ticker")
	}
}

func TestControllerStatusAndList(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	c := New(state.NewMemoryStore(), r)

	final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap, err := c.Status(final.RunID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != models.RunCompleted || snap.Ticker != "ACME" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	completed := models.RunCompleted
	snaps, err := c.List(&completed)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].RunID != final.RunID {
		t.Errorf("unexpected list result: %+v", snaps)
	}

	failed := models.RunFailed
	snaps, err = c.List(&failed)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("expected no failed runs, got %d", len(snaps))
	}
}

func TestControllerStatusUnknownRun(t *testing.T) {
	c := New(state.NewMemoryStore(), NewRegistry())
	if _, err := c.Status("nope"); !errors.Is(err, state.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

// Simulates a crash between the analysis commit and the synthesis commit:
// the resumed run must re-enter at synthesis without re-running planning or
// analysis.
func TestControllerResumeAfterCrash(t *testing.T) {
	store := state.NewMemoryStore()

	var planRuns, analysisRuns, synthRuns atomic.Int32
	r := NewRegistry()
	r.Register(models.PhasePlanning, NewWorker("librarian", func(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
		planRuns.Add(1)
		return json.RawMessage(`{}`), nil
	}))
	r.Register(models.PhaseAnalysis, NewWorker("research", func(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
		analysisRuns.Add(1)
		return json.RawMessage(`{}`), nil
	}))
	r.Register(models.PhaseSynthesis, NewWorker("synthesizer", func(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
		synthRuns.Add(1)
		return json.RawMessage(`{"report":"draft"}`), nil
	}))
	r.Register(models.PhaseValidation, staticWorker("validator", `{"verdict":"approve"}`))
	r.Register(models.PhaseFinalize, staticWorker("delivery", `{}`))

	c := New(store, r)

	// Drive the run up to the synthesis commit by hand, then stop: this is
	// the state a killed process leaves behind.
	executor := NewStageExecutor(r, ExecutorConfig{})
	m := NewMachine(executor, store, &AutoApprover{}, 3, DefaultBackoffPolicy(), nil)

	run := models.NewRunState("crash-run", models.Inputs{Ticker: "ACME"})
	stepRun, err := m.persist(context.Background(), run)
	if err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	for stepRun.Phase != models.PhaseSynthesis {
		if stepRun, err = m.Step(context.Background(), stepRun, nil); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	// Process dies here: synthesis never commits.

	final, err := c.Resume(context.Background(), "crash-run")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := planRuns.Load(); got != 1 {
		t.Errorf("planning ran %d times, want 1", got)
	}
	if got := analysisRuns.Load(); got != 1 {
		t.Errorf("analysis ran %d times, want 1", got)
	}
	if got := synthRuns.Load(); got != 1 {
		t.Errorf("synthesis ran %d times, want 1", got)
	}
}

func TestControllerResumeRefusesTerminalRun(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	c := New(state.NewMemoryStore(), r)

	final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := c.Resume(context.Background(), final.RunID); err == nil {
		t.Fatal("expected error resuming a completed run")
	}
}

func TestControllerResumeRefusesActiveRun(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	store := state.NewMemoryStore()
	reviewer := NewChannelReviewer(5 * time.Second)
	c := New(store, r, WithReviewer(reviewer))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"}); err != nil {
			t.Errorf("Start failed: %v", err)
		}
	}()

	var runID string
	select {
	case req := <-reviewer.Requests():
		runID = req.RunID
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached review")
	}

	if _, err := c.Resume(context.Background(), runID); err == nil {
		t.Error("expected error resuming an active run")
	}

	reviewer.Submit(runID, ReviewDecision{Approved: true})
	<-done
}

// Concurrent starts must stay fully isolated: distinct ids, no cross-talk
// between persisted states.
func TestControllerConcurrentRuns(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	store := state.NewMemoryStore()
	c := New(store, r)

	tickers := []string{"AAA", "BBB", "CCC", "DDD"}
	results := make([]*models.RunState, len(tickers))
	var wg sync.WaitGroup
	for i, ticker := range tickers {
		wg.Add(1)
		go func(i int, ticker string) {
			defer wg.Done()
			final, err := c.Start(context.Background(), models.Inputs{Ticker: ticker})
			if err != nil {
				t.Errorf("Start %s failed: %v", ticker, err)
				return
			}
			results[i] = final
		}(i, ticker)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, final := range results {
		if final == nil {
			continue
		}
		if seen[final.RunID] {
			t.Errorf("duplicate run id %s", final.RunID)
		}
		seen[final.RunID] = true
		if final.Inputs.Ticker != tickers[i] {
			t.Errorf("run %s carries ticker %s, want %s", final.RunID, final.Inputs.Ticker, tickers[i])
		}
		if final.Status != models.RunCompleted {
			t.Errorf("run %s ended %s", final.RunID, final.Status)
		}
	}
}

func TestControllerCancelSuspendedRun(t *testing.T) {
	store := state.NewMemoryStore()
	run := models.NewRunState("suspended", models.Inputs{Ticker: "ACME"})
	run.Phase = models.PhaseSynthesis
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	c := New(store, NewRegistry())
	if err := c.Cancel(context.Background(), "suspended"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	persisted, err := store.LoadRun("suspended")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if persisted.Status != models.RunFailed {
		t.Errorf("expected failed, got %s", persisted.Status)
	}
	last := persisted.LastError()
	if last == nil || last.Kind != models.ErrKindCancelled {
		t.Errorf("expected cancelled entry, got %+v", last)
	}
}

func TestControllerCancelTerminalRunIsError(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	c := New(state.NewMemoryStore(), r)

	final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Cancel(context.Background(), final.RunID); err == nil {
		t.Fatal("expected error cancelling a completed run")
	}
}

// Cancelling a run blocked in human review must interrupt the wait right
// away, not after the review window elapses: the review timeout here is far
// longer than the test will wait.
func TestControllerCancelInterruptsReviewWait(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	store := state.NewMemoryStore()
	reviewer := NewChannelReviewer(time.Hour)
	c := New(store, r, WithReviewer(reviewer))

	done := make(chan *models.RunState, 1)
	go func() {
		final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"})
		if err != nil {
			t.Errorf("Start failed: %v", err)
		}
		done <- final
	}()

	var runID string
	select {
	case req := <-reviewer.Requests():
		runID = req.RunID
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached review")
	}

	cancelledAt := time.Now()
	if err := c.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case final := <-done:
		if final == nil {
			t.Fatal("no final state")
		}
		if elapsed := time.Since(cancelledAt); elapsed > 2*time.Second {
			t.Errorf("cancel took %s to interrupt the review wait", elapsed)
		}
		if final.Status != models.RunFailed {
			t.Errorf("expected failed after cancel, got %s", final.Status)
		}
		last := final.LastError()
		if last == nil || last.Kind != models.ErrKindCancelled {
			t.Errorf("expected cancelled entry, got %+v", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never ended after cancel")
	}

	persisted, err := store.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if persisted.Status != models.RunFailed {
		t.Errorf("cancelled state not persisted: %s", persisted.Status)
	}
}

// A caller context expiring mid-review is not an operator cancel: the run
// stays awaiting_human so a later resume re-enters the wait.
func TestReviewWaitSurvivesCallerContextExpiry(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	store := state.NewMemoryStore()
	reviewer := NewChannelReviewer(time.Hour)
	c := New(store, r, WithReviewer(reviewer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var runID string
	ready := make(chan struct{})
	go func() {
		_, err := c.Start(ctx, models.Inputs{Ticker: "ACME"})
		done <- err
	}()
	go func() {
		req := <-reviewer.Requests()
		runID = req.RunID
		close(ready)
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached review")
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error when the caller context expires")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after context expiry")
	}

	persisted, err := store.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if persisted.Status != models.RunAwaitingHuman {
		t.Errorf("expected awaiting_human preserved for resume, got %s", persisted.Status)
	}
}

func TestControllerEmitsLifecycleEvents(t *testing.T) {
	r := NewRegistry()
	registerPipeline(r, models.VerdictApprove)
	emitter := NewEventEmitter(256)
	c := New(state.NewMemoryStore(), r, WithEventEmitter(emitter))

	final, err := c.Start(context.Background(), models.Inputs{Ticker: "ACME"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	emitter.Close()

	got := make(map[EventType]int)
	for event := range emitter.Events() {
		if event.RunID != final.RunID {
			t.Errorf("event for unexpected run: %+v", event)
		}
		got[event.Type]++
	}
	for _, want := range []EventType{EventRunStarted, EventPhaseStarted, EventPhaseCompleted, EventAwaitingReview, EventReviewReceived, EventRunCompleted} {
		if got[want] == 0 {
			t.Errorf("missing %s event; saw %+v", want, got)
		}
	}
}
