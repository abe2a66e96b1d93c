package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/mkarlsen/heimdall/internal/state"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Controller is the public face of the orchestrator: it creates runs,
// drives them to a terminal status, resumes suspended ones, and answers
// progress queries. Each run is driven by the caller's goroutine; the
// controller only tracks which runs are active so concurrent starts stay
// isolated and cancellation can reach an in-flight run.
type Controller struct {
	store    state.RunStore
	registry *Registry
	reviewer Reviewer
	ceiling  int
	backoff  BackoffPolicy
	emitter  *EventEmitter

	executorCfg ExecutorConfig

	mu     sync.Mutex
	active map[string]*runHandle
}

// runHandle tracks one in-flight run. The cancel func tears down the run's
// derived context so a cancellation interrupts blocking waits (worker
// execution, the human-review wait) instead of waiting them out.
type runHandle struct {
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

// requestCancel flags the run and cancels its context. The flag is what
// distinguishes an operator cancel from the caller's context expiring.
func (h *runHandle) requestCancel() {
	h.mu.Lock()
	h.cancelled = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *runHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// New creates a Controller backed by the given checkpoint store and worker
// registry.
func New(store state.RunStore, registry *Registry, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		registry: registry,
		reviewer: &AutoApprover{},
		ceiling:  DefaultReviseCeiling,
		backoff:  DefaultBackoffPolicy(),
		active:   make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) machine() *Machine {
	executor := NewStageExecutor(c.registry, c.executorCfg)
	return NewMachine(executor, c.store, c.reviewer, c.ceiling, c.backoff, c.emitter)
}

func (c *Controller) emit(event Event) {
	if c.emitter != nil {
		c.emitter.Emit(event)
	}
}

// track registers a run as active and returns a context derived from ctx
// that Cancel can tear down. It fails when the run is already being driven,
// so two drivers can never interleave saves for one run.
func (c *Controller) track(ctx context.Context, runID string) (context.Context, *runHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[runID]; exists {
		return nil, nil, fmt.Errorf("run %s is already active", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel}
	c.active[runID] = h
	return runCtx, h, nil
}

func (c *Controller) untrack(runID string) {
	c.mu.Lock()
	h := c.active[runID]
	delete(c.active, runID)
	c.mu.Unlock()

	if h != nil {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Start creates a new run for the given inputs and drives it until it
// reaches a terminal status or suspends on an infrastructure error. The
// returned state is the last persisted one.
func (c *Controller) Start(ctx context.Context, inputs models.Inputs) (*models.RunState, error) {
	if inputs.Ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	runID := uuid.New().String()[:8]
	run := models.NewRunState(runID, inputs)

	runCtx, handle, err := c.track(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer c.untrack(runID)

	m := c.machine()
	persisted, err := m.persist(runCtx, run)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log.Printf("[orchestrator] run %s started for %s", runID, inputs.Ticker)
	c.emit(Event{Type: EventRunStarted, RunID: runID, Phase: persisted.Phase})

	return m.Drive(runCtx, persisted, handle.isCancelled)
}

// Resume loads a suspended run and drives it forward from its last
// committed transition. Terminal runs are refused.
func (c *Controller) Resume(ctx context.Context, runID string) (*models.RunState, error) {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if run.Terminal() {
		return nil, fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	runCtx, handle, err := c.track(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer c.untrack(runID)

	log.Printf("[orchestrator] run %s resumed at phase %s (attempt %d)", runID, run.Phase, run.AttemptCount)
	c.emit(Event{Type: EventRunResumed, RunID: runID, Phase: run.Phase, Attempt: run.AttemptCount})

	return c.machine().Drive(runCtx, run, handle.isCancelled)
}

// Status returns a read-only progress snapshot for a run.
func (c *Controller) Status(runID string) (models.Snapshot, error) {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("status of run %s: %w", runID, err)
	}
	return run.Snapshot(), nil
}

// List returns snapshots of persisted runs, optionally filtered by status.
func (c *Controller) List(status *models.RunStatus) ([]models.Snapshot, error) {
	runs, err := c.store.ListRuns(status)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	snapshots := make([]models.Snapshot, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, run.Snapshot())
	}
	return snapshots, nil
}

// Cancel stops a run. An active run has its context torn down, which
// interrupts blocking waits (including a pending human review) immediately;
// any in-flight stage results are discarded. A suspended run is marked
// failed directly. Cancelling a terminal run is an error.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	handle, isActive := c.active[runID]
	c.mu.Unlock()

	if isActive {
		handle.requestCancel()
		log.Printf("[orchestrator] run %s flagged for cancellation", runID)
		return nil
	}

	run, err := c.store.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if run.Terminal() {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	_, err = c.machine().failRun(ctx, run, models.ErrKindCancelled, "run cancelled")
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	log.Printf("[orchestrator] run %s cancelled", runID)
	return nil
}
