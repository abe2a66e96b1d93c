package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// NoWorkersError indicates a stage has no registered workers. This is fatal
// for the run: the workflow cannot proceed past a stage nobody implements.
type NoWorkersError struct {
	Stage models.Phase
}

func (e *NoWorkersError) Error() string {
	return fmt.Sprintf("no workers registered for stage %s", e.Stage)
}

// StageFailedError indicates every worker in a mandatory stage failed.
type StageFailedError struct {
	Stage    models.Phase
	Failures int
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed: all %d workers failed", e.Stage, e.Failures)
}

// StageResult is the merged outcome of one stage execution. Successful
// worker results are unioned keyed by worker id; per-worker failures are
// captured independently so one worker's failure never aborts siblings.
type StageResult struct {
	Stage    models.Phase
	ByWorker map[string]json.RawMessage
	Failures []models.ErrorEntry
}

// ExecutorConfig configures stage execution.
type ExecutorConfig struct {
	// WorkerTimeout bounds each worker invocation. Zero means no timeout.
	WorkerTimeout time.Duration
	// BestEffort marks stages that succeed with an empty result when every
	// worker fails, instead of failing the run.
	BestEffort map[models.Phase]bool
}

// StageExecutor runs one stage at a time: it fans the stage out to all
// registered workers concurrently, applies the per-worker timeout, captures
// failures without cancelling siblings, and merges successful results.
type StageExecutor struct {
	registry *Registry
	cfg      ExecutorConfig
}

// NewStageExecutor creates a StageExecutor backed by the given registry.
func NewStageExecutor(registry *Registry, cfg ExecutorConfig) *StageExecutor {
	return &StageExecutor{registry: registry, cfg: cfg}
}

// workerOutcome is the completion record for one worker invocation.
type workerOutcome struct {
	workerID string
	result   json.RawMessage
	err      error
	timedOut bool
}

// RunStage executes a stage against the given state. The snapshot each
// worker receives is an independent deep copy, so workers cannot observe
// each other or mutate run state. Results are merged keyed by worker id;
// with duplicate ids the earlier-registered worker wins.
//
// Returns a StageResult plus a non-nil error only for run-fatal conditions
// (no workers, or all workers failed in a mandatory stage). The StageResult
// is returned even alongside an error so the caller can log the failures.
func (e *StageExecutor) RunStage(ctx context.Context, stage models.Phase, run *models.RunState, input json.RawMessage) (*StageResult, error) {
	workers := e.registry.WorkersFor(stage)
	if len(workers) == 0 {
		return nil, &NoWorkersError{Stage: stage}
	}

	outcomes := make([]workerOutcome, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			outcomes[i] = e.invoke(ctx, w, run.Clone(), input)
		}(i, w)
	}
	wg.Wait()

	result := &StageResult{
		Stage:    stage,
		ByWorker: make(map[string]json.RawMessage),
	}
	now := time.Now().UTC()
	for _, out := range outcomes {
		if out.err != nil {
			kind := models.ErrKindWorkerFailure
			if out.timedOut {
				kind = models.ErrKindTimeout
			}
			result.Failures = append(result.Failures, models.ErrorEntry{
				Phase:     stage,
				WorkerID:  out.workerID,
				Kind:      kind,
				Message:   out.err.Error(),
				Timestamp: now,
			})
			log.Printf("[executor] stage %s worker %s failed: %v", stage, out.workerID, out.err)
			continue
		}
		if _, exists := result.ByWorker[out.workerID]; exists {
			// Registration order breaks ties: first registration wins.
			continue
		}
		result.ByWorker[out.workerID] = out.result
	}

	if len(result.ByWorker) == 0 {
		if e.cfg.BestEffort[stage] {
			log.Printf("[executor] best-effort stage %s: all %d workers failed, continuing with empty result",
				stage, len(result.Failures))
			return result, nil
		}
		return result, &StageFailedError{Stage: stage, Failures: len(result.Failures)}
	}

	return result, nil
}

// invoke runs a single worker under the configured timeout. A panicking or
// timed-out worker is captured as a failure; siblings are unaffected. A
// worker that overruns its deadline is not forcibly killed — its goroutine
// drains in the background and the late result is discarded.
func (e *StageExecutor) invoke(ctx context.Context, w Worker, snapshot *models.RunState, input json.RawMessage) workerOutcome {
	out := workerOutcome{workerID: w.ID()}

	wctx := ctx
	cancel := context.CancelFunc(func() {})
	if e.cfg.WorkerTimeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, e.cfg.WorkerTimeout)
	}

	done := make(chan struct{})
	var result json.RawMessage
	var err error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		result, err = w.Execute(wctx, snapshot, input)
	}()

	select {
	case <-done:
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				out.timedOut = true
				out.err = fmt.Errorf("worker %s timed out after %s", w.ID(), e.cfg.WorkerTimeout)
			} else {
				out.err = err
			}
			return out
		}
		out.result = result
		return out
	case <-wctx.Done():
		cancel()
		if errors.Is(wctx.Err(), context.DeadlineExceeded) {
			out.timedOut = true
			out.err = fmt.Errorf("worker %s timed out after %s", w.ID(), e.cfg.WorkerTimeout)
		} else {
			out.err = wctx.Err()
		}
		return out
	}
}
