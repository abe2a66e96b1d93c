package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/mkarlsen/heimdall/internal/state"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Machine advances a run through the workflow one durable transition at a
// time. Each Step executes at most one stage, folds the result into a clone
// of the state, and persists the clone before it becomes visible. A crash
// between steps therefore loses at most one in-flight stage, and resuming
// re-enters exactly at the first uncommitted phase.
type Machine struct {
	executor *StageExecutor
	store    state.RunStore
	reviewer Reviewer
	ceiling  int
	backoff  BackoffPolicy
	emitter  *EventEmitter
}

// NewMachine assembles a state machine. A nil reviewer defaults to immediate
// auto-approval; a ceiling below 1 defaults to DefaultReviseCeiling.
func NewMachine(executor *StageExecutor, store state.RunStore, reviewer Reviewer, ceiling int, backoff BackoffPolicy, emitter *EventEmitter) *Machine {
	if reviewer == nil {
		reviewer = &AutoApprover{}
	}
	if ceiling < 1 {
		ceiling = DefaultReviseCeiling
	}
	return &Machine{
		executor: executor,
		store:    store,
		reviewer: reviewer,
		ceiling:  ceiling,
		backoff:  backoff,
		emitter:  emitter,
	}
}

// DefaultReviseCeiling bounds the validation→synthesis revise loop.
const DefaultReviseCeiling = 3

func (m *Machine) emit(event Event) {
	if m.emitter != nil {
		m.emitter.Emit(event)
	}
}

// Drive runs Step in a loop until the run reaches a terminal status or an
// infrastructure error stops progress. The returned state is the last
// persisted one.
func (m *Machine) Drive(ctx context.Context, run *models.RunState, cancelled func() bool) (*models.RunState, error) {
	for !run.Terminal() {
		next, err := m.Step(ctx, run, cancelled)
		if err != nil {
			return run, err
		}
		run = next
	}
	return run, nil
}

// Step advances the run by one phase transition. It returns the new
// persisted state. Run-level failures (stage exhausted, cancellation) are
// folded into a terminal persisted state and returned with a nil error;
// only infrastructure failures (persist exhausted, context cancelled)
// return a non-nil error.
func (m *Machine) Step(ctx context.Context, run *models.RunState, cancelled func() bool) (*models.RunState, error) {
	if run.Terminal() {
		return run, nil
	}
	if cancelled != nil && cancelled() {
		return m.failRun(ctx, run, models.ErrKindCancelled, "run cancelled")
	}
	if err := ctx.Err(); err != nil {
		return run, err
	}

	if run.Phase == models.PhaseHumanReview {
		return m.stepHumanReview(ctx, run, cancelled)
	}

	// Idempotent re-entry: an output committed under the current attempt
	// means the stage already ran; only the transition is outstanding.
	if out, ok := run.Output(run.Phase); ok && out.Attempt == run.AttemptCount {
		log.Printf("[orchestrator] run %s: reusing committed %s output from attempt %d",
			run.RunID, run.Phase, out.Attempt)
		m.emit(Event{Type: EventPhaseSkipped, RunID: run.RunID, Phase: run.Phase, Attempt: run.AttemptCount})
		next := run.Clone()
		m.transition(next, out)
		return m.persist(ctx, next)
	}

	m.emit(Event{Type: EventPhaseStarted, RunID: run.RunID, Phase: run.Phase, Attempt: run.AttemptCount})

	result, stageErr := m.executor.RunStage(ctx, run.Phase, run, m.stageInput(run))

	if cancelled != nil && cancelled() {
		// Computed results are discarded; the run ends at its last
		// committed state plus the cancellation record.
		return m.failRun(ctx, run, models.ErrKindCancelled, "run cancelled")
	}
	if err := ctx.Err(); err != nil {
		return run, err
	}

	next := run.Clone()
	if result != nil {
		for _, fail := range result.Failures {
			next.AppendError(fail)
			m.emit(Event{
				Type:     EventWorkerFailed,
				RunID:    run.RunID,
				Phase:    run.Phase,
				WorkerID: fail.WorkerID,
				Attempt:  run.AttemptCount,
				Message:  fail.Message,
			})
		}
	}

	if stageErr != nil {
		kind := models.ErrKindWorkerFailure
		if _, ok := stageErr.(*NoWorkersError); ok {
			kind = models.ErrKindNoWorkers
		}
		next.AppendError(models.ErrorEntry{
			Phase:   run.Phase,
			Kind:    kind,
			Message: stageErr.Error(),
		})
		next.Status = models.RunFailed
		next.FailureReason = stageErr.Error()
		persisted, err := m.persist(ctx, next)
		if err != nil {
			return run, err
		}
		m.emit(Event{Type: EventRunFailed, RunID: run.RunID, Phase: run.Phase, Message: stageErr.Error()})
		return persisted, nil
	}

	next.RecordOutput(run.Phase, result.ByWorker, time.Now())
	out := next.PhaseOutputs[run.Phase]
	m.emit(Event{Type: EventPhaseCompleted, RunID: run.RunID, Phase: run.Phase, Attempt: run.AttemptCount})

	m.transition(next, out)
	return m.persist(ctx, next)
}

// stageInput builds the phase-specific input payload. Synthesis receives
// the pending feedback from the previous validation round; other stages
// work from the snapshot alone.
func (m *Machine) stageInput(run *models.RunState) json.RawMessage {
	if run.Phase != models.PhaseSynthesis || len(run.PendingFeedback) == 0 {
		return nil
	}
	blob, err := json.Marshal(run.PendingFeedback)
	if err != nil {
		log.Printf("[orchestrator] run %s: marshal pending feedback: %v", run.RunID, err)
		return nil
	}
	return blob
}

// transition mutates next in place with the phase that follows a committed
// output, applying the validation verdict and the revise ceiling.
func (m *Machine) transition(next *models.RunState, out models.PhaseOutput) {
	switch next.Phase {
	case models.PhasePlanning:
		next.Phase = models.PhaseAnalysis

	case models.PhaseAnalysis:
		next.Phase = models.PhaseSynthesis

	case models.PhaseSynthesis:
		// The feedback that shaped this synthesis attempt is consumed.
		next.PendingFeedback = nil
		next.Phase = models.PhaseValidation

	case models.PhaseValidation:
		verdict, feedback := foldVerdicts(next.RunID, out)
		if verdict == models.VerdictRevise {
			if next.AttemptCount >= m.ceiling {
				next.AppendError(models.ErrorEntry{
					Phase: models.PhaseValidation,
					Kind:  models.ErrKindCeilingForced,
					Message: fmt.Sprintf("revise ceiling %d reached at attempt %d, forcing approval with caveat",
						m.ceiling, next.AttemptCount),
				})
				m.emit(Event{Type: EventCeilingForced, RunID: next.RunID, Phase: next.Phase, Attempt: next.AttemptCount})
				next.Phase = models.PhaseHumanReview
				return
			}
			next.AttemptCount++
			next.PendingFeedback = feedback
			next.Phase = models.PhaseSynthesis
			m.emit(Event{Type: EventReviseRequested, RunID: next.RunID, Phase: models.PhaseValidation, Attempt: next.AttemptCount})
			return
		}
		next.Phase = models.PhaseHumanReview

	case models.PhaseFinalize:
		next.Status = models.RunCompleted
		m.emit(Event{Type: EventRunCompleted, RunID: next.RunID, Phase: models.PhaseFinalize})
	}
}

// stepHumanReview is the blocking review path. The awaiting_human status is
// persisted before the wait begins, so a crash while waiting resumes back
// into the wait rather than re-running validation.
func (m *Machine) stepHumanReview(ctx context.Context, run *models.RunState, cancelled func() bool) (*models.RunState, error) {
	if run.Status != models.RunAwaitingHuman {
		waiting := run.Clone()
		waiting.Status = models.RunAwaitingHuman
		persisted, err := m.persist(ctx, waiting)
		if err != nil {
			return run, err
		}
		run = persisted
		m.emit(Event{Type: EventAwaitingReview, RunID: run.RunID, Phase: run.Phase, Attempt: run.AttemptCount})
	}

	synthesis, _ := run.Output(models.PhaseSynthesis)
	var lastFeedback []models.FeedbackItem
	if validation, ok := run.Output(models.PhaseValidation); ok {
		_, lastFeedback = foldVerdicts(run.RunID, validation)
	}
	req := ReviewRequest{
		RunID:           run.RunID,
		Ticker:          run.Inputs.Ticker,
		AttemptCount:    run.AttemptCount,
		Synthesis:       synthesis,
		FeedbackHistory: lastFeedback,
		ForcedApproval:  wasCeilingForced(run),
	}

	decision, err := m.reviewer.Await(ctx, req)
	if err != nil {
		if cancelled != nil && cancelled() {
			return m.failRun(ctx, run, models.ErrKindCancelled, "run cancelled during review")
		}
		// The run stays awaiting_human; resume re-enters the wait.
		return run, fmt.Errorf("await review for run %s: %w", run.RunID, err)
	}
	if cancelled != nil && cancelled() {
		return m.failRun(ctx, run, models.ErrKindCancelled, "run cancelled during review")
	}

	next := run.Clone()
	if decision.TimedOut {
		next.AppendError(models.ErrorEntry{
			Phase:   models.PhaseHumanReview,
			Kind:    models.ErrKindReviewTimeout,
			Message: "review window elapsed, proceeding with implicit approval",
		})
	}

	blob, merr := json.Marshal(decision)
	if merr != nil {
		return run, fmt.Errorf("encode review decision for run %s: %w", run.RunID, merr)
	}
	next.RecordOutput(models.PhaseHumanReview, map[string]json.RawMessage{decision.Reviewer: blob}, time.Now())
	if len(decision.Feedback) > 0 {
		next.PendingFeedback = decision.Feedback
	}
	next.Status = models.RunRunning
	next.Phase = models.PhaseFinalize

	persisted, err := m.persist(ctx, next)
	if err != nil {
		return run, err
	}
	m.emit(Event{Type: EventReviewReceived, RunID: run.RunID, Phase: models.PhaseHumanReview, Attempt: run.AttemptCount})
	return persisted, nil
}

// foldVerdicts merges the validation workers' outcomes: any revise verdict
// wins, and feedback from all revising workers is concatenated in sorted
// worker-id order so the fold is deterministic.
func foldVerdicts(runID string, out models.PhaseOutput) (models.Verdict, []models.FeedbackItem) {
	ids := make([]string, 0, len(out.Results))
	for id := range out.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	verdict := models.VerdictApprove
	var feedback []models.FeedbackItem
	for _, id := range ids {
		var outcome models.ValidationOutcome
		if err := json.Unmarshal(out.Results[id], &outcome); err != nil {
			log.Printf("[orchestrator] run %s: validator %s produced undecodable outcome, treating as approve: %v",
				runID, id, err)
			continue
		}
		if outcome.Verdict != models.VerdictRevise {
			continue
		}
		verdict = models.VerdictRevise
		for _, item := range outcome.Feedback {
			if item.WorkerID == "" {
				item.WorkerID = id
			}
			feedback = append(feedback, item)
		}
	}
	return verdict, feedback
}

// wasCeilingForced reports whether the run reached human review via a
// forced approval rather than a genuine approve verdict.
func wasCeilingForced(run *models.RunState) bool {
	for _, e := range run.ErrorLog {
		if e.Kind == models.ErrKindCeilingForced {
			return true
		}
	}
	return false
}

// failRun commits a terminal failed state carrying the given error record.
func (m *Machine) failRun(ctx context.Context, run *models.RunState, kind models.ErrorKind, reason string) (*models.RunState, error) {
	next := run.Clone()
	next.AppendError(models.ErrorEntry{
		Phase:   run.Phase,
		Kind:    kind,
		Message: reason,
	})
	next.Status = models.RunFailed
	next.FailureReason = reason
	persisted, err := m.persist(ctx, next)
	if err != nil {
		return run, err
	}
	m.emit(Event{Type: EventRunFailed, RunID: run.RunID, Phase: run.Phase, Message: reason})
	return persisted, nil
}

// persist saves the state, retrying transient store failures with backoff.
// On success the saved state becomes the caller's new current state.
func (m *Machine) persist(ctx context.Context, run *models.RunState) (*models.RunState, error) {
	run.UpdatedAt = time.Now().UTC()
	err := withBackoff(ctx, m.backoff, state.IsUnavailable, func() error {
		return m.store.SaveRun(run)
	})
	if err != nil {
		return nil, fmt.Errorf("persist run %s at phase %s: %w", run.RunID, run.Phase, err)
	}
	return run, nil
}
