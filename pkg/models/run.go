// Package models defines the shared data types for Heimdall analysis runs.
package models

import (
	"encoding/json"
	"time"
)

// Phase identifies a step in the fixed workflow sequence.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseAnalysis    Phase = "analysis"
	PhaseSynthesis   Phase = "synthesis"
	PhaseValidation  Phase = "validation"
	PhaseHumanReview Phase = "human_review"
	PhaseFinalize    Phase = "finalize"
)

// PhaseOrder is the nominal order of phases for a run that never revises.
var PhaseOrder = []Phase{
	PhasePlanning,
	PhaseAnalysis,
	PhaseSynthesis,
	PhaseValidation,
	PhaseHumanReview,
	PhaseFinalize,
}

// Valid reports whether p is a known phase tag.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseAnalysis, PhaseSynthesis, PhaseValidation, PhaseHumanReview, PhaseFinalize:
		return true
	}
	return false
}

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunRunning       RunStatus = "running"
	RunAwaitingHuman RunStatus = "awaiting_human"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
)

// Terminal reports whether the status is final. A terminal RunState is
// never mutated again.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ErrorKind classifies entries in the run error log.
type ErrorKind string

const (
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindWorkerFailure    ErrorKind = "worker_failure"
	ErrKindNoWorkers        ErrorKind = "no_workers"
	ErrKindStoreUnavailable ErrorKind = "store_unavailable"
	ErrKindCeilingForced    ErrorKind = "ceiling_forced"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindReviewTimeout    ErrorKind = "review_timeout"
)

// ErrorEntry is one record in the append-only error log.
type ErrorEntry struct {
	Phase     Phase     `json:"phase"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Inputs is the immutable record of the original analysis request.
type Inputs struct {
	Ticker      string `json:"ticker"`
	CompanyName string `json:"company_name,omitempty"`
}

// PhaseOutput holds the merged result of one phase execution.
// Attempt records the attempt_count the output was produced under, so a
// resumed run can tell a stale synthesis output from a current one.
type PhaseOutput struct {
	Attempt    int                        `json:"attempt"`
	Results    map[string]json.RawMessage `json:"results"`
	RecordedAt time.Time                  `json:"recorded_at"`
}

// Verdict is the decision produced by the validation stage.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRevise  Verdict = "revise"
)

// FeedbackItem is one structured correction produced by validation or by a
// human reviewer, consumed by the next synthesis attempt.
type FeedbackItem struct {
	WorkerID string `json:"worker_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// ValidationOutcome is the shape a validation worker's result must decode to.
// The verdict drives the revise/approve transition; everything else in the
// result blob is opaque to the orchestrator.
type ValidationOutcome struct {
	Verdict  Verdict        `json:"verdict"`
	Feedback []FeedbackItem `json:"feedback,omitempty"`
}

// RunState is the single source of truth for one workflow instance.
// It is persisted to the checkpoint store after every phase transition.
type RunState struct {
	RunID           string                `json:"run_id"`
	Phase           Phase                 `json:"phase"`
	AttemptCount    int                   `json:"attempt_count"`
	Inputs          Inputs                `json:"inputs"`
	PhaseOutputs    map[Phase]PhaseOutput `json:"phase_outputs"`
	PendingFeedback []FeedbackItem        `json:"pending_feedback,omitempty"`
	Status          RunStatus             `json:"status"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	ErrorLog        []ErrorEntry          `json:"error_log,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// NewRunState creates a fresh run in the initial phase.
func NewRunState(runID string, inputs Inputs) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:        runID,
		Phase:        PhasePlanning,
		AttemptCount: 0,
		Inputs:       inputs,
		PhaseOutputs: make(map[Phase]PhaseOutput),
		Status:       RunRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy. The state machine mutates a clone and persists
// it before the new state becomes visible, so a crash mid-step leaves the
// previous state intact.
func (s *RunState) Clone() *RunState {
	c := *s
	c.PhaseOutputs = make(map[Phase]PhaseOutput, len(s.PhaseOutputs))
	for phase, out := range s.PhaseOutputs {
		results := make(map[string]json.RawMessage, len(out.Results))
		for id, blob := range out.Results {
			results[id] = append(json.RawMessage(nil), blob...)
		}
		out.Results = results
		c.PhaseOutputs[phase] = out
	}
	c.PendingFeedback = append([]FeedbackItem(nil), s.PendingFeedback...)
	c.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	return &c
}

// Output returns the recorded output for a phase, if any.
func (s *RunState) Output(phase Phase) (PhaseOutput, bool) {
	out, ok := s.PhaseOutputs[phase]
	return out, ok
}

// RecordOutput stores the merged results for a phase, stamped with the
// current attempt count. A retried phase overwrites its own prior entry and
// no other phase's.
func (s *RunState) RecordOutput(phase Phase, results map[string]json.RawMessage, at time.Time) {
	if s.PhaseOutputs == nil {
		s.PhaseOutputs = make(map[Phase]PhaseOutput)
	}
	s.PhaseOutputs[phase] = PhaseOutput{
		Attempt:    s.AttemptCount,
		Results:    results,
		RecordedAt: at.UTC(),
	}
}

// AppendError adds an entry to the error log. The log is append-only and is
// never cleared.
func (s *RunState) AppendError(e ErrorEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.ErrorLog = append(s.ErrorLog, e)
}

// LastError returns the most recent error log entry, or nil.
func (s *RunState) LastError() *ErrorEntry {
	if len(s.ErrorLog) == 0 {
		return nil
	}
	e := s.ErrorLog[len(s.ErrorLog)-1]
	return &e
}

// Terminal reports whether the run has reached a final status.
func (s *RunState) Terminal() bool {
	return s.Status.Terminal()
}

// Snapshot is the read-only view returned by progress queries. It is safe to
// poll frequently without affecting the run.
type Snapshot struct {
	RunID        string      `json:"run_id"`
	Ticker       string      `json:"ticker"`
	Phase        Phase       `json:"phase"`
	AttemptCount int         `json:"attempt_count"`
	Status       RunStatus   `json:"status"`
	LastError    *ErrorEntry `json:"last_error,omitempty"`
}

// Snapshot builds a progress snapshot from the state.
func (s *RunState) Snapshot() Snapshot {
	return Snapshot{
		RunID:        s.RunID,
		Ticker:       s.Inputs.Ticker,
		Phase:        s.Phase,
		AttemptCount: s.AttemptCount,
		Status:       s.Status,
		LastError:    s.LastError(),
	}
}
