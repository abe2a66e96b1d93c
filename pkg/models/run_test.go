package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewRunState(t *testing.T) {
	s := NewRunState("abc123", Inputs{Ticker: "AAPL"})

	if s.Phase != PhasePlanning {
		t.Errorf("new run should start in planning, got %s", s.Phase)
	}
	if s.AttemptCount != 0 {
		t.Errorf("new run should have attempt_count 0, got %d", s.AttemptCount)
	}
	if s.Status != RunRunning {
		t.Errorf("new run should be running, got %s", s.Status)
	}
	if s.PhaseOutputs == nil {
		t.Error("phase outputs map should be initialized")
	}
}

func TestPhaseValid(t *testing.T) {
	for _, p := range PhaseOrder {
		if !p.Valid() {
			t.Errorf("phase %s should be valid", p)
		}
	}
	if Phase("bogus").Valid() {
		t.Error("unknown phase should not be valid")
	}
}

func TestStatusTerminal(t *testing.T) {
	if RunRunning.Terminal() || RunAwaitingHuman.Terminal() {
		t.Error("running and awaiting_human are not terminal")
	}
	if !RunCompleted.Terminal() || !RunFailed.Terminal() {
		t.Error("completed and failed are terminal")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewRunState("abc123", Inputs{Ticker: "AAPL"})
	s.RecordOutput(PhasePlanning, map[string]json.RawMessage{
		"librarian": json.RawMessage(`{"plan":"x"}`),
	}, time.Now())
	s.AppendError(ErrorEntry{Phase: PhasePlanning, Kind: ErrKindWorkerFailure, Message: "boom"})
	s.PendingFeedback = []FeedbackItem{{Message: "fix it"}}

	c := s.Clone()
	c.RecordOutput(PhaseAnalysis, map[string]json.RawMessage{"risk": json.RawMessage(`{}`)}, time.Now())
	c.AppendError(ErrorEntry{Phase: PhaseAnalysis, Kind: ErrKindTimeout, Message: "slow"})
	c.PendingFeedback[0].Message = "changed"
	c.PhaseOutputs[PhasePlanning].Results["librarian"][0] = '['

	if _, ok := s.Output(PhaseAnalysis); ok {
		t.Error("recording on the clone must not affect the original")
	}
	if len(s.ErrorLog) != 1 {
		t.Errorf("original error log grew: %d entries", len(s.ErrorLog))
	}
	if s.PendingFeedback[0].Message != "fix it" {
		t.Error("pending feedback should not be shared with the clone")
	}
	if string(s.PhaseOutputs[PhasePlanning].Results["librarian"]) != `{"plan":"x"}` {
		t.Error("result blobs should not be shared with the clone")
	}
}

func TestRecordOutputStampsAttempt(t *testing.T) {
	s := NewRunState("abc123", Inputs{Ticker: "AAPL"})
	s.AttemptCount = 2
	s.RecordOutput(PhaseSynthesis, map[string]json.RawMessage{"synthesis": json.RawMessage(`{}`)}, time.Now())

	out, ok := s.Output(PhaseSynthesis)
	if !ok {
		t.Fatal("output not recorded")
	}
	if out.Attempt != 2 {
		t.Errorf("output should carry attempt 2, got %d", out.Attempt)
	}
}

func TestRecordOutputOverwritesSamePhaseOnly(t *testing.T) {
	s := NewRunState("abc123", Inputs{Ticker: "AAPL"})
	s.RecordOutput(PhaseSynthesis, map[string]json.RawMessage{"synthesis": json.RawMessage(`{"v":1}`)}, time.Now())
	s.RecordOutput(PhaseValidation, map[string]json.RawMessage{"validator": json.RawMessage(`{"v":1}`)}, time.Now())

	s.AttemptCount = 1
	s.RecordOutput(PhaseSynthesis, map[string]json.RawMessage{"synthesis": json.RawMessage(`{"v":2}`)}, time.Now())

	if string(s.PhaseOutputs[PhaseSynthesis].Results["synthesis"]) != `{"v":2}` {
		t.Error("retried phase should overwrite its own entry")
	}
	if string(s.PhaseOutputs[PhaseValidation].Results["validator"]) != `{"v":1}` {
		t.Error("retried phase must not touch another phase's entry")
	}
}

func TestSnapshotLastError(t *testing.T) {
	s := NewRunState("abc123", Inputs{Ticker: "AAPL"})
	if s.Snapshot().LastError != nil {
		t.Error("snapshot of clean run should have no last error")
	}

	s.AppendError(ErrorEntry{Phase: PhaseAnalysis, WorkerID: "risk", Kind: ErrKindTimeout, Message: "deadline"})
	snap := s.Snapshot()
	if snap.LastError == nil || snap.LastError.WorkerID != "risk" {
		t.Errorf("snapshot should surface the most recent error, got %+v", snap.LastError)
	}
	if snap.Ticker != "AAPL" {
		t.Errorf("snapshot ticker = %q", snap.Ticker)
	}
}

func TestUnknownFieldsIgnoredOnDecode(t *testing.T) {
	// Forward compatibility: a state blob written by a newer version may
	// carry fields this version does not know about.
	blob := []byte(`{"run_id":"abc123","phase":"synthesis","attempt_count":1,` +
		`"status":"running","inputs":{"ticker":"AAPL"},"future_field":{"x":1}}`)

	var s RunState
	if err := json.Unmarshal(blob, &s); err != nil {
		t.Fatalf("decode with unknown field: %v", err)
	}
	if s.Phase != PhaseSynthesis || s.AttemptCount != 1 {
		t.Errorf("decoded state wrong: %+v", s)
	}
}
