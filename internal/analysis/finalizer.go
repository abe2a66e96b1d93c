package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Deliverable is the finalized output of a run: the approved report plus
// the review record and any caveats accumulated along the way.
type Deliverable struct {
	RunID     string          `json:"run_id"`
	Ticker    string          `json:"ticker"`
	Revisions int             `json:"revisions"`
	Report    json.RawMessage `json:"report"`
	Review    json.RawMessage `json:"review,omitempty"`
	Caveats   []string        `json:"caveats,omitempty"`
}

// Finalizer is the delivery worker: it packages the synthesized report and
// the review decision into the run's final deliverable.
type Finalizer struct{}

// ID implements orchestrator.Worker.
func (f *Finalizer) ID() string { return "delivery" }

// Execute assembles the deliverable from the committed synthesis and
// review outputs.
func (f *Finalizer) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	synthesis, ok := snapshot.Output(models.PhaseSynthesis)
	if !ok {
		return nil, fmt.Errorf("no synthesis output to deliver")
	}
	report, ok := synthesis.Results[(&Synthesizer{}).ID()]
	if !ok {
		return nil, fmt.Errorf("synthesis output missing report")
	}

	deliverable := Deliverable{
		RunID:     snapshot.RunID,
		Ticker:    snapshot.Inputs.Ticker,
		Revisions: snapshot.AttemptCount,
		Report:    report,
	}

	if review, ok := snapshot.Output(models.PhaseHumanReview); ok {
		for _, blob := range review.Results {
			deliverable.Review = blob
			break
		}
	}

	for _, entry := range snapshot.ErrorLog {
		switch entry.Kind {
		case models.ErrKindCeilingForced:
			deliverable.Caveats = append(deliverable.Caveats, "validation never approved; revision ceiling forced this report through")
		case models.ErrKindReviewTimeout:
			deliverable.Caveats = append(deliverable.Caveats, "human review window elapsed; approval is implicit")
		}
	}

	return json.Marshal(deliverable)
}

var _ orchestrator.Worker = (*Finalizer)(nil)
