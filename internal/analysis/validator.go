package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// MinSections is the smallest section count a report can pass validation
// with. Partial analysis failures are tolerated down to this floor.
const MinSections = 3

// Validator checks the synthesized report for structural completeness and
// issues the approve/revise verdict the workflow acts on.
type Validator struct{}

// ID implements orchestrator.Worker.
func (v *Validator) ID() string { return "validator" }

// Execute decodes the synthesizer's report and returns a
// models.ValidationOutcome blob.
func (v *Validator) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	synthesis, ok := snapshot.Output(models.PhaseSynthesis)
	if !ok {
		return nil, fmt.Errorf("no synthesis output to validate")
	}
	blob, ok := synthesis.Results[(&Synthesizer{}).ID()]
	if !ok {
		return nil, fmt.Errorf("synthesis output missing report")
	}

	var report Report
	if err := json.Unmarshal(blob, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	var feedback []models.FeedbackItem
	if report.Ticker == "" {
		feedback = append(feedback, models.FeedbackItem{
			Field:   "ticker",
			Message: "report is missing the company ticker",
		})
	}
	if report.Summary == "" {
		feedback = append(feedback, models.FeedbackItem{
			Field:   "summary",
			Message: "report is missing an executive summary",
		})
	}
	if len(report.Sections) < MinSections {
		feedback = append(feedback, models.FeedbackItem{
			Field:   "sections",
			Message: fmt.Sprintf("report covers %d sections, need at least %d", len(report.Sections), MinSections),
		})
	}
	for name, section := range report.Sections {
		if section.Summary == "" {
			feedback = append(feedback, models.FeedbackItem{
				Field:   "sections." + name,
				Message: fmt.Sprintf("section %s has no summary", name),
			})
		}
	}

	outcome := models.ValidationOutcome{Verdict: models.VerdictApprove}
	if len(feedback) > 0 {
		outcome.Verdict = models.VerdictRevise
		outcome.Feedback = feedback
	}
	return json.Marshal(outcome)
}

var _ orchestrator.Worker = (*Validator)(nil)
