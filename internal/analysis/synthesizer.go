package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Report is the synthesized analysis: the surviving sections merged into
// one document, plus the revision bookkeeping the validator and reviewer
// read.
type Report struct {
	Ticker            string             `json:"ticker"`
	CompanyName       string             `json:"company_name,omitempty"`
	Revision          int                `json:"revision"`
	Sections          map[string]Section `json:"sections"`
	Summary           string             `json:"summary"`
	AddressedFeedback []string           `json:"addressed_feedback,omitempty"`
}

// Synthesizer merges the analysis stage's section outputs into a Report.
// On a revise round it receives the validator's feedback as input and
// records each item as addressed.
type Synthesizer struct{}

// ID implements orchestrator.Worker.
func (s *Synthesizer) ID() string { return "synthesizer" }

// Execute builds the report from the committed analysis output. Skipped and
// undecodable sections are dropped; at least one surviving section is
// required.
func (s *Synthesizer) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	analysis, ok := snapshot.Output(models.PhaseAnalysis)
	if !ok {
		return nil, fmt.Errorf("no analysis output to synthesize")
	}

	report := Report{
		Ticker:      snapshot.Inputs.Ticker,
		CompanyName: snapshot.Inputs.CompanyName,
		Revision:    snapshot.AttemptCount,
		Sections:    make(map[string]Section),
	}

	for workerID, blob := range analysis.Results {
		var section Section
		if err := json.Unmarshal(blob, &section); err != nil {
			log.Printf("[synthesizer] run %s: dropping undecodable section from %s: %v", snapshot.RunID, workerID, err)
			continue
		}
		if section.Skipped {
			continue
		}
		if section.Name == "" {
			section.Name = workerID
		}
		report.Sections[section.Name] = section
	}
	if len(report.Sections) == 0 {
		return nil, fmt.Errorf("no usable analysis sections")
	}

	if len(input) > 0 {
		var feedback []models.FeedbackItem
		if err := json.Unmarshal(input, &feedback); err != nil {
			return nil, fmt.Errorf("decode revision feedback: %w", err)
		}
		for _, item := range feedback {
			report.AddressedFeedback = append(report.AddressedFeedback, item.Message)
		}
	}

	names := make([]string, 0, len(report.Sections))
	for name := range report.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	report.Summary = fmt.Sprintf("analysis of %s covering %d sections (%v), revision %d",
		report.Ticker, len(names), names, report.Revision)

	return json.Marshal(report)
}

var _ orchestrator.Worker = (*Synthesizer)(nil)
