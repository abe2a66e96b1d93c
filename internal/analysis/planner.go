package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Plan is the librarian's output: the sections the analysis stage should
// cover and the normalized company identity the analysts work from.
type Plan struct {
	Ticker      string   `json:"ticker"`
	CompanyName string   `json:"company_name,omitempty"`
	Sections    []string `json:"sections"`
}

// DefaultSections are the report sections a full analysis covers, in
// report order.
var DefaultSections = []string{
	SectionResearch,
	SectionValuation,
	SectionRisk,
	SectionCompliance,
	SectionEconomics,
	SectionOperations,
	SectionESG,
}

// Planner is the librarian worker: it normalizes the inputs and lays out
// the analysis plan the downstream stages follow.
type Planner struct{}

// ID implements orchestrator.Worker.
func (p *Planner) ID() string { return "librarian" }

// Execute builds the plan from the run inputs.
func (p *Planner) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	ticker := strings.ToUpper(strings.TrimSpace(snapshot.Inputs.Ticker))
	if ticker == "" {
		return nil, fmt.Errorf("empty ticker")
	}

	plan := Plan{
		Ticker:      ticker,
		CompanyName: strings.TrimSpace(snapshot.Inputs.CompanyName),
		Sections:    append([]string(nil), DefaultSections...),
	}
	log.Printf("[librarian] run %s: planned %d sections for %s", snapshot.RunID, len(plan.Sections), ticker)
	return json.Marshal(plan)
}

// planFor decodes the committed plan from a snapshot. Analysts fall back to
// the default sections when the plan is missing or undecodable, so a
// degraded planning stage never blocks analysis.
func planFor(snapshot *models.RunState) Plan {
	fallback := Plan{
		Ticker:   strings.ToUpper(strings.TrimSpace(snapshot.Inputs.Ticker)),
		Sections: append([]string(nil), DefaultSections...),
	}

	out, ok := snapshot.Output(models.PhasePlanning)
	if !ok {
		return fallback
	}
	blob, ok := out.Results[(&Planner{}).ID()]
	if !ok {
		return fallback
	}
	var plan Plan
	if err := json.Unmarshal(blob, &plan); err != nil || plan.Ticker == "" {
		return fallback
	}
	return plan
}

// compile-time check
var _ orchestrator.Worker = (*Planner)(nil)
