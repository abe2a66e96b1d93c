package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// Report section names. Analyst worker ids match their section.
const (
	SectionResearch   = "research"
	SectionValuation  = "valuation"
	SectionRisk       = "risk"
	SectionCompliance = "compliance"
	SectionEconomics  = "economics"
	SectionOperations = "business_operations"
	SectionESG        = "esg"
)

// Section is one analyst's contribution to the report.
type Section struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	Score    float64  `json:"score"`
	Findings []string `json:"findings,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
}

// Analyst covers one report section. The build function derives the
// section content from the plan; it runs only when the plan includes the
// analyst's section.
type Analyst struct {
	section string
	build   func(plan Plan) Section
}

// ID implements orchestrator.Worker.
func (a *Analyst) ID() string { return a.section }

// Execute produces the analyst's section, or a skipped marker when the
// plan excludes it.
func (a *Analyst) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	plan := planFor(snapshot)
	if !planIncludes(plan, a.section) {
		return json.Marshal(Section{Name: a.section, Skipped: true})
	}
	return json.Marshal(a.build(plan))
}

func planIncludes(plan Plan, section string) bool {
	for _, s := range plan.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// tickerScore derives a stable pseudo-metric in [0,1) from the ticker and a
// salt, so repeated runs for the same company produce identical sections.
func tickerScore(ticker, salt string) float64 {
	h := fnv.New32a()
	h.Write([]byte(ticker))
	h.Write([]byte(salt))
	return float64(h.Sum32()%1000) / 1000
}

// NewResearchAnalyst covers fundamentals, filings, and news.
func NewResearchAnalyst() *Analyst {
	return &Analyst{
		section: SectionResearch,
		build: func(plan Plan) Section {
			score := tickerScore(plan.Ticker, SectionResearch)
			return Section{
				Name:    SectionResearch,
				Summary: fmt.Sprintf("fundamental and news review for %s", plan.Ticker),
				Score:   score,
				Findings: []string{
					fmt.Sprintf("filing coverage score %.3f", score),
					fmt.Sprintf("news sentiment score %.3f", tickerScore(plan.Ticker, "sentiment")),
				},
			}
		},
	}
}

// NewValuationAnalyst covers DCF and comparable-company valuation.
func NewValuationAnalyst() *Analyst {
	return &Analyst{
		section: SectionValuation,
		build: func(plan Plan) Section {
			dcf := 50 + 200*tickerScore(plan.Ticker, "dcf")
			comps := 50 + 200*tickerScore(plan.Ticker, "comps")
			return Section{
				Name:    SectionValuation,
				Summary: fmt.Sprintf("intrinsic value estimate for %s", plan.Ticker),
				Score:   (dcf + comps) / 2,
				Findings: []string{
					fmt.Sprintf("dcf fair value %.2f", dcf),
					fmt.Sprintf("comps fair value %.2f", comps),
				},
			}
		},
	}
}

// NewRiskAnalyst covers drawdown and volatility exposure.
func NewRiskAnalyst() *Analyst {
	return &Analyst{
		section: SectionRisk,
		build: func(plan Plan) Section {
			vol := tickerScore(plan.Ticker, "volatility")
			return Section{
				Name:     SectionRisk,
				Summary:  fmt.Sprintf("risk exposure profile for %s", plan.Ticker),
				Score:    vol,
				Findings: []string{fmt.Sprintf("volatility index %.3f", vol)},
			}
		},
	}
}

// NewComplianceAnalyst covers regulatory and disclosure checks.
func NewComplianceAnalyst() *Analyst {
	return &Analyst{
		section: SectionCompliance,
		build: func(plan Plan) Section {
			return Section{
				Name:     SectionCompliance,
				Summary:  fmt.Sprintf("disclosure and regulatory review for %s", plan.Ticker),
				Score:    tickerScore(plan.Ticker, "compliance"),
				Findings: []string{"no open disclosure flags"},
			}
		},
	}
}

// NewEconomicsAnalyst covers macro indicators and market trends.
func NewEconomicsAnalyst() *Analyst {
	return &Analyst{
		section: SectionEconomics,
		build: func(plan Plan) Section {
			macro := tickerScore(plan.Ticker, "macro")
			return Section{
				Name:     SectionEconomics,
				Summary:  fmt.Sprintf("macro backdrop for %s", plan.Ticker),
				Score:    macro,
				Findings: []string{fmt.Sprintf("macro tailwind score %.3f", macro)},
			}
		},
	}
}

// NewOperationsAnalyst covers business segments, industry trends, and SWOT.
func NewOperationsAnalyst() *Analyst {
	return &Analyst{
		section: SectionOperations,
		build: func(plan Plan) Section {
			moat := tickerScore(plan.Ticker, "moat")
			return Section{
				Name:    SectionOperations,
				Summary: fmt.Sprintf("business operations and industry positioning for %s", plan.Ticker),
				Score:   moat,
				Findings: []string{
					fmt.Sprintf("segment concentration score %.3f", tickerScore(plan.Ticker, "segments")),
					fmt.Sprintf("competitive moat score %.3f", moat),
				},
			}
		},
	}
}

// NewESGAnalyst covers environmental, social, and governance posture.
func NewESGAnalyst() *Analyst {
	return &Analyst{
		section: SectionESG,
		build: func(plan Plan) Section {
			esg := tickerScore(plan.Ticker, "esg")
			return Section{
				Name:    SectionESG,
				Summary: fmt.Sprintf("sustainability and governance review for %s", plan.Ticker),
				Score:   esg,
				Findings: []string{
					fmt.Sprintf("esg composite score %.3f", esg),
					fmt.Sprintf("governance score %.3f", tickerScore(plan.Ticker, "governance")),
				},
			}
		},
	}
}

var _ orchestrator.Worker = (*Analyst)(nil)
