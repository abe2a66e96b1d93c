package analysis

import (
	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

// RegisterDefaults wires the built-in pipeline into a registry: librarian
// planning, the seven domain analysts fanning out, then synthesis,
// validation, and delivery.
func RegisterDefaults(r *orchestrator.Registry) {
	r.Register(models.PhasePlanning, &Planner{})

	r.Register(models.PhaseAnalysis, NewResearchAnalyst())
	r.Register(models.PhaseAnalysis, NewValuationAnalyst())
	r.Register(models.PhaseAnalysis, NewRiskAnalyst())
	r.Register(models.PhaseAnalysis, NewComplianceAnalyst())
	r.Register(models.PhaseAnalysis, NewEconomicsAnalyst())
	r.Register(models.PhaseAnalysis, NewOperationsAnalyst())
	r.Register(models.PhaseAnalysis, NewESGAnalyst())

	r.Register(models.PhaseSynthesis, &Synthesizer{})
	r.Register(models.PhaseValidation, &Validator{})
	r.Register(models.PhaseFinalize, &Finalizer{})
}
