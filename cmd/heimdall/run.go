package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/analysis"
	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var (
	runCompany string
	runCeiling int
	runReview  string
)

var runCmd = &cobra.Command{
	Use:   "run TICKER",
	Short: "Start a new analysis run and drive it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if runCeiling > 0 {
			cfg.Workflow.ReviseCeiling = runCeiling
		}
		if runReview != "" {
			cfg.Review.Mode = runReview
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		registry := orchestrator.NewRegistry()
		analysis.RegisterDefaults(registry)
		emitter := orchestrator.NewEventEmitter(64)
		controller := newController(cfg, store, registry, orchestrator.WithEventEmitter(emitter))

		fmt.Printf("Starting analysis of %s...\n", args[0])
		drained := streamEvents(cmd.OutOrStdout(), emitter)
		final, err := controller.Start(cmd.Context(), models.Inputs{
			Ticker:      args[0],
			CompanyName: runCompany,
		})
		emitter.Close()
		<-drained
		if err != nil {
			return err
		}

		printOutcome(final)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runCompany, "company", "", "Full company name")
	runCmd.Flags().IntVar(&runCeiling, "ceiling", 0, "Override the revise ceiling")
	runCmd.Flags().StringVar(&runReview, "review", "", "Review mode: auto or file")
}

func printOutcome(final *models.RunState) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	switch final.Status {
	case models.RunCompleted:
		fmt.Printf("%s run %s completed after %d revision(s)\n", green("✓"), final.RunID, final.AttemptCount)
	case models.RunFailed:
		fmt.Printf("%s run %s failed: %s\n", red("✗"), final.RunID, final.FailureReason)
	default:
		fmt.Printf("%s run %s suspended at %s\n", yellow("●"), final.RunID, final.Phase)
	}

	if out, ok := final.Output(models.PhaseFinalize); ok {
		if blob, ok := out.Results["delivery"]; ok {
			var deliverable analysis.Deliverable
			if err := json.Unmarshal(blob, &deliverable); err == nil {
				for _, caveat := range deliverable.Caveats {
					fmt.Printf("  %s %s\n", yellow("caveat:"), caveat)
				}
			}
		}
	}
	fmt.Printf("  heimdall status %s\n", final.RunID)
}
