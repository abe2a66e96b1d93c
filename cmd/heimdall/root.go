package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/internal/state"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var rootCmd = &cobra.Command{
	Use:   "heimdall",
	Short: "Durable company analysis workflows",
	Long: `Heimdall runs phased company analysis workflows: planning, parallel
analysis, synthesis, validation with a bounded revise loop, human review,
and final delivery.

Every phase transition is checkpointed to SQLite, so an interrupted run
resumes exactly where it left off:

  heimdall run AAPL --company "Apple Inc."
  heimdall resume 1a2b3c4d
  heimdall status 1a2b3c4d`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore opens and migrates the checkpoint store from config.
func openStore(cfg *config.Config) (*state.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		path = state.DefaultDBPath()
	}

	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint store: %w", err)
	}
	return db, nil
}

// newReviewer builds the reviewer selected by config.
func newReviewer(cfg *config.Config) orchestrator.Reviewer {
	switch cfg.Review.Mode {
	case config.ReviewModeFile:
		dir := cfg.Review.FeedbackDir
		if dir == "" {
			dir = config.DefaultFeedbackDir()
		}
		return &orchestrator.FileReviewer{Dir: dir, Timeout: cfg.Review.Timeout}
	default:
		return &orchestrator.AutoApprover{}
	}
}

// newController assembles a controller over the given store with the
// configured registry, reviewer, and policies.
func newController(cfg *config.Config, store state.RunStore, registry *orchestrator.Registry, extra ...orchestrator.Option) *orchestrator.Controller {
	opts := []orchestrator.Option{
		orchestrator.WithReviewer(newReviewer(cfg)),
		orchestrator.WithReviseCeiling(cfg.Workflow.ReviseCeiling),
		orchestrator.WithWorkerTimeout(cfg.Workflow.WorkerTimeout),
		orchestrator.WithBackoff(orchestrator.BackoffPolicy{
			MaxAttempts: cfg.Backoff.MaxAttempts,
			BaseDelay:   cfg.Backoff.BaseDelay,
			MaxDelay:    cfg.Backoff.MaxDelay,
		}),
	}
	for _, stage := range cfg.Workflow.BestEffortStages {
		opts = append(opts, orchestrator.WithBestEffortStage(models.Phase(stage)))
	}
	opts = append(opts, extra...)
	return orchestrator.New(store, registry, opts...)
}
