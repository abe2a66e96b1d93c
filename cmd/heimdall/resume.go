package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/analysis"
	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/orchestrator"
)

var resumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume a suspended run from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
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

		fmt.Printf("Resuming run %s...\n", args[0])
		drained := streamEvents(cmd.OutOrStdout(), emitter)
		final, err := controller.Resume(cmd.Context(), args[0])
		emitter.Close()
		<-drained
		if err != nil {
			return err
		}

		printOutcome(final)
		return nil
	},
}
