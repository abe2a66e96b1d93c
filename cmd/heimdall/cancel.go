package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/orchestrator"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a suspended run",
	Long: `Cancel marks a non-terminal run as failed. Committed checkpoints are
kept for inspection; the run can no longer be resumed.`,
	Args: cobra.ExactArgs(1),
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

		controller := orchestrator.New(store, orchestrator.NewRegistry())
		if err := controller.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Run %s cancelled.\n", args[0])
		return nil
	},
}
