package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var runsStatus string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted runs",
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

		var filter *models.RunStatus
		if runsStatus != "" {
			s := models.RunStatus(runsStatus)
			filter = &s
		}

		runs, err := store.ListRuns(filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tTICKER\tPHASE\tSTATUS\tATTEMPT\tUPDATED")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				run.RunID, run.Inputs.Ticker, run.Phase, colorStatus(run.Status),
				run.AttemptCount, run.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (running, awaiting_human, completed, failed)")
}
