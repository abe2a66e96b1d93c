package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show the progress of a run",
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

		run, err := store.LoadRun(args[0])
		if err != nil {
			return err
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %s (%s)\n", bold("Run"), run.RunID, run.Inputs.Ticker)
		fmt.Printf("  Status:   %s\n", colorStatus(run.Status))
		fmt.Printf("  Phase:    %s\n", run.Phase)
		fmt.Printf("  Attempt:  %d\n", run.AttemptCount)
		fmt.Printf("  Updated:  %s\n", run.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		if run.FailureReason != "" {
			fmt.Printf("  Failure:  %s\n", run.FailureReason)
		}
		if last := run.LastError(); last != nil && !statusVerbose {
			fmt.Printf("  Last err: [%s] %s\n", last.Kind, last.Message)
		}

		fmt.Printf("  Phases:\n")
		for _, phase := range models.PhaseOrder {
			marker := color.New(color.Faint).Sprint("○")
			note := ""
			if out, ok := run.Output(phase); ok {
				marker = color.New(color.FgGreen).Sprint("●")
				note = fmt.Sprintf(" (attempt %d, %d result(s))", out.Attempt, len(out.Results))
			} else if phase == run.Phase && !run.Terminal() {
				marker = color.New(color.FgYellow).Sprint("◐")
				note = " (current)"
			}
			fmt.Printf("    %s %s%s\n", marker, phase, note)
		}

		if statusVerbose && len(run.ErrorLog) > 0 {
			fmt.Printf("  Error log:\n")
			for _, e := range run.ErrorLog {
				who := ""
				if e.WorkerID != "" {
					who = " " + e.WorkerID
				}
				fmt.Printf("    %s [%s]%s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Kind, who, e.Message)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "Show the full error log")
}

func colorStatus(status models.RunStatus) string {
	switch status {
	case models.RunCompleted:
		return color.GreenString(string(status))
	case models.RunFailed:
		return color.RedString(string(status))
	case models.RunAwaitingHuman:
		return color.YellowString(string(status))
	default:
		return color.CyanString(string(status))
	}
}
