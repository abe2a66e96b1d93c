package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old runs and their history",
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

		count, err := store.PurgeOldRuns(cleanupOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d run(s) older than %s.\n", count, cleanupOlderThan)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Delete runs not updated within this duration")
}
