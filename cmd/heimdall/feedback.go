package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/orchestrator"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var (
	feedbackApprove  bool
	feedbackMessages []string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback RUN_ID",
	Short: "Submit a review decision for a run awaiting human review",
	Long: `Feedback writes a decision file into the feedback directory watched by
runs in file review mode. Use --approve to approve as-is, or one or more
--message flags to send the report back with corrections:

  heimdall feedback 1a2b3c4d --approve
  heimdall feedback 1a2b3c4d --message "valuation section needs peer comps"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !feedbackApprove && len(feedbackMessages) == 0 {
			return fmt.Errorf("pass --approve or at least one --message")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir := cfg.Review.FeedbackDir
		if dir == "" {
			dir = config.DefaultFeedbackDir()
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create feedback directory: %w", err)
		}

		decision := orchestrator.ReviewDecision{
			Approved:   feedbackApprove,
			Reviewer:   "user",
			ReceivedAt: time.Now().UTC(),
		}
		for _, msg := range feedbackMessages {
			decision.Feedback = append(decision.Feedback, models.FeedbackItem{Message: msg})
		}

		blob, err := json.MarshalIndent(decision, "", "  ")
		if err != nil {
			return fmt.Errorf("encode decision: %w", err)
		}

		// Write-then-rename so the watcher never reads a half-written file.
		path := filepath.Join(dir, args[0]+".json")
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, blob, 0644); err != nil {
			return fmt.Errorf("write decision: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("publish decision: %w", err)
		}

		fmt.Printf("Decision recorded at %s\n", path)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().BoolVar(&feedbackApprove, "approve", false, "Approve the report as-is")
	feedbackCmd.Flags().StringArrayVar(&feedbackMessages, "message", nil, "Correction to send back (repeatable)")
}
