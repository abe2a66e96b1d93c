package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mkarlsen/heimdall/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Init writes the default configuration to the user config path
(~/.config/heimdall/config.yaml) so it can be edited. Existing config files
are left alone unless --force is passed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		cfg := config.Default()
		doc := map[string]any{
			"database": map[string]any{
				"path": cfg.Database.Path,
			},
			"workflow": map[string]any{
				"revise_ceiling":     cfg.Workflow.ReviseCeiling,
				"worker_timeout":     cfg.Workflow.WorkerTimeout.String(),
				"best_effort_stages": []string{},
			},
			"review": map[string]any{
				"mode":         cfg.Review.Mode,
				"feedback_dir": cfg.Review.FeedbackDir,
				"timeout":      cfg.Review.Timeout.String(),
			},
			"backoff": map[string]any{
				"max_attempts": cfg.Backoff.MaxAttempts,
				"base_delay":   cfg.Backoff.BaseDelay.String(),
				"max_delay":    cfg.Backoff.MaxDelay.String(),
			},
			"watch": map[string]any{
				"refresh_rate": cfg.Watch.RefreshRate.String(),
			},
		}

		blob, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := os.WriteFile(path, blob, 0600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}
