// Package config handles configuration loading and management for Heimdall.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Heimdall.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Review   ReviewConfig   `mapstructure:"review"`
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// DatabaseConfig holds checkpoint store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. Empty means the XDG default.
	Path string `mapstructure:"path"`
}

// WorkflowConfig holds workflow execution settings.
type WorkflowConfig struct {
	// ReviseCeiling bounds the validation revise loop.
	ReviseCeiling int `mapstructure:"revise_ceiling"`
	// WorkerTimeout bounds each worker invocation.
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	// BestEffortStages lists stages that tolerate all workers failing.
	BestEffortStages []string `mapstructure:"best_effort_stages"`
}

// ReviewConfig holds human-review settings.
type ReviewConfig struct {
	// Mode selects the reviewer: "auto" or "file".
	Mode string `mapstructure:"mode"`
	// FeedbackDir is where the file reviewer watches for decisions.
	FeedbackDir string `mapstructure:"feedback_dir"`
	// Timeout is the review window; elapsing it approves implicitly.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BackoffConfig holds retry settings for transient store failures.
type BackoffConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// WatchConfig holds watch-view display settings.
type WatchConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// ReviewModeAuto approves immediately; ReviewModeFile waits on a decision
// file in the feedback directory.
const (
	ReviewModeAuto = "auto"
	ReviewModeFile = "file"
)

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (HEIMDALL_*)
// 2. Project config (.heimdall.yaml in current directory or parent)
// 3. User config (~/.config/heimdall/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("")

	v.BindEnv("database.path", "HEIMDALL_DB_PATH")
	v.BindEnv("workflow.revise_ceiling", "HEIMDALL_REVISE_CEILING")
	v.BindEnv("review.mode", "HEIMDALL_REVIEW_MODE")
	v.BindEnv("review.feedback_dir", "HEIMDALL_FEEDBACK_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	cfg.Review.FeedbackDir = os.ExpandEnv(cfg.Review.FeedbackDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Workflow.ReviseCeiling < 1 {
		return fmt.Errorf("workflow.revise_ceiling must be at least 1, got %d", c.Workflow.ReviseCeiling)
	}
	switch c.Review.Mode {
	case ReviewModeAuto, ReviewModeFile:
	default:
		return fmt.Errorf("review.mode must be %q or %q, got %q", ReviewModeAuto, ReviewModeFile, c.Review.Mode)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("backoff.max_attempts must be at least 1, got %d", c.Backoff.MaxAttempts)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "")

	v.SetDefault("workflow.revise_ceiling", 3)
	v.SetDefault("workflow.worker_timeout", "2m")
	v.SetDefault("workflow.best_effort_stages", []string{})

	v.SetDefault("review.mode", ReviewModeAuto)
	v.SetDefault("review.feedback_dir", "")
	v.SetDefault("review.timeout", "24h")

	v.SetDefault("backoff.max_attempts", 5)
	v.SetDefault("backoff.base_delay", "100ms")
	v.SetDefault("backoff.max_delay", "2s")

	v.SetDefault("watch.refresh_rate", "500ms")
}

// getUserConfigDir returns the XDG config directory for Heimdall.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "heimdall")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "heimdall")
	}
	return filepath.Join(home, ".config", "heimdall")
}

// findProjectConfig searches for .heimdall.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".heimdall.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// DefaultFeedbackDir returns the feedback directory used when the file
// reviewer is enabled without an explicit directory.
func DefaultFeedbackDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "heimdall", "feedback")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".heimdall", "feedback")
	}
	return filepath.Join(home, ".local", "share", "heimdall", "feedback")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			ReviseCeiling: 3,
			WorkerTimeout: 2 * time.Minute,
		},
		Review: ReviewConfig{
			Mode:    ReviewModeAuto,
			Timeout: 24 * time.Hour,
		},
		Backoff: BackoffConfig{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Watch: WatchConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}
