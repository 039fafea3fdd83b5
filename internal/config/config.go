// Package config loads the YAML configuration file covering alert rules,
// performance gates, notification sinks and the default retry policy
// (spec §6), with environment-variable overrides for storage paths.
// Modeled on the teacher's flat env-driven settings in
// libs/go/core/logging (env var names and defaulting style) combined with
// yaml.v3 unmarshalling the way the teacher's workflow YAML documents are
// read in services/orchestrator.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scriptguard/runner/internal/model"
)

// Config is the top-level configuration document.
type Config struct {
	Alerts          []model.AlertRule      `yaml:"alerts"`
	PerformanceGates []model.PerformanceGate `yaml:"performance_gates"`
	Notifications   NotificationsConfig     `yaml:"notifications"`
	DefaultRetry    model.RetryConfig       `yaml:"retry"`

	HistoryDBPath    string `yaml:"-"`
	RunDBPath        string `yaml:"-"`
	ScheduleDBPath   string `yaml:"-"`
	AllowedScriptRoot string `yaml:"-"`
}

// NotificationsConfig declares which sinks are active and their settings.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	EmailTo         string `yaml:"email_to"`
}

// Load reads path (if non-empty) and applies environment variable
// overrides for the storage paths, the script root and the Slack webhook
// URL. The storage paths and script root are not read from the file; they
// come from the built-in defaults unless an environment variable is set.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HistoryDBPath:     "history.db",
		RunDBPath:         "runs.db",
		ScheduleDBPath:    "schedules.db",
		AllowedScriptRoot: ".",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverride(&cfg.HistoryDBPath, "HISTORY_DB_PATH")
	applyEnvOverride(&cfg.RunDBPath, "RUN_DB_PATH")
	applyEnvOverride(&cfg.ScheduleDBPath, "SCHEDULE_DB_PATH")
	applyEnvOverride(&cfg.AllowedScriptRoot, "ALLOWED_SCRIPT_ROOT")
	applyEnvOverride(&cfg.Notifications.SlackWebhookURL, "RUNNER_SLACK_WEBHOOK")

	return cfg, nil
}

func applyEnvOverride(dst *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}
