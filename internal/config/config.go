// Package config loads deskd configuration from a JSON file or from
// DESKD_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level deskd configuration.
type Config struct {
	DataDir string        `json:"data_dir"`
	API     APIConfig     `json:"api"`
	Tools   ToolsConfig   `json:"tools"`
	Janitor JanitorConfig `json:"janitor"`
	Notify  NotifyConfig  `json:"notify"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// ToolsConfig holds settings for the COMMON and ATLAS tool services.
type ToolsConfig struct {
	CommonURL      string `json:"common_url"`
	AtlasURL       string `json:"atlas_url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default 10
	RetryAttempts  int    `json:"retry_attempts,omitempty"`  // default 3
	RetryBaseMS    int    `json:"retry_base_ms,omitempty"`   // default 100
}

// JanitorConfig holds the stalled-instance sweep settings.
type JanitorConfig struct {
	SweepSchedule     string `json:"sweep_schedule,omitempty"`      // cron spec, default @every 30s
	StaleAfterSeconds int    `json:"stale_after_seconds,omitempty"` // default 120
}

// NotifyConfig holds outbound notification settings. Empty token disables.
type NotifyConfig struct {
	SlackToken   string `json:"slack_token,omitempty"`
	SlackChannel string `json:"slack_channel,omitempty"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with DESKD_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("DESKD_DATA_DIR", "/data"),
		API: APIConfig{
			Host: getenv("DESKD_API_HOST", "0.0.0.0"),
			Port: getenvInt("DESKD_API_PORT", 8080),
			Key:  os.Getenv("DESKD_API_KEY"),
		},
		Tools: ToolsConfig{
			CommonURL:      os.Getenv("DESKD_COMMON_URL"),
			AtlasURL:       os.Getenv("DESKD_ATLAS_URL"),
			TimeoutSeconds: getenvInt("DESKD_TOOL_TIMEOUT_SECONDS", 0),
			RetryAttempts:  getenvInt("DESKD_TOOL_RETRY_ATTEMPTS", 0),
		},
		Janitor: JanitorConfig{
			SweepSchedule:     os.Getenv("DESKD_SWEEP_SCHEDULE"),
			StaleAfterSeconds: getenvInt("DESKD_STALE_AFTER_SECONDS", 0),
		},
		Notify: NotifyConfig{
			SlackToken:   os.Getenv("DESKD_SLACK_TOKEN"),
			SlackChannel: os.Getenv("DESKD_SLACK_CHANNEL"),
		},
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Tools.TimeoutSeconds <= 0 {
		c.Tools.TimeoutSeconds = 10
	}
	if c.Tools.RetryAttempts <= 0 {
		c.Tools.RetryAttempts = 3
	}
	if c.Tools.RetryBaseMS <= 0 {
		c.Tools.RetryBaseMS = 100
	}
	if c.Janitor.SweepSchedule == "" {
		c.Janitor.SweepSchedule = "@every 30s"
	}
	if c.Janitor.StaleAfterSeconds <= 0 {
		c.Janitor.StaleAfterSeconds = 120
	}
}

// Validate checks for required fields, collecting all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.Tools.CommonURL == "" {
		errs = append(errs, "tools.common_url is required")
	}
	if c.Tools.AtlasURL == "" {
		errs = append(errs, "tools.atlas_url is required")
	}
	if c.Notify.SlackToken != "" && c.Notify.SlackChannel == "" {
		errs = append(errs, "notify.slack_channel is required when slack_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
