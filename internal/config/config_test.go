package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/var/lib/deskd",
		"api": {"host": "127.0.0.1", "port": 9090, "api_key": "secret"},
		"tools": {"common_url": "http://localhost:9001", "atlas_url": "http://localhost:9002"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.API.Port)
	}
	if cfg.Tools.TimeoutSeconds != 10 {
		t.Errorf("expected default timeout 10, got %d", cfg.Tools.TimeoutSeconds)
	}
	if cfg.Tools.RetryAttempts != 3 {
		t.Errorf("expected default 3 attempts, got %d", cfg.Tools.RetryAttempts)
	}
	if cfg.Janitor.SweepSchedule != "@every 30s" {
		t.Errorf("expected default sweep schedule, got %q", cfg.Janitor.SweepSchedule)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	path := writeConfig(t, `{"data_dir": ""}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"data_dir", "common_url", "atlas_url"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in error, got: %s", want, msg)
		}
	}
}

func TestLoadBadJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSlackChannelRequiredWithToken(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/data",
		"tools": {"common_url": "http://c", "atlas_url": "http://a"},
		"notify": {"slack_token": "xoxb-123"}
	}`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "slack_channel") {
		t.Fatalf("expected slack_channel validation error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DESKD_DATA_DIR", "/tmp/deskd")
	t.Setenv("DESKD_COMMON_URL", "http://common:9001")
	t.Setenv("DESKD_ATLAS_URL", "http://atlas:9002")
	t.Setenv("DESKD_API_PORT", "7070")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.DataDir != "/tmp/deskd" {
		t.Errorf("data dir %q", cfg.DataDir)
	}
	if cfg.API.Port != 7070 {
		t.Errorf("port %d", cfg.API.Port)
	}
	if cfg.Tools.CommonURL != "http://common:9001" {
		t.Errorf("common url %q", cfg.Tools.CommonURL)
	}
}
