package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Orchestrator.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", cfg.Orchestrator.MaxAttempts)
	}
	if !cfg.Orchestrator.Recovery() {
		t.Error("recovery should default to enabled")
	}
	if cfg.Selection.SweepSchedule != "@every 1m" {
		t.Errorf("SweepSchedule = %q", cfg.Selection.SweepSchedule)
	}
	if cfg.Slack.DefaultChannel != "#general" {
		t.Errorf("DefaultChannel = %q, want #general", cfg.Slack.DefaultChannel)
	}
	if cfg.Jira.IssueType != "Problem" {
		t.Errorf("IssueType = %q, want Problem", cfg.Jira.IssueType)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("APIKeyHeader = %q", cfg.Auth.APIKeyHeader)
	}
	if cfg.Slack.Enabled() || cfg.Jira.Enabled() {
		t.Error("integrations should be disabled without credentials")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_RecoveryExplicitlyDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "orchestrator:\n  recovery_enabled: false\n  dispatch_timeout: 5s\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.Recovery() {
		t.Error("recovery should be disabled")
	}
	if cfg.Orchestrator.DispatchTimeout != 5*time.Second {
		t.Errorf("DispatchTimeout = %v, want 5s", cfg.Orchestrator.DispatchTimeout)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "jira-token")
	if err := os.WriteFile(secretFile, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SLACK_BOT_TOKEN", "xoxb-legacy")
	t.Setenv("SLACK_CHANNEL", "#ops")
	t.Setenv("JIRA_API_TOKEN", "from-env")
	t.Setenv("TRIAGE_JIRA_API_TOKEN_FILE", secretFile)
	t.Setenv("JIRA_BASE_URL", "https://example.atlassian.net/")
	t.Setenv("JIRA_PROJECT_KEY", "OPS")
	t.Setenv("TRIAGE_STORAGE_DRIVER", "Redis")
	t.Setenv("TRIAGE_HTTP_PORT", "8181")

	cfg, err := Load(writeConfig(t, "slack:\n  bot_token: from-yaml\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// 环境变量覆盖配置文件
	if cfg.Slack.BotToken != "xoxb-legacy" {
		t.Errorf("BotToken = %q", cfg.Slack.BotToken)
	}
	if cfg.Slack.DefaultChannel != "#ops" {
		t.Errorf("DefaultChannel = %q", cfg.Slack.DefaultChannel)
	}
	// _FILE 优先于直接变量，且去除首尾空白
	if cfg.Jira.APIToken != "from-file" {
		t.Errorf("APIToken = %q, want from-file", cfg.Jira.APIToken)
	}
	if cfg.Jira.BaseURL != "https://example.atlassian.net" {
		t.Errorf("BaseURL = %q", cfg.Jira.BaseURL)
	}
	if !cfg.Jira.Enabled() {
		t.Error("jira should be enabled")
	}
	if cfg.Storage.Driver != "redis" {
		t.Errorf("Driver = %q, want redis", cfg.Storage.Driver)
	}
	if cfg.Server.HTTPPort != 8181 {
		t.Errorf("HTTPPort = %d, want 8181", cfg.Server.HTTPPort)
	}
}

func TestReadEnvOrFileAny_UnreadableFileFallsBack(t *testing.T) {
	t.Setenv("TEST_VALUE_FILE", filepath.Join(t.TempDir(), "nope"))
	t.Setenv("TEST_VALUE", " plain ")

	if got := readEnvOrFileAny([]string{"TEST_VALUE"}, []string{"TEST_VALUE_FILE"}); got != "plain" {
		t.Errorf("got %q, want plain", got)
	}
}

func TestApplyLogLevel(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	if err := ApplyLogLevel(logger, "debug"); err != nil {
		t.Fatalf("ApplyLogLevel: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}
	if err := ApplyLogLevel(logger, "loud"); err == nil {
		t.Error("expected error for invalid level")
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Error("invalid level must not change logger")
	}
}
