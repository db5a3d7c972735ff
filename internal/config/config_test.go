package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, expected 8080", cfg.Server.Port)
	}
	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("max open conns = %d, expected 25", cfg.Database.MaxOpenConns)
	}
	if cfg.Batch.Workers != 8 {
		t.Errorf("batch workers = %d, expected 8", cfg.Batch.Workers)
	}
	if cfg.Decision.AutoApproveConfidence != 0.85 {
		t.Errorf("auto approve confidence = %f, expected 0.85", cfg.Decision.AutoApproveConfidence)
	}
	if cfg.Dedup.ExactWindow != 24*time.Hour {
		t.Errorf("exact window = %s, expected 24h", cfg.Dedup.ExactWindow)
	}
	if cfg.Cascade.MaxDepth != 5 {
		t.Errorf("cascade max depth = %d, expected 5", cfg.Cascade.MaxDepth)
	}
}

func TestLoad_ExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
batch:
  workers: 2
  cycle_interval: 30s
decision:
  auto_approve_composite: 90
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, expected 9090", cfg.Server.Port)
	}
	if cfg.Batch.Workers != 2 {
		t.Errorf("batch workers = %d, expected 2", cfg.Batch.Workers)
	}
	if cfg.Batch.CycleInterval != 30*time.Second {
		t.Errorf("cycle interval = %s, expected 30s", cfg.Batch.CycleInterval)
	}
	if cfg.Decision.AutoApproveComposite != 90 {
		t.Errorf("auto approve composite = %f, expected 90", cfg.Decision.AutoApproveComposite)
	}
	// Untouched sections still get defaults
	if cfg.Batch.BatchSize != 50 {
		t.Errorf("batch size = %d, expected default 50", cfg.Batch.BatchSize)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("RISKCORE_TEST_DB_PASSWORD", "s3cret")

	path := writeConfig(t, `
database:
  user: riskcore
  password: ${RISKCORE_TEST_DB_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("password = %q, expected expansion from environment", cfg.Database.Password)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a: mapping")
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db.internal", Port: 5433,
		User: "riskcore", Password: "pw",
		Database: "riskcore", SSLMode: "require",
	}
	expected := "host=db.internal port=5433 user=riskcore password=pw dbname=riskcore sslmode=require"
	if got := c.DSN(); got != expected {
		t.Errorf("DSN() = %q, expected %q", got, expected)
	}
}

func TestRedisAddr(t *testing.T) {
	c := RedisConfig{Host: "cache.internal", Port: 6380}
	if got := c.Addr(); got != "cache.internal:6380" {
		t.Errorf("Addr() = %q, expected cache.internal:6380", got)
	}
}
