package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("auth-dir: /data/auths\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.AuthDir != "/data/auths" {
		t.Fatalf("AuthDir = %q, want /data/auths", cfg.AuthDir)
	}
	if cfg.Port != 8317 {
		t.Fatalf("Port = %d, want default 8317", cfg.Port)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want default 3", cfg.MaxAttempts)
	}
}

func TestLoadConfigOptionalMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional() error = %v", err)
	}
	if cfg.Port != 8317 {
		t.Fatalf("Port = %d, want default 8317", cfg.Port)
	}
}

func TestLoadConfigMissingFileRequiredReturnsError(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadConfig() error = nil, want error for missing required file")
	}
}

func TestLoadConfigRejectsUnknownStoreBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Backend != "" {
		t.Fatalf("Store.Backend = %q, want empty for unrecognized value", cfg.Store.Backend)
	}
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("CLIPROXY_TEST_DSN", "postgres://example/db")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: postgres\n  postgres:\n    dsn: ${CLIPROXY_TEST_DSN}\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Postgres.DSN != "postgres://example/db" {
		t.Fatalf("Store.Postgres.DSN = %q", cfg.Store.Postgres.DSN)
	}
}
