package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Session.IDLength != 8 {
		t.Errorf("Expected id length 8, got %d", cfg.Session.IDLength)
	}
	if cfg.Session.MaxUsers != 10 {
		t.Errorf("Expected max users 10, got %d", cfg.Session.MaxUsers)
	}
	if cfg.Session.Timeout.Duration != time.Hour {
		t.Errorf("Expected 60m timeout, got %v", cfg.Session.Timeout)
	}
}

func TestLoadFileAndRelativePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"server": {"address": ":9999"},
		"database": {"backend": "sqlite", "sqlite_path": "data/test.db"},
		"session": {"timeout": "15m", "max_users": 4}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Errorf("Expected :9999, got %s", cfg.Server.Address)
	}
	if cfg.Database.SQLitePath != filepath.Join(dir, "data/test.db") {
		t.Errorf("Expected path resolved against config dir, got %s", cfg.Database.SQLitePath)
	}
	if cfg.Session.Timeout.Duration != 15*time.Minute {
		t.Errorf("Expected 15m, got %v", cfg.Session.Timeout)
	}
	if cfg.Session.MaxUsers != 4 {
		t.Errorf("Expected 4 max users, got %d", cfg.Session.MaxUsers)
	}
	// untouched fields keep defaults
	if cfg.Session.IDLength != 8 {
		t.Errorf("Expected default id length, got %d", cfg.Session.IDLength)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                   "7000",
		"COLLAB_BACKEND":         "MEMORY",
		"COLLAB_MAX_USERS":       "3",
		"COLLAB_SESSION_TIMEOUT": "2m",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv error: %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("Expected :7000, got %s", cfg.Server.Address)
	}
	if cfg.Database.Backend != BackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Database.Backend)
	}
	if cfg.Session.MaxUsers != 3 || cfg.Session.Timeout.Duration != 2*time.Minute {
		t.Errorf("Unexpected session config: %+v", cfg.Session)
	}

	env["COLLAB_MAX_USERS"] = "many"
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("Expected error for non-numeric COLLAB_MAX_USERS")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unsupported backend error")
	}

	cfg = Default()
	cfg.Database.Backend = BackendMySQL
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing mysql dsn")
	}

	cfg = Default()
	cfg.Session.JanitorInterval = Duration{}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero janitor interval")
	}
}
