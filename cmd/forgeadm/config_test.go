package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forgeadm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAdminConfigDefaults(t *testing.T) {
	path := writeConfig(t, ``)
	cfg, err := loadAdminConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7400" {
		t.Fatalf("unexpected default addr: %q", cfg.Addr)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("unexpected default timeout: %v", cfg.Timeout)
	}
}

func TestLoadAdminConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
addr = "forge.internal:7400"
timeout = "2s"
`)
	cfg, err := loadAdminConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "forge.internal:7400" {
		t.Fatalf("unexpected addr: %q", cfg.Addr)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
}

func TestLoadAdminConfigTimeoutMSWins(t *testing.T) {
	path := writeConfig(t, `
timeout = "2s"
timeout_ms = 750
`)
	cfg, err := loadAdminConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
}
