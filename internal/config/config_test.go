package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danhigham/peerdb/internal/config"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`telegram:
  api_id: 12345
  api_hash: "abcdef0123456789"
cache:
  database: /tmp/peers.db
  full_info_ttl: 30m
  contact_resync: 12h
log_level: debug
`)
	if err := os.WriteFile(cfgPath, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Telegram.APIID != 12345 {
		t.Errorf("APIID = %d, want 12345", cfg.Telegram.APIID)
	}
	if cfg.Telegram.APIHash != "abcdef0123456789" {
		t.Errorf("APIHash = %q, want %q", cfg.Telegram.APIHash, "abcdef0123456789")
	}
	if cfg.Cache.Database != "/tmp/peers.db" {
		t.Errorf("Database = %q, want %q", cfg.Cache.Database, "/tmp/peers.db")
	}
	if cfg.Cache.FullInfoTTL != config.Duration(30*time.Minute) {
		t.Errorf("FullInfoTTL = %v, want 30m", cfg.Cache.FullInfoTTL)
	}
	if cfg.Cache.ContactResync != config.Duration(12*time.Hour) {
		t.Errorf("ContactResync = %v, want 12h", cfg.Cache.ContactResync)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`telegram:
  api_id: 1
  api_hash: "x"
`)
	if err := os.WriteFile(cfgPath, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Cache.Database == "" {
		t.Error("Database default is empty")
	}
	if cfg.Cache.FullInfoTTL != config.Duration(time.Hour) {
		t.Errorf("FullInfoTTL = %v, want 1h", cfg.Cache.FullInfoTTL)
	}
	if cfg.Cache.ContactResync != config.Duration(24*time.Hour) {
		t.Errorf("ContactResync = %v, want 24h", cfg.Cache.ContactResync)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigDir(t *testing.T) {
	dir := config.Dir()
	if dir == "" {
		t.Error("Dir() returned empty string")
	}
}
