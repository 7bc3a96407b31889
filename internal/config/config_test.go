package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadCreatesDefaultConfigOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textcal", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("first-run load failed: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8080" || cfg.Provider != "google" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	saved := &Config{
		BaseURL:         "https://api.example.com",
		Token:           "tok_abc",
		Provider:        "outlook",
		Calendar:        "Work",
		StorageDSN:      "memory",
		PollSeconds:     5,
		DebounceSeconds: 10,
		WatchDir:        "/tmp/inbox",
	}
	if err := Save(path, saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if *loaded != *saved {
		t.Fatalf("round trip mismatch:\nsaved  %+v\nloaded %+v", saved, loaded)
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	if cfg.BaseURL == "" || cfg.Provider != "google" {
		t.Fatalf("normalize left zero values: %+v", cfg)
	}
	if cfg.PollSeconds != 2 || cfg.DebounceSeconds != 3 {
		t.Fatalf("unexpected interval defaults: %+v", cfg)
	}

	cfg = &Config{PollSeconds: -1, DebounceSeconds: -1}
	cfg.Normalize()
	if cfg.PollSeconds != 2 || cfg.DebounceSeconds != 3 {
		t.Fatalf("negative intervals not reset: %+v", cfg)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if err := Save("", DefaultConfig()); err == nil {
		t.Fatalf("expected error for empty save path")
	}
	if err := Save(filepath.Join(t.TempDir(), "c.yaml"), nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
