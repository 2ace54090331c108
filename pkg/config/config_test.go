package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.MaxStoredRequests != 10_000 {
		t.Errorf("expected 10000, got %d", cfg.MaxStoredRequests)
	}
	if cfg.MaxBodySize != 10*1024*1024 {
		t.Errorf("expected 10485760, got %d", cfg.MaxBodySize)
	}
	if cfg.MatchTimeoutMS != 250 {
		t.Errorf("expected 250, got %d", cfg.MatchTimeoutMS)
	}
	if cfg.HandlerTimeoutMS != 30_000 {
		t.Errorf("expected 30000, got %d", cfg.HandlerTimeoutMS)
	}
	if cfg.LeafCertCache != 512 {
		t.Errorf("expected 512, got %d", cfg.LeafCertCache)
	}
	if cfg.EventLogCapacity != 5_000 {
		t.Errorf("expected 5000, got %d", cfg.EventLogCapacity)
	}
	if cfg.AuthMode != AuthRequired {
		t.Errorf("expected required auth mode, got %s", cfg.AuthMode)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"max_stored_requests": 500,
		"max_body_size": 1024,
		"match_timeout_ms": 100,
		"handler_timeout_ms": 2000,
		"auth_mode": "optional"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxStoredRequests != 500 {
		t.Errorf("expected 500, got %d", cfg.MaxStoredRequests)
	}
	if cfg.MaxBodySize != 1024 {
		t.Errorf("expected 1024, got %d", cfg.MaxBodySize)
	}
	if cfg.MatchTimeoutMS != 100 {
		t.Errorf("expected 100, got %d", cfg.MatchTimeoutMS)
	}
	if cfg.AuthMode != AuthOptional {
		t.Errorf("expected optional, got %s", cfg.AuthMode)
	}
	// Untouched keys keep defaults.
	if cfg.EventLogCapacity != 5_000 {
		t.Errorf("expected default event capacity, got %d", cfg.EventLogCapacity)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	path := writeConfig(t, `{
		"max_stored_requests": -5,
		"max_body_size": "lots",
		"match_timeout_ms": 0,
		"auth_mode": "yes please",
		"unknown_key": true
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxStoredRequests != DefaultMaxStoredRequests {
		t.Errorf("expected default, got %d", cfg.MaxStoredRequests)
	}
	if cfg.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("expected default, got %d", cfg.MaxBodySize)
	}
	if cfg.MatchTimeoutMS != DefaultMatchTimeoutMS {
		t.Errorf("expected default, got %d", cfg.MatchTimeoutMS)
	}
	if cfg.AuthMode != AuthRequired {
		t.Errorf("expected required, got %s", cfg.AuthMode)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, `{not json`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.MaxStoredRequests != DefaultMaxStoredRequests {
		t.Errorf("expected defaults for missing file")
	}
}
