package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadFromYAML(path)
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Messaging.TypingTimeout != 5*time.Second {
		t.Fatalf("expected default typing timeout, got %v", cfg.Messaging.TypingTimeout)
	}
	if cfg.Messaging.MaxPageSize != 100 {
		t.Fatalf("expected default max page size, got %d", cfg.Messaging.MaxPageSize)
	}
}

func TestLoadFromYAMLMissingFile(t *testing.T) {
	cfg := loadFromYAML(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.Server.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Server.Port)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("MSG_TYPING_TIMEOUT", "2s")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")

	cfg := DefaultConfig()
	overrideWithEnvVars(cfg)

	if cfg.Server.Port != "7070" {
		t.Fatalf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Messaging.TypingTimeout != 2*time.Second {
		t.Fatalf("expected typing timeout 2s, got %v", cfg.Messaging.TypingTimeout)
	}
	if !cfg.Redis.Enabled {
		t.Fatalf("expected redis enabled")
	}
	if len(cfg.CORS.AllowOrigins) != 2 || cfg.CORS.AllowOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORS.AllowOrigins)
	}
}
