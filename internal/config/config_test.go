package config

import (
	"strings"
	"testing"
)

// memBackend is an in-memory Backend for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string]any{}}
}

func (b *memBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return "", false, nil
}

func (b *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	if i, ok := v.(int); ok {
		return i, true, nil
	}
	return 0, false, nil
}

func (b *memBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *memBackend) SetInt(key string, val int) error { b.data[key] = val; return nil }
func (b *memBackend) Delete(key string) error          { delete(b.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Relay.Provider != "qwen" {
		t.Errorf("Relay.Provider = %q, want qwen", cfg.Relay.Provider)
	}
	if cfg.Relay.MaxTokens != 800 {
		t.Errorf("Relay.MaxTokens = %d, want 800", cfg.Relay.MaxTokens)
	}
	if cfg.Cache.TTLHours != 24 {
		t.Errorf("Cache.TTLHours = %d, want 24", cfg.Cache.TTLHours)
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled = false, want true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValues(t *testing.T) {
	b := newMemBackend()
	b.data["server.port"] = 9000
	b.data["relay.provider"] = "openai_compat"
	b.data["cache.enabled"] = "false"
	b.data["storage.data_dir"] = "/tmp/chatd-test"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Relay.Provider != "openai_compat" {
		t.Errorf("Relay.Provider = %q, want openai_compat", cfg.Relay.Provider)
	}
	if cfg.Cache.Enabled {
		t.Error("Cache.Enabled = true, want false")
	}
	if cfg.Storage.DataDir != "/tmp/chatd-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMemBackend()
	b.data["relay.provider"] = "qwen"
	b.data["server.port"] = 9000

	t.Setenv("CHATD_RELAY_PROVIDER", "mock")
	t.Setenv("CHATD_SERVER_PORT", "7070")
	t.Setenv("CHATD_CACHE_TTL_HOURS", "48")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Relay.Provider != "mock" {
		t.Errorf("Relay.Provider = %q, want mock", cfg.Relay.Provider)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Cache.TTLHours != 48 {
		t.Errorf("Cache.TTLHours = %d, want 48", cfg.Cache.TTLHours)
	}
}

func TestEnvOverrideBadIntIgnored(t *testing.T) {
	t.Setenv("CHATD_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want the 3001 default", cfg.Server.Port)
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKey(b, "server.port", "8080"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if got := b.data["server.port"]; got != 8080 {
		t.Errorf("server.port = %v, want 8080", got)
	}

	if err := setKey(b, "cache.enabled", "maybe"); err == nil {
		t.Error("expected error for invalid boolean")
	}
	if err := setKey(b, "nope.nope", "x"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("expected unknown-key error, got %v", err)
	}
}

func TestShowAllCoversEveryKey(t *testing.T) {
	infos := ShowAll(defaults())
	if len(infos) != len(specs) {
		t.Fatalf("ShowAll returned %d entries, want %d", len(infos), len(specs))
	}
	for _, info := range infos {
		if info.EnvVar == "" || !strings.HasPrefix(info.EnvVar, "CHATD_") {
			t.Errorf("key %s has unexpected env var %q", info.Key, info.EnvVar)
		}
	}
}
