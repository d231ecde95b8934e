package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	logger := zerolog.New(nil)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, resolved, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected path %s, got %s", path, resolved)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	def := Default()
	if cfg.Addr != def.Addr || cfg.HeartbeatTimeout != def.HeartbeatTimeout || cfg.MaxMessageBytes != def.MaxMessageBytes {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	logger := zerolog.New(nil)
	path := filepath.Join(t.TempDir(), "config.yaml")

	content := []byte("addr: \":9090\"\nheartbeat_timeout: 2m\nrate_limit_per_minute: 30\nallowed_origins:\n  - example.com\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WIRERELAY_ADDR", ":7070")

	cfg, _, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("env should override file, got addr %s", cfg.Addr)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Fatalf("expected 2m heartbeat timeout, got %s", cfg.HeartbeatTimeout)
	}
	if cfg.RateLimitPerMinute != 30 {
		t.Fatalf("expected rate limit 30, got %d", cfg.RateLimitPerMinute)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestUpdateFromAndValidate(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1", JWTSecret: "s3cret"})
	if cfg.Addr != ":1" || cfg.JWTSecret != "s3cret" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected merge result: %+v", cfg)
	}

	cfg.JWTSecret = ""
	cfg.MaxMessageBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDefaultValuesCoverEveryField(t *testing.T) {
	defaults := defaultValues(Default())

	typ := reflect.TypeOf(Config{})
	for i := 0; i < typ.NumField(); i++ {
		key := typ.Field(i).Tag.Get("mapstructure")
		if _, ok := defaults[key]; !ok {
			t.Errorf("field %s (%s) has no default, so %s is ignored", typ.Field(i).Name, key, envName(key))
		}
	}
	if len(defaults) != typ.NumField() {
		t.Fatalf("expected %d defaults, got %d", typ.NumField(), len(defaults))
	}
}

func TestLoadEnvOverridesDefaultWrittenFile(t *testing.T) {
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "config.yaml")

	t.Setenv(envName("heartbeat_timeout"), "45s")
	t.Setenv(envName("allowed_origins"), "a.example,b.example")

	cfg, _, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatTimeout != 45*time.Second {
		t.Fatalf("expected env heartbeat timeout 45s, got %s", cfg.HeartbeatTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.WriteTimeout != Default().WriteTimeout {
		t.Fatalf("untouched key changed: %s", cfg.WriteTimeout)
	}
}

func TestLoadRejectsUnreadableConfig(t *testing.T) {
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: [unterminated\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, _, err := Load(&logger, path); err == nil {
		t.Fatalf("expected parse error for broken yaml")
	}
}
