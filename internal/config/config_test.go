package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telecloud.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default = %q", cfg.Server.Host)
	}
	if cfg.Manifest.Path != "./data/manifest.db" {
		t.Errorf("manifest path default = %q", cfg.Manifest.Path)
	}
	if cfg.Transport.Backend != "local" {
		t.Errorf("backend default = %q", cfg.Transport.Backend)
	}
	if cfg.Engine.MaxChunkSize != 19*1024*1024 {
		t.Errorf("max chunk size default = %d", cfg.Engine.MaxChunkSize)
	}
	if cfg.Engine.UploadConcurrency != 4 || cfg.Engine.PrefetchWindow != 3 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8181
manifest:
  path: /var/lib/telecloud/manifest.db
transport:
  backend: telegram
  retry_attempts: 5
  telegram:
    bot_token: "123:abc"
    chat_id: -1009876
engine:
  max_chunk_size: 1048576
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8181 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transport.Backend != "telegram" {
		t.Errorf("backend = %q", cfg.Transport.Backend)
	}
	if cfg.Transport.RetryAttempts != 5 {
		t.Errorf("retry attempts = %d", cfg.Transport.RetryAttempts)
	}
	if cfg.Transport.Telegram.BotToken != "123:abc" || cfg.Transport.Telegram.ChatID != -1009876 {
		t.Errorf("telegram = %+v", cfg.Transport.Telegram)
	}
	if cfg.Engine.MaxChunkSize != 1048576 {
		t.Errorf("max chunk size = %d", cfg.Engine.MaxChunkSize)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadBotTokenFromEnv(t *testing.T) {
	t.Setenv("TELECLOUD_BOT_TOKEN", "env-token")
	path := writeConfig(t, "transport:\n  telegram:\n    bot_token: file-token\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Telegram.BotToken != "env-token" {
		t.Errorf("bot token = %q, want env override", cfg.Transport.Telegram.BotToken)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing config succeeded")
	}
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed config succeeded")
	}
}
