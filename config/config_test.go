package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
page:
  url: "https://chat.example.com/c/abc"
  profile: "flagged"
telegram:
  bot_token: "12345:token"
  chat_id: 987654321
  part_delay: 150ms
timing:
  edit_poll: 250ms
storage:
  settings_db: "/var/lib/streamrelay/settings.db"
diag:
  listen: "127.0.0.1:8099"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Page.URL != "https://chat.example.com/c/abc" {
		t.Errorf("page url = %q", cfg.Page.URL)
	}
	if cfg.Telegram.ChatID != 987654321 {
		t.Errorf("chat id = %d", cfg.Telegram.ChatID)
	}
	if cfg.Telegram.PartDelay != 150*time.Millisecond {
		t.Errorf("part delay = %v", cfg.Telegram.PartDelay)
	}
	if cfg.Timing.EditPoll != 250*time.Millisecond {
		t.Errorf("edit poll = %v", cfg.Timing.EditPoll)
	}
	// Defaults survive a partial file.
	if cfg.Storage.ArchiveDB != "archive.db" {
		t.Errorf("archive db default = %q", cfg.Storage.ArchiveDB)
	}
	if cfg.Telegram.KeepAliveInterval != 60*time.Second {
		t.Errorf("keepalive default = %v", cfg.Telegram.KeepAliveInterval)
	}
	if cfg.Diag.Listen != "127.0.0.1:8099" {
		t.Errorf("diag listen = %q", cfg.Diag.Listen)
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	path := writeConfig(t, `
page:
  url: "https://chat.example.com"
telegram:
  chat_id: 1
`)
	t.Setenv("STREAMRELAY_BOT_TOKEN", "env:token")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.BotToken != "env:token" {
		t.Errorf("bot token = %q", cfg.Telegram.BotToken)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Page.URL = "https://chat.example.com"
		cfg.Telegram.BotToken = "t"
		cfg.Telegram.ChatID = 1
		return cfg
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cfg := base()
	cfg.Page.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing page url should fail")
	}
	cfg = base()
	cfg.Page.Profile = "custom"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown profile should fail")
	}
	cfg = base()
	cfg.Telegram.ChatID = 0
	if err := cfg.Validate(); err == nil {
		t.Error("missing chat id should fail")
	}
}

func TestResolveProfileOverrides(t *testing.T) {
	path := writeConfig(t, `
page:
  url: "https://chat.example.com"
  profile: "flagged"
  selectors:
    responseContainer:
      primary: "div.answer-turn"
      fallbacks: ["[data-turn=assistant]"]
      critical: true
telegram:
  bot_token: "t"
  chat_id: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.ResolveProfile()
	def := p.Selectors["responseContainer"]
	if def.Primary != "div.answer-turn" {
		t.Errorf("override primary = %q", def.Primary)
	}
	if !def.Critical || len(def.Fallbacks) != 1 {
		t.Errorf("override def = %+v", def)
	}
	// Untouched defs keep the built-in values.
	if p.Selectors["userQuestion"].Primary == "" {
		t.Error("non-overridden selector lost")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
