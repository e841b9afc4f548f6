// Package config loads the streamrelay YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/streamrelay/convo"
	"github.com/hazyhaar/streamrelay/selector"
)

// Config is the top-level streamrelay configuration.
type Config struct {
	Page     PageConfig     `yaml:"page"`
	Telegram TelegramConfig `yaml:"telegram"`
	Timing   TimingConfig   `yaml:"timing"`
	Storage  StorageConfig  `yaml:"storage"`
	Diag     DiagConfig     `yaml:"diag"`
}

// PageConfig controls which page is observed and how Chrome is reached.
type PageConfig struct {
	URL     string `yaml:"url"`
	Remote  string `yaml:"remote"`  // DevTools websocket of an existing Chrome, empty launches one
	Headful bool   `yaml:"headful"`
	Profile string `yaml:"profile"` // flagged | marker

	// Selectors overrides individual profile selector defs by logical
	// name, for host pages that drift from the built-in profiles.
	Selectors selector.Set `yaml:"selectors"`
}

// TelegramConfig holds the bot credentials and pacing.
type TelegramConfig struct {
	BotToken          string        `yaml:"bot_token"`
	ChatID            int64         `yaml:"chat_id"`
	BaseURL           string        `yaml:"base_url"`
	PartDelay         time.Duration `yaml:"part_delay"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// TimingConfig tunes the observation loops. Zero values take the
// package defaults.
type TimingConfig struct {
	WaitPoll       time.Duration `yaml:"wait_poll"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	EditPoll       time.Duration `yaml:"edit_poll"`
	StopPoll       time.Duration `yaml:"stop_poll"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	SettingsPoll   time.Duration `yaml:"settings_poll"`
}

// StorageConfig locates the local databases.
type StorageConfig struct {
	SettingsDB string `yaml:"settings_db"`
	ArchiveDB  string `yaml:"archive_db"`
}

// DiagConfig controls the local diagnostic endpoint. Empty listen
// disables it.
type DiagConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when a field is absent from
// the file.
func Default() *Config {
	return &Config{
		Page: PageConfig{
			Profile: "flagged",
		},
		Telegram: TelegramConfig{
			KeepAliveInterval: 60 * time.Second,
		},
		Timing: TimingConfig{
			HealthInterval: 30 * time.Second,
			SettingsPoll:   time.Second,
		},
		Storage: StorageConfig{
			SettingsDB: "streamrelay.db",
			ArchiveDB:  "archive.db",
		},
	}
}

// Load reads and parses a YAML config file, merged over Default.
// STREAMRELAY_BOT_TOKEN overrides telegram.bot_token so the token can
// stay out of the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if tok := os.Getenv("STREAMRELAY_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	return cfg, cfg.Validate()
}

// ResolveProfile returns the configured host profile with any selector
// overrides applied. Call after Validate.
func (c *Config) ResolveProfile() convo.Profile {
	p, _ := convo.ProfileByName(c.Page.Profile)
	for name, def := range c.Page.Selectors {
		p.Selectors[name] = def
	}
	return p
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.Page.URL == "" && c.Page.Remote == "" {
		return fmt.Errorf("config: page.url or page.remote is required")
	}
	if _, ok := convo.ProfileByName(c.Page.Profile); !ok {
		return fmt.Errorf("config: unknown page.profile %q (use flagged or marker)", c.Page.Profile)
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("config: telegram.bot_token is required (or set STREAMRELAY_BOT_TOKEN)")
	}
	if c.Telegram.ChatID == 0 {
		return fmt.Errorf("config: telegram.chat_id is required")
	}
	if c.Storage.SettingsDB == "" {
		return fmt.Errorf("config: storage.settings_db is required")
	}
	return nil
}
