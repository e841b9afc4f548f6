// Command streamrelay watches a streaming chat page in Chrome and relays
// assistant replies to a Telegram chat, live while they stream and on
// demand through in-page controls.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/streamrelay/archive"
	"github.com/hazyhaar/streamrelay/config"
	"github.com/hazyhaar/streamrelay/convo"
	"github.com/hazyhaar/streamrelay/diag"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/poll"
	"github.com/hazyhaar/streamrelay/relay"
	"github.com/hazyhaar/streamrelay/settings"
	"github.com/hazyhaar/streamrelay/stream"
)

func main() {
	configPath := flag.String("config", "streamrelay.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("streamrelay exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	profile := cfg.ResolveProfile()
	host := convo.New(profile, logger)

	// Settings store plus live reload.
	store, err := settings.Open(cfg.Storage.SettingsDB, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	initial, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	var current atomic.Pointer[settings.Settings]
	current.Store(&initial)

	settingsWatcher := settings.NewWatcher(store, settings.WatchOptions{Interval: cfg.Timing.SettingsPoll})
	go settingsWatcher.Run(ctx)
	go func() {
		for s := range settingsWatcher.Changes() {
			s := s
			current.Store(&s)
			logger.Info("main: settings reloaded",
				"enabled", s.Enabled, "auto_send", s.AutoSendFirstChunk)
		}
	}()

	// Telegram transport.
	transport, err := relay.NewTelegram(relay.TelegramOptions{
		BotToken:  cfg.Telegram.BotToken,
		ChatID:    cfg.Telegram.ChatID,
		BaseURL:   cfg.Telegram.BaseURL,
		PartDelay: cfg.Telegram.PartDelay,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := transport.Preconnect(ctx); err != nil {
		return fmt.Errorf("telegram preconnect: %w", err)
	}
	if cfg.Telegram.KeepAliveInterval > 0 {
		go transport.KeepAlive(ctx, poll.Real{}, cfg.Telegram.KeepAliveInterval)
	}

	// Archive.
	arch, err := archive.Open(cfg.Storage.ArchiveDB, archive.Options{
		PageURL: cfg.Page.URL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer arch.Close()

	// Browser.
	containerDef := profile.Selectors[convo.SelContainer]
	handle, err := page.Attach(ctx, page.RodOptions{
		URL:               cfg.Page.URL,
		RemoteURL:         cfg.Page.Remote,
		Headful:           cfg.Page.Headful,
		ContainerSelector: strings.Join(append([]string{containerDef.Primary}, containerDef.Fallbacks...), ", "),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer handle.Close()

	led := ledger.New()
	watcher, err := stream.NewWatcher(stream.Options{
		Page:      handle,
		Host:      host,
		Ledger:    led,
		Transport: transport,
		Settings: func(context.Context) settings.Settings {
			return *current.Load()
		},
		Archive:        arch,
		Logger:         logger,
		WaitPoll:       cfg.Timing.WaitPoll,
		WaitTimeout:    cfg.Timing.WaitTimeout,
		EditPoll:       cfg.Timing.EditPoll,
		StopPoll:       cfg.Timing.StopPoll,
		SessionTimeout: cfg.Timing.SessionTimeout,
	})
	if err != nil {
		return err
	}

	// Decorate whatever is already on the page before mutations arrive.
	watcher.Rescan(ctx)
	go watcher.HealthLoop(ctx, cfg.Timing.HealthInterval)

	// Diagnostic endpoint (optional).
	if cfg.Diag.Listen != "" {
		d, err := diag.New(diag.Options{
			Addr:     cfg.Diag.Listen,
			Watcher:  watcher,
			Ledger:   led,
			Relay:    transport,
			Settings: store,
			Archive:  arch,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := d.Run(ctx); err != nil {
				logger.Error("main: diag server", "error", err)
			}
		}()
	}

	logger.Info("main: streamrelay running",
		"page", cfg.Page.URL, "chat", cfg.Telegram.ChatID, "profile", profile.Name)

	watcher.Run(ctx)

	logger.Info("main: shutting down")
	return nil
}
