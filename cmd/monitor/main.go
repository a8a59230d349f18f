package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tg_monitor/internal/action"
	"tg_monitor/internal/ai"
	"tg_monitor/internal/config"
	"tg_monitor/internal/engine"
	"tg_monitor/internal/monitor"
	"tg_monitor/internal/notify"
	"tg_monitor/internal/scheduler"
	"tg_monitor/internal/session"
	"tg_monitor/internal/storage"
	"tg_monitor/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Error("load timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	var judge monitor.Classifier
	var chooser action.Classifier
	if cfg.OpenAIAPIKey != "" {
		cls := ai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, log)
		judge = cls
		chooser = cls
	}
	var mailer action.Notifier
	if cfg.SMTPHost != "" {
		mailer = notify.New(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, log)
	}

	journal := engine.NewJournal(1000, log)
	pool := session.New(telegram.Dialer(log), nil, log)
	runner := action.NewRunner(action.Config{
		Pool:       pool,
		Classifier: chooser,
		Notifier:   mailer,
		Saver:      storage.FileStore{},
		Observer:   journal,
		Log:        log,
	})
	reg := monitor.NewRegistry()
	matcher := monitor.NewMatcher(reg, judge, log)
	orch := engine.NewOrchestrator(reg, runner, journal, cfg.ExecutionMode, cfg.QueueSize, cfg.Workers, log)
	sched := scheduler.New(orch, loc, log)
	eng := engine.New(pool, reg, matcher, orch, sched, store, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Error("start engine", "error", err)
		os.Exit(1)
	}

	bootstrap(ctx, eng, cfg, log)

	<-ctx.Done()
	eng.Stop()
	log.Info("monitor stopped")
}

// bootstrap registers env-configured accounts that are not yet persisted.
func bootstrap(ctx context.Context, eng *engine.Engine, cfg *config.Config, log *slog.Logger) {
	known := make(map[string]bool)
	for _, acct := range eng.Accounts() {
		known[acct.Identity] = true
	}
	for _, acct := range cfg.Accounts {
		if known[acct.Identity] {
			continue
		}
		ordinal, err := eng.AddAccount(ctx, acct.Identity, acct.Token)
		if err != nil {
			log.Error("bootstrap account", "identity", acct.Identity, "error", err)
			continue
		}
		log.Info("account bootstrapped", "identity", acct.Identity, "ordinal", ordinal)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
