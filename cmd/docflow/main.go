package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/docflow/internal/api"
	"github.com/rendis/docflow/internal/builder"
	"github.com/rendis/docflow/internal/condition"
	"github.com/rendis/docflow/internal/engine"
	"github.com/rendis/docflow/internal/executor"
	"github.com/rendis/docflow/internal/extract"
	"github.com/rendis/docflow/internal/logging"
	"github.com/rendis/docflow/internal/notify"
	"github.com/rendis/docflow/internal/scheduler"
	"github.com/rendis/docflow/internal/secrets"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/internal/template"
	"github.com/rendis/docflow/internal/validation"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("docflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(docflowDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	vault, err := newVault(cfg, st, logger)
	if err != nil {
		return err
	}
	resolver := template.NewResolver(vault)

	var notifier executor.Notifier
	if cfg.NotifyWebhook != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhook, 10*time.Second)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	registry := executor.NewRegistry()
	for _, exec := range []executor.Executor{
		executor.NewTriggerExecutor(),
		executor.NewParseExecutor(extract.NewHeuristicExtractor()),
		executor.NewClassifyExecutor(extract.NewHeuristicClassifier()),
		executor.NewConditionExecutor(condition.NewEvaluator()),
		executor.NewTransformExecutor(),
		executor.NewAPIActionExecutor(resolver, nil),
		executor.NewDelayExecutor(),
		executor.NewEndExecutor(notifier, resolver, logger),
	} {
		if err := registry.Register(exec); err != nil {
			return err
		}
	}

	eng := engine.New(st, registry, logger)
	pool := engine.NewWorkerPool(cfg.PoolSize)
	sched := scheduler.New(st, eng, pool, logger,
		time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Addr:      cfg.ListenAddr,
		Store:     st,
		Engine:    eng,
		Validator: validator,
		Graphs:    builder.NewService(st),
		Vault:     vault,
		Logger:    logger,
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		_ = sched.Stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	pool.Shutdown()
	return nil
}

func newVault(cfg Config, st store.Store, logger *slog.Logger) (secrets.Vault, error) {
	passphrase := cfg.VaultPassphrase
	salt := cfg.VaultSalt
	if passphrase == "" {
		// Development fallback. Production deployments must set
		// DOCFLOW_VAULT_PASSPHRASE.
		logger.Warn("vault passphrase not configured, using development default")
		passphrase = "docflow-dev"
	}
	if salt == "" {
		salt = "docflow"
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: passphrase,
		Salt:       []byte(salt),
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
