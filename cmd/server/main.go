package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/berth/internal/config"
	"github.com/me/berth/internal/executor"
	"github.com/me/berth/internal/logging"
	"github.com/me/berth/internal/scheduler"
	"github.com/me/berth/internal/server"
	"github.com/me/berth/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("store ready", "driver", cfg.StoreDriver)

	// Create executor registry and register executors.
	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalExecutor(cfg.StartLatency, logger))
	if cfg.WebhookURL != "" {
		reg.Register(executor.NewWebhookExecutor(cfg.WebhookURL, logger))
	}
	exec, err := reg.Get(executor.Type(cfg.Executor))
	if err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
		os.Exit(1)
	}

	threshold, _ := cfg.Threshold()
	schedCfg := scheduler.Config{
		StartTimeout:        cfg.StartTimeout,
		PreemptionThreshold: threshold,
		OrganizationQuota:   cfg.Quota.Resources(),
		ReconcileInterval:   cfg.ReconcileInterval,
	}
	sched := scheduler.New(st, exec, schedCfg, logger)
	if err := sched.Rehydrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rehydrate: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, sched, logger, server.WithExecutorRegistry(reg))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := scheduler.NewLoop(sched, cfg.ReconcileInterval, logger)
	go func() {
		if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "executor", exec.Type())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
	// Cancel in-flight starts after the API stops taking requests.
	sched.Close()
	logger.Info("server stopped")
}

func openStore(cfg config.ServerConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverPostgres {
		return store.NewPostgresStore(cfg.DatabaseURL, logger)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".berth")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, "berth.db")
	}
	logger.Info("using sqlite", "path", dbPath)
	return store.NewSQLiteStore(dbPath, logger)
}
