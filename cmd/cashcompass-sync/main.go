package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cashcompass/internal/config"
	"cashcompass/internal/log"
	"cashcompass/internal/store"
	"cashcompass/internal/sync"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := log.New(log.Config{Level: level, Component: log.ComponentSync})
	log.SetDefault(logger)

	logger.Info("starting sync worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	s, err := store.Open(cfg.SQLiteDBPath, logger)
	if err != nil {
		logger.Error("failed to open store", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer s.Close()

	client, err := sync.NewClient(sync.ClientConfig{
		URL:      cfg.SyncURL,
		Exchange: cfg.SyncExchange,
		Outbox:   cfg.SyncOutboxQueue,
		Inbox:    cfg.SyncInboxQueue,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to sync endpoint", log.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	worker := sync.NewWorker(s, client, client, cfg.SyncBatchSize, cfg.SyncInterval, logger)

	if err := worker.StartupCheck(ctx); err != nil {
		logger.Error("startup sync check failed", log.FieldError, err)
		// Keep going; the push loop retries on its own schedule.
	}

	// Log status transitions so operators can follow sync health.
	go func() {
		for status := range worker.Status().Updates() {
			if status.State == sync.StateError {
				logger.Error("sync status changed", log.FieldState, string(status.State), log.FieldError, status.Err)
			} else {
				logger.Info("sync status changed", log.FieldState, string(status.State))
			}
		}
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sync worker stopped", log.FieldError, err)
		os.Exit(1)
	}

	logger.Info("sync worker shut down")
}
