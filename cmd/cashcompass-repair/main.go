package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cashcompass/internal/config"
	"cashcompass/internal/log"
	"cashcompass/internal/store"
)

// One-shot maintenance pass over the database: restores sentinel
// labels, re-derives date keys, and re-syncs the snapshots embedded in
// transactions.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := log.New(log.Config{Level: level, Component: log.ComponentRepair})
	log.SetDefault(logger)

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := s.Repair(ctx)
	if err != nil {
		logger.Error("repair failed", log.FieldError, err)
		os.Exit(1)
	}

	if report.Empty() {
		fmt.Println("repair: nothing to fix")
		return
	}

	fmt.Printf("repair: %d categories relabeled, %d accounts relabeled, %d timestamps repaired, %d snapshots synced\n",
		report.CategoriesRelabeled,
		report.AccountsRelabeled,
		report.TimestampsRepaired,
		report.SnapshotsSynced,
	)
}
