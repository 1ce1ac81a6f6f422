package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cashcompass/internal/log"

	_ "modernc.org/sqlite"
)

// Collection names, as carried by change events and sync messages.
const (
	CollectionCategory = "category"
	CollectionAccount  = "account"
	CollectionTx       = "tx"
)

// Sync states of a row relative to the remote service.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncError   = "error"
)

var ErrNotFound = errors.New("not found")

// Store is the local ledger database: durable keyed collections with
// transactional multi-collection writes, indexed range queries and a
// change-notification stream. Exactly one Store is constructed per
// process and passed by reference to every component that needs it.
type Store struct {
	db     *sql.DB
	logger *log.Logger
	events *broadcaster
	now    func() time.Time

	repairMu      sync.Mutex
	repairRunning bool
}

// Open initializes the database at dbPath, running migrations as
// needed. Opening an already-migrated database is a no-op beyond
// connecting.
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Serialize all access through one connection: the single logical
	// writer model, and modernc/sqlite's preferred mode.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithComponent(log.ComponentStore),
		events: newBroadcaster(),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Subscribe returns a live feed of change events for the given
// collections (all collections when none are given). The subscription
// must be closed to release it.
func (s *Store) Subscribe(collections ...string) *Subscription {
	return s.events.subscribe(collections...)
}

// withTx runs fn inside a single database transaction. Every write
// path, including the repair job, goes through here so multi-collection
// writes commit or roll back together.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func tableFor(collection string) (string, error) {
	switch collection {
	case CollectionCategory, CollectionAccount, CollectionTx:
		return collection, nil
	default:
		return "", fmt.Errorf("unknown collection %q", collection)
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
