package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cashcompass/internal/core"
	"cashcompass/internal/log"
)

var ErrRepairRunning = errors.New("repair already running")

// RepairReport counts what the repair job changed. A second run right
// after a successful one reports all zeros.
type RepairReport struct {
	CategoriesRelabeled int
	AccountsRelabeled   int
	TimestampsRepaired  int
	SnapshotsSynced     int
}

func (r RepairReport) Empty() bool {
	return r == RepairReport{}
}

// Repair scans the whole store inside one transaction and
// re-establishes the invariants the write hooks guarantee for new
// writes: label sentinels, derived date keys, and embedded snapshots
// matching their source entities. It is idempotent and safe to run at
// any time; drift left behind by sync merges or schema migrations
// converges back to a consistent state.
//
// Only one repair runs at a time; a concurrent call returns
// ErrRepairRunning.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	s.repairMu.Lock()
	if s.repairRunning {
		s.repairMu.Unlock()
		return RepairReport{}, ErrRepairRunning
	}
	s.repairRunning = true
	s.repairMu.Unlock()

	defer func() {
		s.repairMu.Lock()
		s.repairRunning = false
		s.repairMu.Unlock()
	}()

	logger := s.logger.WithComponent(log.ComponentRepair)
	logger.InfoContext(ctx, "Starting data repair")

	var report RepairReport
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		categories, err := loadCategories(ctx, tx)
		if err != nil {
			return err
		}
		accounts, err := loadAccounts(ctx, tx)
		if err != nil {
			return err
		}

		// Relabel from the loaded rows so emptiness is judged by the
		// same trimming the write hooks apply. SQL trim would miss a
		// tab-only or newline-only label slipped in out-of-band.
		for id, c := range categories {
			if core.NormalizeLabel(c.Label, core.UncategorizedLabel) == c.Label {
				continue
			}
			c.Label = core.UncategorizedLabel
			if err := relabelRow(ctx, tx, "category", id, c.Label); err != nil {
				return err
			}
			categories[id] = c
			report.CategoriesRelabeled++
		}
		for id, a := range accounts {
			if core.NormalizeLabel(a.Label, core.UnknownAccountLabel) == a.Label {
				continue
			}
			a.Label = core.UnknownAccountLabel
			if err := relabelRow(ctx, tx, "account", id, a.Label); err != nil {
				return err
			}
			accounts[id] = a
			report.AccountsRelabeled++
		}

		txs, err := loadTransactions(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now().UTC().Format(time.RFC3339)
		for _, t := range txs {
			changed := false
			snapshotChanged := false

			// A transaction without a parseable timestamp cannot be
			// rejected here: repair must always converge. Synthesize
			// the current instant instead.
			if _, err := core.DateKey(t.Timestamp); err != nil {
				logger.WarnContext(ctx, "Transaction missing usable timestamp, setting current date",
					log.FieldEntityID, t.ID, log.FieldTimestamp, t.Timestamp)
				t.Timestamp = now
				changed = true
				report.TimestampsRepaired++
			}
			if key := t.Timestamp[:core.DateKeyLen]; t.DateKey != key {
				t.DateKey = key
				changed = true
			}

			if t.Category != nil {
				if src, ok := categories[t.Category.ID]; ok && *t.Category != src {
					logger.InfoContext(ctx, "Synchronizing category snapshot",
						log.FieldEntityID, t.ID, log.FieldLabel, src.Label)
					t.Category = src.Snapshot()
					changed = true
					snapshotChanged = true
				}
			}
			if t.Account != nil {
				if src, ok := accounts[t.Account.ID]; ok && *t.Account != src {
					logger.InfoContext(ctx, "Synchronizing account snapshot",
						log.FieldEntityID, t.ID, log.FieldLabel, src.Label)
					t.Account = src.Snapshot()
					changed = true
					snapshotChanged = true
				}
			}

			if !changed {
				continue
			}
			if err := updateTransactionTx(ctx, tx, t, SyncPending); err != nil {
				return err
			}
			if snapshotChanged {
				report.SnapshotsSynced++
			}
		}
		return nil
	})
	if err != nil {
		return RepairReport{}, fmt.Errorf("repair: %w", err)
	}

	logger.InfoContext(ctx, "Data repair completed",
		"categories_relabeled", report.CategoriesRelabeled,
		"accounts_relabeled", report.AccountsRelabeled,
		"timestamps_repaired", report.TimestampsRepaired,
		"snapshots_synced", report.SnapshotsSynced)

	if report.CategoriesRelabeled > 0 {
		s.events.publish(Event{Collection: CollectionCategory, Kind: ChangeUpdated})
	}
	if report.AccountsRelabeled > 0 {
		s.events.publish(Event{Collection: CollectionAccount, Kind: ChangeUpdated})
	}
	if report.SnapshotsSynced > 0 || report.TimestampsRepaired > 0 {
		s.events.publish(Event{Collection: CollectionTx, Kind: ChangeUpdated})
	}
	return report, nil
}

func relabelRow(ctx context.Context, tx *sql.Tx, table, id, label string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET label = ?, sync_state = ?, version = version + 1 WHERE id = ?`,
		label, SyncPending, id)
	if err != nil {
		return fmt.Errorf("relabel %s %s: %w", table, id, err)
	}
	return nil
}

func loadCategories(ctx context.Context, tx *sql.Tx) (map[string]core.Category, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, label, archived FROM category`)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]core.Category)
	for rows.Next() {
		var (
			c        core.Category
			archived int64
		)
		if err := rows.Scan(&c.ID, &c.Label, &archived); err != nil {
			return nil, err
		}
		c.Archived = archived != 0
		byID[c.ID] = c
	}
	return byID, rows.Err()
}

func loadAccounts(ctx context.Context, tx *sql.Tx) (map[string]core.Account, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, label, account_type, archived FROM account`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]core.Account)
	for rows.Next() {
		var (
			a           core.Account
			accountType string
			archived    int64
		)
		if err := rows.Scan(&a.ID, &a.Label, &accountType, &archived); err != nil {
			return nil, err
		}
		a.AccountType = core.AccountType(accountType)
		a.Archived = archived != 0
		byID[a.ID] = a
	}
	return byID, rows.Err()
}

// loadTransactions materializes the whole tx collection so the scan is
// finished before the fix-up writes start on the same connection.
func loadTransactions(ctx context.Context, tx *sql.Tx) ([]core.Transaction, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+txColumns+` FROM tx`)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}
