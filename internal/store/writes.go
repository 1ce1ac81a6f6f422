package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cashcompass/internal/core"
	"cashcompass/internal/log"
)

// Patch types carry partial updates. A nil field means "not touched";
// the write hooks see the patch merged over the prior row, so an
// untouched-but-empty label still triggers the sentinel.

type CategoryPatch struct {
	Label    *string
	Archived *bool
}

type AccountPatch struct {
	Label       *string
	AccountType *core.AccountType
	Archived    *bool
}

type TransactionPatch struct {
	Timestamp     *string
	Amount        *decimal.Decimal
	Label         *string
	Category      *core.Category
	ClearCategory bool
	Account       *core.Account
	ClearAccount  bool
}

// CreateCategory persists a new category. An empty ID gets a generated
// one; the label invariant is enforced by the write hook.
func (s *Store) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c = CategoryHook(nil, c)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO category (id, label, archived, sync_state, version) VALUES (?, ?, ?, ?, 1)`,
			c.ID, c.Label, boolToInt(c.Archived), SyncPending)
		return err
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}

	s.logger.InfoContext(ctx, "Category created", log.FieldEntityID, c.ID, log.FieldLabel, c.Label)
	s.events.publish(Event{Collection: CollectionCategory, Kind: ChangeCreated, ID: c.ID})
	return c, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id string, patch CategoryPatch) (core.Category, error) {
	var updated core.Category
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := getCategoryTx(ctx, tx, id)
		if err != nil {
			return err
		}

		next := *prior
		if patch.Label != nil {
			next.Label = *patch.Label
		}
		if patch.Archived != nil {
			next.Archived = *patch.Archived
		}
		next = CategoryHook(prior, next)

		_, err = tx.ExecContext(ctx,
			`UPDATE category SET label = ?, archived = ?, sync_state = ?, version = version + 1 WHERE id = ?`,
			next.Label, boolToInt(next.Archived), SyncPending, id)
		updated = next
		return err
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("update category %s: %w", id, err)
	}

	s.events.publish(Event{Collection: CollectionCategory, Kind: ChangeUpdated, ID: id})
	return updated, nil
}

// ArchiveCategory soft-deletes a category. Embedded snapshots in
// historical transactions stay untouched.
func (s *Store) ArchiveCategory(ctx context.Context, id string) (core.Category, error) {
	archived := true
	return s.UpdateCategory(ctx, id, CategoryPatch{Archived: &archived})
}

func (s *Store) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := a.AccountType.Validate(); err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}
	a = AccountHook(nil, a)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO account (id, label, account_type, archived, sync_state, version) VALUES (?, ?, ?, ?, ?, 1)`,
			a.ID, a.Label, string(a.AccountType), boolToInt(a.Archived), SyncPending)
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	s.logger.InfoContext(ctx, "Account created", log.FieldEntityID, a.ID, log.FieldLabel, a.Label)
	s.events.publish(Event{Collection: CollectionAccount, Kind: ChangeCreated, ID: a.ID})
	return a, nil
}

func (s *Store) UpdateAccount(ctx context.Context, id string, patch AccountPatch) (core.Account, error) {
	var updated core.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := getAccountTx(ctx, tx, id)
		if err != nil {
			return err
		}

		next := *prior
		if patch.Label != nil {
			next.Label = *patch.Label
		}
		if patch.AccountType != nil {
			if err := patch.AccountType.Validate(); err != nil {
				return err
			}
			next.AccountType = *patch.AccountType
		}
		if patch.Archived != nil {
			next.Archived = *patch.Archived
		}
		next = AccountHook(prior, next)

		_, err = tx.ExecContext(ctx,
			`UPDATE account SET label = ?, account_type = ?, archived = ?, sync_state = ?, version = version + 1 WHERE id = ?`,
			next.Label, string(next.AccountType), boolToInt(next.Archived), SyncPending, id)
		updated = next
		return err
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("update account %s: %w", id, err)
	}

	s.events.publish(Event{Collection: CollectionAccount, Kind: ChangeUpdated, ID: id})
	return updated, nil
}

func (s *Store) ArchiveAccount(ctx context.Context, id string) (core.Account, error) {
	archived := true
	return s.UpdateAccount(ctx, id, AccountPatch{Archived: &archived})
}

// CreateTransaction persists a new transaction. The date key is
// derived by the write hook; a missing or malformed timestamp rejects
// the write.
func (s *Store) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t, err := TransactionHook(nil, t, true)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return insertTransactionTx(ctx, tx, t, SyncPending, 1)
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	s.logger.InfoContext(ctx, "Transaction created",
		log.FieldEntityID, t.ID,
		log.FieldAmount, t.Amount.String(),
		log.FieldTimestamp, t.Timestamp)
	s.events.publish(Event{Collection: CollectionTx, Kind: ChangeCreated, ID: t.ID})
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, id string, patch TransactionPatch) (core.Transaction, error) {
	var updated core.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := getTransactionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		next := *prior
		if patch.Timestamp != nil {
			next.Timestamp = *patch.Timestamp
		}
		if patch.Amount != nil {
			next.Amount = *patch.Amount
		}
		if patch.Label != nil {
			next.Label = *patch.Label
		}
		switch {
		case patch.ClearCategory:
			next.Category = nil
		case patch.Category != nil:
			next.Category = patch.Category.Snapshot()
		}
		switch {
		case patch.ClearAccount:
			next.Account = nil
		case patch.Account != nil:
			next.Account = patch.Account.Snapshot()
		}

		next, err = TransactionHook(prior, next, patch.Timestamp != nil)
		if err != nil {
			return err
		}

		if err := updateTransactionTx(ctx, tx, next, SyncPending); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction %s: %w", id, err)
	}

	s.events.publish(Event{Collection: CollectionTx, Kind: ChangeUpdated, ID: id})
	return updated, nil
}

// DeleteTransaction removes a transaction and records a tombstone in
// the same database transaction. The tombstone rides the pending-sync
// poll, so the deletion reaches the remote service even when nobody is
// draining the change events.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM tx WHERE id = ?`, id).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tx WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tombstone (collection, id, version, sync_state)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				version = excluded.version, sync_state = excluded.sync_state`,
			CollectionTx, id, version+1, SyncPending)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Transaction deleted", log.FieldEntityID, id)
	s.events.publish(Event{Collection: CollectionTx, Kind: ChangeDeleted, ID: id})
	return nil
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, t core.Transaction, syncState string, version int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tx (
			id, timestamp, date_key, amount, label,
			category_id, category_label, category_archived,
			account_id, account_label, account_type, account_archived,
			sync_state, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp, t.DateKey, t.Amount.String(), t.Label,
		categoryID(t.Category), categoryLabel(t.Category), categoryArchived(t.Category),
		accountID(t.Account), accountLabel(t.Account), accountTypeOf(t.Account), accountArchived(t.Account),
		syncState, version)
	return err
}

func updateTransactionTx(ctx context.Context, tx *sql.Tx, t core.Transaction, syncState string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tx SET
			timestamp = ?, date_key = ?, amount = ?, label = ?,
			category_id = ?, category_label = ?, category_archived = ?,
			account_id = ?, account_label = ?, account_type = ?, account_archived = ?,
			sync_state = ?, version = version + 1
		WHERE id = ?`,
		t.Timestamp, t.DateKey, t.Amount.String(), t.Label,
		categoryID(t.Category), categoryLabel(t.Category), categoryArchived(t.Category),
		accountID(t.Account), accountLabel(t.Account), accountTypeOf(t.Account), accountArchived(t.Account),
		syncState, t.ID)
	return err
}

// Nullable snapshot columns.

func categoryID(c *core.Category) any {
	if c == nil {
		return nil
	}
	return c.ID
}

func categoryLabel(c *core.Category) any {
	if c == nil {
		return nil
	}
	return c.Label
}

func categoryArchived(c *core.Category) any {
	if c == nil {
		return nil
	}
	return boolToInt(c.Archived)
}

func accountID(a *core.Account) any {
	if a == nil {
		return nil
	}
	return a.ID
}

func accountLabel(a *core.Account) any {
	if a == nil {
		return nil
	}
	return a.Label
}

func accountTypeOf(a *core.Account) any {
	if a == nil {
		return nil
	}
	return string(a.AccountType)
}

func accountArchived(a *core.Account) any {
	if a == nil {
		return nil
	}
	return boolToInt(a.Archived)
}
