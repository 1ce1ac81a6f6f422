package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cashcompass/internal/core"
)

const txColumns = `id, timestamp, date_key, amount, label,
	category_id, category_label, category_archived,
	account_id, account_label, account_type, account_archived`

// SearchTransactions returns transactions whose date key falls in the
// inclusive [start, end] range, optionally narrowed to a label prefix
// and an embedded account type, ordered by timestamp ascending.
func (s *Store) SearchTransactions(ctx context.Context, start, end, labelPrefix string, accountType core.AccountType) ([]core.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM tx WHERE date_key >= ? AND date_key <= ?`
	args := []any{start, end}

	if labelPrefix != "" {
		query += ` AND label LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(labelPrefix)+"%")
	}
	if accountType != "" {
		query += ` AND account_type = ?`
		args = append(args, string(accountType))
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// AllTransactions returns the full ledger ordered by timestamp
// ascending.
func (s *Store) AllTransactions(ctx context.Context) ([]core.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM tx ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM tx WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*core.Category, error) {
	var c *core.Category
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = getCategoryTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	var a *core.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = getAccountTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]core.Category, error) {
	return s.listCategories(ctx, `SELECT id, label, archived FROM category ORDER BY label ASC`)
}

// ListActiveCategories returns categories that have not been archived.
func (s *Store) ListActiveCategories(ctx context.Context) ([]core.Category, error) {
	return s.listCategories(ctx, `SELECT id, label, archived FROM category WHERE archived = 0 ORDER BY label ASC`)
}

// ListArchivedCategories returns soft-deleted categories.
func (s *Store) ListArchivedCategories(ctx context.Context) ([]core.Category, error) {
	return s.listCategories(ctx, `SELECT id, label, archived FROM category WHERE archived = 1 ORDER BY label ASC`)
}

func (s *Store) listCategories(ctx context.Context, query string) ([]core.Category, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var categories []core.Category
	for rows.Next() {
		var (
			c        core.Category
			archived int64
		)
		if err := rows.Scan(&c.ID, &c.Label, &archived); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.Archived = archived != 0
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return s.listAccounts(ctx, `SELECT id, label, account_type, archived FROM account ORDER BY label ASC`)
}

// ListActiveAccounts returns accounts that have not been archived.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]core.Account, error) {
	return s.listAccounts(ctx, `SELECT id, label, account_type, archived FROM account WHERE archived = 0 ORDER BY label ASC`)
}

// ListArchivedAccounts returns soft-deleted accounts.
func (s *Store) ListArchivedAccounts(ctx context.Context) ([]core.Account, error) {
	return s.listAccounts(ctx, `SELECT id, label, account_type, archived FROM account WHERE archived = 1 ORDER BY label ASC`)
}

func (s *Store) listAccounts(ctx context.Context, query string) ([]core.Account, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var (
			a           core.Account
			accountType string
			archived    int64
		)
		if err := rows.Scan(&a.ID, &a.Label, &accountType, &archived); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.AccountType = core.AccountType(accountType)
		a.Archived = archived != 0
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// PendingChange identifies a row that has not been pushed to the
// remote service yet. Deleted marks a tombstone left by a local
// delete.
type PendingChange struct {
	Collection string
	ID         string
	Version    int64
	Deleted    bool
}

// PendingSync returns up to limit rows awaiting a push to the remote
// service, across all collections. Tombstones are included so local
// deletes are forwarded by the same poll as upserts.
func (s *Store) PendingSync(ctx context.Context, limit int) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'category' AS collection, id, version, 0 AS deleted FROM category WHERE sync_state = ?
		UNION ALL
		SELECT 'account', id, version, 0 FROM account WHERE sync_state = ?
		UNION ALL
		SELECT 'tx', id, version, 0 FROM tx WHERE sync_state = ?
		UNION ALL
		SELECT collection, id, version, 1 FROM tombstone WHERE sync_state = ?
		LIMIT ?`,
		SyncPending, SyncPending, SyncPending, SyncPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sync rows: %w", err)
	}
	defer rows.Close()

	var pending []PendingChange
	for rows.Next() {
		var (
			p       PendingChange
			deleted int64
		)
		if err := rows.Scan(&p.Collection, &p.ID, &p.Version, &deleted); err != nil {
			return nil, fmt.Errorf("scan pending sync row: %w", err)
		}
		p.Deleted = deleted != 0
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkSynced records a successful push. The version guard keeps a row
// pending when it changed again after the push was read.
func (s *Store) MarkSynced(ctx context.Context, collection, id string, version int64) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE `+table+` SET sync_state = ? WHERE id = ? AND version = ?`,
		SyncSynced, id, version)
	if err != nil {
		return fmt.Errorf("mark %s %s synced: %w", collection, id, err)
	}
	return nil
}

// MarkSyncError flags a row whose push failed.
func (s *Store) MarkSyncError(ctx context.Context, collection, id string) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE `+table+` SET sync_state = ? WHERE id = ?`,
		SyncError, id)
	if err != nil {
		return fmt.Errorf("mark %s %s sync error: %w", collection, id, err)
	}
	return nil
}

// MarkTombstoneSynced drops a pushed tombstone. The version guard
// keeps a tombstone that was rewritten after the push was read.
func (s *Store) MarkTombstoneSynced(ctx context.Context, collection, id string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tombstone WHERE collection = ? AND id = ? AND version = ?`,
		collection, id, version)
	if err != nil {
		return fmt.Errorf("mark tombstone %s %s synced: %w", collection, id, err)
	}
	return nil
}

// MarkTombstoneSyncError flags a tombstone whose push failed.
func (s *Store) MarkTombstoneSyncError(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tombstone SET sync_state = ? WHERE collection = ? AND id = ?`,
		SyncError, collection, id)
	if err != nil {
		return fmt.Errorf("mark tombstone %s %s sync error: %w", collection, id, err)
	}
	return nil
}

// ResetSyncErrors re-queues rows whose last push failed, returning how
// many were reset. Without this a transient broker outage would strand
// a row in the error state until the next local edit touched it.
func (s *Store) ResetSyncErrors(ctx context.Context) (int, error) {
	var total int
	for _, table := range []string{"category", "account", "tx", "tombstone"} {
		res, err := s.db.ExecContext(ctx,
			`UPDATE `+table+` SET sync_state = ? WHERE sync_state = ?`,
			SyncPending, SyncError)
		if err != nil {
			return total, fmt.Errorf("reset %s sync errors: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func getCategoryTx(ctx context.Context, tx *sql.Tx, id string) (*core.Category, error) {
	var (
		c        core.Category
		archived int64
	)
	err := tx.QueryRowContext(ctx, `SELECT id, label, archived FROM category WHERE id = ?`, id).
		Scan(&c.ID, &c.Label, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Archived = archived != 0
	return &c, nil
}

func getAccountTx(ctx context.Context, tx *sql.Tx, id string) (*core.Account, error) {
	var (
		a           core.Account
		accountType string
		archived    int64
	)
	err := tx.QueryRowContext(ctx, `SELECT id, label, account_type, archived FROM account WHERE id = ?`, id).
		Scan(&a.ID, &a.Label, &accountType, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.AccountType = core.AccountType(accountType)
	a.Archived = archived != 0
	return &a, nil
}

func getTransactionTx(ctx context.Context, tx *sql.Tx, id string) (*core.Transaction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+txColumns+` FROM tx WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t           core.Transaction
		amount      string
		catID       sql.NullString
		catLabel    sql.NullString
		catArchived sql.NullInt64
		accID       sql.NullString
		accLabel    sql.NullString
		accType     sql.NullString
		accArchived sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Timestamp, &t.DateKey, &amount, &t.Label,
		&catID, &catLabel, &catArchived,
		&accID, &accLabel, &accType, &accArchived)
	if err != nil {
		return core.Transaction{}, err
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}

	if catID.Valid {
		t.Category = &core.Category{
			ID:       catID.String,
			Label:    catLabel.String,
			Archived: catArchived.Int64 != 0,
		}
	}
	if accID.Valid {
		t.Account = &core.Account{
			ID:          accID.String,
			Label:       accLabel.String,
			AccountType: core.AccountType(accType.String),
			Archived:    accArchived.Int64 != 0,
		}
	}
	return t, nil
}

func collectTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var txs []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
