package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cashcompass/internal/core"
	"cashcompass/internal/log"
)

// Remote applies run the same write hooks as local writes but stamp
// rows as already synced and take the version from the remote message.
// Last-writer-wins: an incoming version that does not exceed the local
// row's version is ignored and the local row stands.

func (s *Store) ApplyRemoteCategory(ctx context.Context, c core.Category, version int64) (bool, error) {
	applied := false
	existed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stale, wasThere, err := staleVersion(ctx, tx, CollectionCategory, c.ID, version)
		if err != nil || stale {
			return err
		}
		existed = wasThere

		c = CategoryHook(nil, c)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO category (id, label, archived, sync_state, version) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = excluded.label, archived = excluded.archived,
				sync_state = excluded.sync_state, version = excluded.version`,
			c.ID, c.Label, boolToInt(c.Archived), SyncSynced, version)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote category %s: %w", c.ID, err)
	}
	if applied {
		s.events.publish(Event{Collection: CollectionCategory, Kind: upsertKind(existed), ID: c.ID, Remote: true})
	}
	return applied, nil
}

func (s *Store) ApplyRemoteAccount(ctx context.Context, a core.Account, version int64) (bool, error) {
	if err := a.AccountType.Validate(); err != nil {
		return false, fmt.Errorf("apply remote account %s: %w", a.ID, err)
	}

	applied := false
	existed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stale, wasThere, err := staleVersion(ctx, tx, CollectionAccount, a.ID, version)
		if err != nil || stale {
			return err
		}
		existed = wasThere

		a = AccountHook(nil, a)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO account (id, label, account_type, archived, sync_state, version) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = excluded.label, account_type = excluded.account_type,
				archived = excluded.archived, sync_state = excluded.sync_state,
				version = excluded.version`,
			a.ID, a.Label, string(a.AccountType), boolToInt(a.Archived), SyncSynced, version)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote account %s: %w", a.ID, err)
	}
	if applied {
		s.events.publish(Event{Collection: CollectionAccount, Kind: upsertKind(existed), ID: a.ID, Remote: true})
	}
	return applied, nil
}

func (s *Store) ApplyRemoteTransaction(ctx context.Context, t core.Transaction, version int64) (bool, error) {
	t, err := TransactionHook(nil, t, true)
	if err != nil {
		return false, fmt.Errorf("apply remote transaction: %w", err)
	}

	applied := false
	existed := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stale, wasThere, err := staleVersion(ctx, tx, CollectionTx, t.ID, version)
		if err != nil || stale {
			return err
		}
		existed = wasThere

		if wasThere {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tx WHERE id = ?`, t.ID); err != nil {
				return err
			}
		}
		if err := insertTransactionTx(ctx, tx, t, SyncSynced, version); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote transaction %s: %w", t.ID, err)
	}
	if applied {
		s.events.publish(Event{Collection: CollectionTx, Kind: upsertKind(existed), ID: t.ID, Remote: true})
	}
	return applied, nil
}

// ApplyRemoteDelete removes a row deleted on another device. The
// delete only wins over a strictly older local row.
func (s *Store) ApplyRemoteDelete(ctx context.Context, collection, id string, version int64) (bool, error) {
	table, err := tableFor(collection)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ? AND version < ?`, id, version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply remote delete %s %s: %w", collection, id, err)
	}
	if applied {
		s.logger.InfoContext(ctx, "Remote delete applied",
			log.FieldCollection, collection, log.FieldEntityID, id)
		s.events.publish(Event{Collection: collection, Kind: ChangeDeleted, ID: id, Remote: true})
	}
	return applied, nil
}

// staleVersion reports whether the incoming version loses against the
// existing row, and whether a row exists at all.
func staleVersion(ctx context.Context, tx *sql.Tx, collection, id string, version int64) (stale, exists bool, err error) {
	table, err := tableFor(collection)
	if err != nil {
		return false, false, err
	}

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, false, nil
	case err != nil:
		return false, false, err
	default:
		return version <= existing, true, nil
	}
}

func upsertKind(existed bool) ChangeKind {
	if existed {
		return ChangeUpdated
	}
	return ChangeCreated
}
