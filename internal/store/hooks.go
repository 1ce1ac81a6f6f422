package store

import (
	"fmt"

	"cashcompass/internal/core"
)

// Write hooks run inside the commit transaction, after a patch has been
// merged over the prior row and before the result is persisted. They
// are pure: (prior state, proposed row) in, final row out. Only these
// hooks may set a transaction's date key.

// CategoryHook enforces the label invariant: a category label is never
// persisted empty. An empty, whitespace-only, or untouched-but-empty
// label becomes the uncategorized fallback.
func CategoryHook(prior *core.Category, next core.Category) core.Category {
	next.Label = core.NormalizeLabel(next.Label, core.UncategorizedLabel)
	return next
}

// AccountHook enforces the same label invariant for accounts.
func AccountHook(prior *core.Account, next core.Account) core.Account {
	next.Label = core.NormalizeLabel(next.Label, core.UnknownAccountLabel)
	return next
}

// TransactionHook derives the date key. On create, and on any update
// that touches the timestamp, the key is recomputed from the timestamp;
// an unparseable timestamp fails the write. Updates that leave the
// timestamp alone keep the prior key. The hook deliberately does not
// re-sync the embedded category/account snapshots; reconciling a label
// rename into every historical transaction is the repair job's bulk
// concern, not a per-write one.
func TransactionHook(prior *core.Transaction, next core.Transaction, timestampTouched bool) (core.Transaction, error) {
	if prior == nil || timestampTouched {
		key, err := core.DateKey(next.Timestamp)
		if err != nil {
			return core.Transaction{}, fmt.Errorf("transaction %q: %w", next.ID, err)
		}
		next.DateKey = key
		return next, nil
	}
	next.DateKey = prior.DateKey
	return next, nil
}
