package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Expenses AccountType = "expenses"
	NetWorth AccountType = "net_worth"
)

// Fallback labels substituted whenever a required label is empty or missing.
const (
	UncategorizedLabel  = "Uncategorized"
	UnknownAccountLabel = "Unknown Account"
)

// DateKeyLen is the length of a "YYYY-MM-DD" date key.
const DateKeyLen = 10

type (
	// AccountType partitions accounts into spending accounts and
	// accounts whose balance is tracked for net worth.
	AccountType string

	Category struct {
		ID       string
		Label    string
		Archived bool
	}

	Account struct {
		ID          string
		Label       string
		AccountType AccountType
		Archived    bool
	}

	// Transaction is a single ledger entry. Category and Account are
	// embedded point-in-time snapshots of the referenced entities, not
	// live references; they go stale when the source entity changes and
	// are reconciled by the repair job.
	Transaction struct {
		ID        string
		Timestamp string // full ISO-8601 instant
		DateKey   string // "YYYY-MM-DD", always the first 10 characters of Timestamp
		Amount    decimal.Decimal
		Category  *Category
		Account   *Account
		Label     string
	}
)

var (
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrInvalidAccountType = errors.New("invalid account type")
)

func (t AccountType) Validate() error {
	switch t {
	case Expenses, NetWorth:
		return nil
	default:
		return ErrInvalidAccountType
	}
}

// NormalizeLabel returns fallback when label is empty or whitespace-only.
func NormalizeLabel(label, fallback string) string {
	if strings.TrimSpace(label) == "" {
		return fallback
	}
	return label
}

// DateKey derives the day-granularity date key from a full ISO-8601
// timestamp. The timestamp must be RFC 3339.
func DateKey(timestamp string) (string, error) {
	if _, err := time.Parse(time.RFC3339, timestamp); err != nil {
		return "", ErrInvalidTimestamp
	}
	return timestamp[:DateKeyLen], nil
}

// MonthKey formats a time as a "YYYY-MM" month key.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// Snapshot returns a copy of the category suitable for embedding in a
// transaction.
func (c Category) Snapshot() *Category {
	s := c
	return &s
}

// Snapshot returns a copy of the account suitable for embedding in a
// transaction.
func (a Account) Snapshot() *Account {
	s := a
	return &s
}

// CategoryLabel returns the embedded category label, or the
// uncategorized fallback when the transaction has no category.
func (t Transaction) CategoryLabel() string {
	if t.Category == nil || t.Category.Label == "" {
		return UncategorizedLabel
	}
	return t.Category.Label
}
