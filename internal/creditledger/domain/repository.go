package domain

import (
	"context"
	"time"
)

// Store is the ledger persistence contract. Every mutation is conditional on
// previously-read state and returns ErrConflict when another writer won the
// race, so correctness never depends on process-local locking.
type Store interface {
	// GetActive returns the organization's ledger record, or nil when the
	// organization has never touched its ledger.
	GetActive(ctx context.Context, orgID int64) (*CreditLedger, error)

	// CreateIfAbsent inserts a fresh record for the organization. It is
	// idempotent: when a concurrent caller created the row first, the
	// existing record is returned instead of an error.
	CreateIfAbsent(ctx context.Context, orgID, limit int64, now time.Time) (*CreditLedger, error)

	// IncrementConsumed adds amount to consumed, conditioned on the consumed
	// value observed by the caller.
	IncrementConsumed(ctx context.Context, id int64, amount, expectedConsumed int64, now time.Time) (*CreditLedger, error)

	// Rollover resets consumed to zero and advances the period, conditioned
	// on the period end observed by the caller.
	Rollover(ctx context.Context, id int64, expectedPeriodEnd, newStart, newEnd, now time.Time) (*CreditLedger, error)
}

// Archive is the append-only closed-period log.
type Archive interface {
	// Append records a closed period. Appending the same (org, periodEnd)
	// twice is a no-op.
	Append(ctx context.Context, entry *CreditHistory) error

	// List returns up to limit entries for the organization, most recent
	// period end first.
	List(ctx context.Context, orgID int64, limit int) ([]CreditHistory, error)
}
