/*
store.go - Persistence interfaces for periods, wallets, dues and runs

KEY INTERFACES:
  PeriodStore: collection periods with their embedded contributor list
  WalletStore: lazy wallets with SQL-side (or locked) increments
  DueStore:    one due record per (period, entity), unique-keyed
  RunStore:    dues processing audit trail
  TxStore:     all of the above plus WithTx for multi-write atomicity

ATOMICITY:
  Every write that must land together (due record + wallet credit,
  contribution + wallet debit) runs inside WithTx. If fn returns an error
  the whole unit is rolled back.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - ledger/store: in-memory for tests and demos

SEE ALSO:
  - service.go, processor.go: the only callers of WithTx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type PeriodStore interface {
	// CreatePeriod inserts a new period.
	CreatePeriod(ctx context.Context, p *CollectionPeriod) error

	// GetPeriod returns a period with contributors. NotFoundError if unknown.
	GetPeriod(ctx context.Context, id string) (*CollectionPeriod, error)

	ListPeriods(ctx context.Context, filter PeriodFilter) ([]*CollectionPeriod, error)

	// UnprocessedPeriods returns periods with DuesProcessed=false and
	// DueDate <= dueBy. Callers apply SweepEligible for the remaining rules.
	UnprocessedPeriods(ctx context.Context, dueBy time.Time) ([]*CollectionPeriod, error)

	// SaveContributions persists the contributor list and running totals.
	SaveContributions(ctx context.Context, p *CollectionPeriod) error

	// MarkDuesProcessed flips DuesProcessed only if it is still false.
	// Returns false when another caller already flipped it.
	MarkDuesProcessed(ctx context.Context, periodID string, status PeriodStatus, at time.Time) (bool, error)
}

type WalletStore interface {
	// ApplyDelta upserts the wallet and increments its balance in place,
	// appending one entry. ErrDuplicateIdempotencyKey if the key was used.
	ApplyDelta(ctx context.Context, d WalletDelta) (Wallet, error)

	// GetWallet returns the wallet and entries. NotFoundError if none exists.
	GetWallet(ctx context.Context, ownerID string, kind EntityKind) (WalletSnapshot, error)

	ListWallets(ctx context.Context) ([]Wallet, error)
}

type DueStore interface {
	// InsertDue creates a record. DuplicateProcessingError on (period, entity) conflict.
	InsertDue(ctx context.Context, d DueRecord) error

	GetDue(ctx context.Context, id string) (DueRecord, error)

	// UpdateDuePayment persists PaidAmount, Balance, IsPaid and LastPaymentRef.
	UpdateDuePayment(ctx context.Context, d DueRecord) error

	ListDues(ctx context.Context, filter DueFilter) ([]DueRecord, error)
}

type RunStore interface {
	// SaveDuesRun inserts or updates a run by ID.
	SaveDuesRun(ctx context.Context, r DuesRun) error

	// ListDuesRuns returns runs newest first. Empty periodID lists all.
	ListDuesRuns(ctx context.Context, periodID string) ([]DuesRun, error)
}

type Store interface {
	PeriodStore
	WalletStore
	DueStore
	RunStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// DUES RUN - Audit record per period processing attempt
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
)

type DuesRun struct {
	ID              string
	PeriodID        string
	Status          RunStatus
	DueAmount       decimal.Decimal
	Eligible        int
	NonContributors int
	Assessed        int
	AlreadyAssessed int
	Failed          int
	Error           string
	TriggeredBy     string
	StartedAt       time.Time
	CompletedAt     *time.Time
}
