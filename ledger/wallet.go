/*
wallet.go - Running balance per (owner, owner kind)

PURPOSE:
  One wallet per member or house. The balance is the authoritative running
  total; the entry list is an append-only memo trail.

INVARIANTS:
  1. ONE WALLET per (OwnerID, OwnerKind), created lazily on first delta
  2. ATOMIC: the increment happens in the store, never read-modify-write here
  3. CONSERVATION: Balance == sum(entries[].Amount)
  4. IDEMPOTENT: same idempotency key = same entry (no double posting)

SEE ALSO:
  - store.go: WalletStore interface
  - store/sqlite/wallets.go: SQL-side increment
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType tags a wallet entry.
type EntryType string

const (
	EntryContribution EntryType = "contribution" // entity paid into a period (debit)
	EntryFixedPush    EntryType = "fixed_push"   // fixed period amount pushed on open (credit)
	EntryDue          EntryType = "due"          // dues assessed for non-contribution (credit)
	EntryDuePayment   EntryType = "due_payment"  // explicit settlement of a due record (debit)
)

type Wallet struct {
	ID        string
	OwnerID   string
	OwnerKind EntityKind
	OwnerName string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalletEntry is one applied delta. Memo trail only; Balance is authoritative.
type WalletEntry struct {
	ID               string
	WalletID         string
	RefTransactionID string // empty when not supplied
	RefPeriodID      string
	Amount           decimal.Decimal // signed
	Type             EntryType
	Memo             string
	IdempotencyKey   string
	Date             time.Time
}

// WalletDelta is the input to ApplyDelta.
type WalletDelta struct {
	OwnerID          string
	OwnerKind        EntityKind
	OwnerName        string
	Amount           decimal.Decimal // signed
	Type             EntryType
	Memo             string
	RefTransactionID string
	RefPeriodID      string
	IdempotencyKey   string
	At               time.Time
}

// Validate checks a delta before it reaches the store.
func (d WalletDelta) Validate() error {
	if d.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Message: "is required"}
	}
	if !d.OwnerKind.Valid() {
		return &ValidationError{Field: "owner_kind", Message: "must be member or house"}
	}
	if d.Amount.IsZero() {
		return &ValidationError{Field: "amount", Message: "must not be zero"}
	}
	if !d.Amount.Equal(d.Amount.Round(Cents)) {
		return &ValidationError{Field: "amount", Message: "must not have fractional cents"}
	}
	return nil
}

// Debit returns a copy of d with a negated amount.
func (d WalletDelta) Debit() WalletDelta {
	d.Amount = d.Amount.Abs().Neg()
	return d
}

// WalletSnapshot is a wallet with its memo trail.
type WalletSnapshot struct {
	Wallet  Wallet
	Entries []WalletEntry
}

// Conserved reports whether the balance equals the sum of all entries.
func (s WalletSnapshot) Conserved() bool {
	sum := decimal.Zero
	for _, e := range s.Entries {
		sum = sum.Add(e.Amount)
	}
	return sum.Equal(s.Wallet.Balance)
}
