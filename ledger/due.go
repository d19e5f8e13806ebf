package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DUE LEDGER - One obligation per (period, entity)
// =============================================================================

// DueRecord is an independently payable obligation created by the dues
// processor for a non-contributor. It is kept apart from the wallet balance
// for audit and reporting.
type DueRecord struct {
	ID         string
	PeriodID   string
	EntityID   string
	EntityKind EntityKind
	EntityName string
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	Balance    decimal.Decimal
	IsPaid     bool

	LastPaymentRef string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewDueRecord returns an unpaid record for amount.
func NewDueRecord(id string, p *CollectionPeriod, e Entity, amount decimal.Decimal, at time.Time) DueRecord {
	return DueRecord{
		ID:         id,
		PeriodID:   p.ID,
		EntityID:   e.ID,
		EntityKind: e.Kind,
		EntityName: e.Name,
		Amount:     amount,
		PaidAmount: decimal.Zero,
		Balance:    amount,
		IsPaid:     false,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

// ApplyPayment adds paid to the record. A nil paid settles the remaining
// balance. Overpayment is accepted and clamps the balance at zero.
func (d *DueRecord) ApplyPayment(paid *decimal.Decimal, ref string, at time.Time) (decimal.Decimal, error) {
	amount := d.Balance
	if paid != nil {
		amount = *paid
	}
	if err := ValidateAmount("paid_amount", amount); err != nil {
		if paid == nil {
			return decimal.Zero, &ValidationError{Field: "paid_amount", Message: "due record has no remaining balance"}
		}
		return decimal.Zero, err
	}
	d.PaidAmount = d.PaidAmount.Add(amount)
	d.recompute()
	if ref != "" {
		d.LastPaymentRef = ref
	}
	d.UpdatedAt = at
	return amount, nil
}

func (d *DueRecord) recompute() {
	d.Balance = decimal.Max(decimal.Zero, d.Amount.Sub(d.PaidAmount))
	d.IsPaid = d.Balance.IsZero()
}

// DueFilter narrows ListDues. Empty fields match everything.
type DueFilter struct {
	PeriodID   string
	EntityID   string
	UnpaidOnly bool
}

func (f DueFilter) Match(d DueRecord) bool {
	if f.PeriodID != "" && d.PeriodID != f.PeriodID {
		return false
	}
	if f.EntityID != "" && d.EntityID != f.EntityID {
		return false
	}
	if f.UnpaidOnly && d.IsPaid {
		return false
	}
	return true
}
