/*
Package ledger provides the contribution and dues engine.

PURPOSE:
  Tracks voluntary contributions against collection periods, keeps a
  running wallet balance per member or house, and assesses dues for every
  entity that did not contribute once a period is overdue.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entity: a member or a house, owned by the external hierarchy
  - Actor: the pre-authorised caller performing an operation
  - Money helpers: two-decimal amounts backed by decimal.Decimal

SIGN CONVENTION:
  Contributions and payments DECREASE a wallet balance.
  Dues and fixed-amount pushes INCREASE it.
  A positive balance is money owed to the church.

SEE ALSO:
  - period.go: CollectionPeriod aggregate
  - processor.go: Dues processing batch
  - wallet.go: Wallet store contract
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTITIES
// =============================================================================

type EntityKind string

const (
	KindMember EntityKind = "member"
	KindHouse  EntityKind = "house"
)

func (k EntityKind) Valid() bool {
	return k == KindMember || k == KindHouse
}

// Entity is a member or a house. Entities are never created by this package;
// they are resolved through a Directory.
type Entity struct {
	ID       string
	Kind     EntityKind
	Name     string
	ChurchID string
}

// Directory resolves hierarchy data owned outside this package.
type Directory interface {
	// EligibleMembers returns all active members under the church.
	EligibleMembers(ctx context.Context, churchID string) ([]Entity, error)

	// EligibleHouses resolves church -> units -> sub-groups -> houses.
	EligibleHouses(ctx context.Context, churchID string) ([]Entity, error)

	// Entity looks up a single member or house. Returns NotFoundError if unknown.
	Entity(ctx context.Context, kind EntityKind, id string) (Entity, error)
}

// =============================================================================
// CALLER CONTEXT
// =============================================================================

// Actor is the caller identity handed over by the auth layer.
type Actor struct {
	ID   string
	Role string
}

const (
	RoleAdmin     = "admin"
	RoleTreasurer = "treasurer"
	RoleSystem    = "system"
)

// SystemActor is used by the scheduler.
var SystemActor = Actor{ID: "scheduler", Role: RoleSystem}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx, or an anonymous actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{ID: "anonymous"}
}

// CanManage reports whether the actor may open periods and trigger dues processing.
func (a Actor) CanManage() bool {
	return a.Role == RoleAdmin || a.Role == RoleTreasurer || a.Role == RoleSystem
}

// =============================================================================
// MONEY
// =============================================================================

// Cents is the number of decimal places kept for every amount.
const Cents = 2

// MaxAmount caps any single amount accepted from a caller.
var MaxAmount = decimal.New(1, 12)

// ValidateAmount checks that an amount is strictly positive, at most
// MaxAmount and has no fractional cents.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than zero"}
	}
	return checkAmountRange(field, amount)
}

func checkAmountRange(field string, amount decimal.Decimal) error {
	if amount.GreaterThan(MaxAmount) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must not exceed %s", MaxAmount.StringFixed(Cents))}
	}
	if !amount.Equal(amount.Round(Cents)) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", Cents)}
	}
	return nil
}

// ToMinor converts an amount to integer minor units. Amounts whose minor
// units do not fit in an int64 return ErrAmountOutOfRange.
func ToMinor(d decimal.Decimal) (int64, error) {
	minor := d.Round(Cents).Shift(Cents).BigInt()
	if !minor.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.String())
	}
	return minor.Int64(), nil
}

// FromMinor converts integer minor units back to an amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Cents)
}

// Clock returns the current time. Replaced in tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
