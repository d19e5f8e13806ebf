package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLECTION PERIOD - Campaign or weekly collection
// =============================================================================

// PeriodKind selects how dues are computed for a period.
type PeriodKind string

const (
	KindCampaign PeriodKind = "campaign" // one-off, flat minimum due
	KindWeekly   PeriodKind = "weekly"   // recurring, average-based due
)

type AmountType string

const (
	AmountPerMember AmountType = "per_member"
	AmountPerHouse  AmountType = "per_house"
	AmountFlexible  AmountType = "flexible"
)

type ContributionMode string

const (
	ModeFixed    ContributionMode = "fixed"    // push FixedAmount to every wallet on creation
	ModeVariable ContributionMode = "variable" // wait for voluntary contributions
)

type PeriodStatus string

const (
	StatusActive    PeriodStatus = "active"
	StatusProcessed PeriodStatus = "processed"
)

// PeriodState is derived from the stored fields and the current time.
type PeriodState string

const (
	StateActive    PeriodState = "active"
	StateOverdue   PeriodState = "overdue"
	StateProcessed PeriodState = "processed"
)

// Contributor is one entity's accumulated contribution to a period.
// At most one Contributor exists per EntityID.
type Contributor struct {
	EntityID          string
	EntityKind        EntityKind
	ContributedAmount decimal.Decimal
	ContributedAt     time.Time

	// CoveredMembers is set when a house pays a lump sum on behalf of its
	// members on a per_member period. Informational only.
	CoveredMembers int
}

// CollectionPeriod is the aggregate that owns the contributor list.
//
// INVARIANTS:
//   - Contributors are unique per EntityID.
//   - TotalCollected == sum(Contributors[].ContributedAmount)
//   - TotalContributors == len(Contributors)
//   - DuesProcessed never goes back to false.
type CollectionPeriod struct {
	ID               string
	ChurchID         string
	Name             string
	Kind             PeriodKind
	AmountType       AmountType
	ContributionMode ContributionMode

	FixedAmount   decimal.Decimal
	MinimumAmount decimal.Decimal
	DefaultAmount decimal.Decimal

	DueDate   time.Time
	StartDate *time.Time
	EndDate   *time.Time

	Contributors      []Contributor
	TotalCollected    decimal.Decimal
	TotalContributors int

	Status          PeriodStatus
	DuesProcessed   bool
	DuesProcessedAt *time.Time

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParticipantCount is an alias kept for reporting.
func (p *CollectionPeriod) ParticipantCount() int { return p.TotalContributors }

// State returns the lifecycle state at now.
func (p *CollectionPeriod) State(now time.Time) PeriodState {
	switch {
	case p.DuesProcessed:
		return StateProcessed
	case !now.Before(p.DueDate):
		return StateOverdue
	default:
		return StateActive
	}
}

// Contributor returns the contributor record for entityID, if any.
func (p *CollectionPeriod) Contributor(entityID string) (Contributor, bool) {
	for _, c := range p.Contributors {
		if c.EntityID == entityID {
			return c, true
		}
	}
	return Contributor{}, false
}

// ContributorIDs returns the set of entity ids that contributed.
func (p *CollectionPeriod) ContributorIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(p.Contributors))
	for _, c := range p.Contributors {
		ids[c.EntityID] = struct{}{}
	}
	return ids
}

// SweepEligible reports whether the automatic sweep should pick this period
// up at now. Explicit processing by id bypasses the due-date check.
func (p *CollectionPeriod) SweepEligible(now time.Time) bool {
	if p.DuesProcessed || p.AmountType == AmountFlexible {
		return false
	}
	if p.DueDate.After(now) {
		return false
	}
	return DueRuleFor(p.Kind).Configured(p)
}

// Validate checks the period configuration. Called before any mutation.
func (p *CollectionPeriod) Validate() error {
	if strings.TrimSpace(p.ChurchID) == "" {
		return &ValidationError{Field: "church_id", Message: "is required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	switch p.Kind {
	case KindCampaign, KindWeekly:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	switch p.AmountType {
	case AmountPerMember, AmountPerHouse, AmountFlexible:
	default:
		return &ValidationError{Field: "amount_type", Message: fmt.Sprintf("unknown amount type %q", p.AmountType)}
	}
	switch p.ContributionMode {
	case ModeFixed:
		if p.AmountType == AmountFlexible {
			return &ValidationError{Field: "contribution_mode", Message: "fixed mode requires per_member or per_house amount type"}
		}
		if err := ValidateAmount("fixed_amount", p.FixedAmount); err != nil {
			return err
		}
	case ModeVariable:
	default:
		return &ValidationError{Field: "contribution_mode", Message: fmt.Sprintf("unknown mode %q", p.ContributionMode)}
	}
	if p.DueDate.IsZero() {
		return &ValidationError{Field: "due_date", Message: "is required"}
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}
	for field, v := range map[string]decimal.Decimal{"minimum_amount": p.MinimumAmount, "default_amount": p.DefaultAmount} {
		if v.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		if err := checkAmountRange(field, v); err != nil {
			return err
		}
	}
	return nil
}

// CheckConsistency verifies the denormalised totals against the contributor list.
func (p *CollectionPeriod) CheckConsistency() error {
	seen := make(map[string]struct{}, len(p.Contributors))
	sum := decimal.Zero
	for _, c := range p.Contributors {
		if _, dup := seen[c.EntityID]; dup {
			return fmt.Errorf("period %s: duplicate contributor %s", p.ID, c.EntityID)
		}
		seen[c.EntityID] = struct{}{}
		sum = sum.Add(c.ContributedAmount)
	}
	if !sum.Equal(p.TotalCollected) {
		return fmt.Errorf("period %s: total collected %s != contributor sum %s", p.ID, p.TotalCollected, sum)
	}
	if p.TotalContributors != len(p.Contributors) {
		return fmt.Errorf("period %s: total contributors %d != %d records", p.ID, p.TotalContributors, len(p.Contributors))
	}
	return nil
}

// Clone returns a deep copy.
func (p *CollectionPeriod) Clone() *CollectionPeriod {
	cp := *p
	cp.Contributors = append([]Contributor(nil), p.Contributors...)
	if p.StartDate != nil {
		t := *p.StartDate
		cp.StartDate = &t
	}
	if p.EndDate != nil {
		t := *p.EndDate
		cp.EndDate = &t
	}
	if p.DuesProcessedAt != nil {
		t := *p.DuesProcessedAt
		cp.DuesProcessedAt = &t
	}
	return &cp
}

// PeriodFilter narrows ListPeriods.
type PeriodFilter struct {
	ChurchID string
}
