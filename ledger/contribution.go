package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRIBUTION LEDGER - Embedded in CollectionPeriod
// =============================================================================

// AcceptsKind reports whether an entity of kind may contribute to the period.
// per_member periods also take house lump payments on behalf of members.
func (p *CollectionPeriod) AcceptsKind(kind EntityKind) bool {
	switch p.AmountType {
	case AmountPerHouse:
		return kind == KindHouse
	case AmountPerMember, AmountFlexible:
		return kind.Valid()
	}
	return false
}

// AcceptsContributions reports whether the period is still open.
// Fixed-mode periods close once dues are processed; outstanding amounts are
// then settled through the due ledger. Variable periods take late contributions.
func (p *CollectionPeriod) AcceptsContributions() bool {
	return !(p.ContributionMode == ModeFixed && p.DuesProcessed)
}

// RecordContribution accumulates amount for entity. A second contribution from
// the same entity is folded into its existing record. Returns true when this
// is the entity's first contribution.
//
// The period is left untouched when an error is returned.
func (p *CollectionPeriod) RecordContribution(entity Entity, amount decimal.Decimal, coveredMembers int, at time.Time) (bool, error) {
	if err := ValidateAmount("amount", amount); err != nil {
		return false, err
	}
	if entity.ID == "" {
		return false, &ValidationError{Field: "entity_id", Message: "is required"}
	}
	if !p.AcceptsKind(entity.Kind) {
		return false, &ValidationError{
			Field:   "entity_kind",
			Message: fmt.Sprintf("%s cannot contribute to a %s period", entity.Kind, p.AmountType),
		}
	}
	if coveredMembers < 0 {
		return false, &ValidationError{Field: "covered_members", Message: "must not be negative"}
	}
	if coveredMembers > 0 && (entity.Kind != KindHouse || p.AmountType != AmountPerMember) {
		return false, &ValidationError{Field: "covered_members", Message: "only houses paying on a per_member period cover members"}
	}
	if !p.AcceptsContributions() {
		return false, fmt.Errorf("period %s: %w", p.ID, ErrPeriodClosed)
	}

	p.TotalCollected = p.TotalCollected.Add(amount)
	p.UpdatedAt = at

	for i := range p.Contributors {
		c := &p.Contributors[i]
		if c.EntityID != entity.ID {
			continue
		}
		c.ContributedAmount = c.ContributedAmount.Add(amount)
		c.ContributedAt = at
		if coveredMembers > c.CoveredMembers {
			c.CoveredMembers = coveredMembers
		}
		return false, nil
	}

	p.Contributors = append(p.Contributors, Contributor{
		EntityID:          entity.ID,
		EntityKind:        entity.Kind,
		ContributedAmount: amount,
		ContributedAt:     at,
		CoveredMembers:    coveredMembers,
	})
	p.TotalContributors++
	return true, nil
}
