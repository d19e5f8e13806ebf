/*
strategy.go - Per-period behaviour, selected once instead of branching at call sites

TWO AXES:
  FundingStrategy (ContributionMode):
    fixed:    push FixedAmount into every eligible wallet when the period opens,
              one delta per eligible entity
    variable: push nothing, wait for voluntary contributions

  DueRule (PeriodKind):
    campaign: every non-contributor owes MinimumAmount
    weekly:   every non-contributor owes the average actual contribution,
              falling back to DefaultAmount when nobody contributed

SEE ALSO:
  - service.go: OpenPeriod uses FundingStrategy
  - processor.go: ProcessDues uses DueRule
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FUNDING STRATEGY
// =============================================================================

type FundingStrategy interface {
	// OpeningDeltas returns the wallet credits to post when the period opens.
	OpeningDeltas(ctx context.Context, dir Directory, p *CollectionPeriod) ([]WalletDelta, error)
}

type fixedFunding struct{}

func (fixedFunding) OpeningDeltas(ctx context.Context, dir Directory, p *CollectionPeriod) ([]WalletDelta, error) {
	eligible, err := EligibleEntities(ctx, dir, p)
	if err != nil {
		return nil, fmt.Errorf("resolve eligible entities: %w", err)
	}
	deltas := make([]WalletDelta, 0, len(eligible))
	for _, e := range eligible {
		deltas = append(deltas, WalletDelta{
			OwnerID:        e.ID,
			OwnerKind:      e.Kind,
			OwnerName:      e.Name,
			Amount:         p.FixedAmount,
			Type:           EntryFixedPush,
			Memo:           fmt.Sprintf("fixed amount for %s", p.Name),
			RefPeriodID:    p.ID,
			IdempotencyKey: fmt.Sprintf("push:%s:%s", p.ID, e.ID),
			At:             p.CreatedAt,
		})
	}
	return deltas, nil
}

type variableFunding struct{}

func (variableFunding) OpeningDeltas(context.Context, Directory, *CollectionPeriod) ([]WalletDelta, error) {
	return nil, nil
}

// FundingFor returns the strategy for a contribution mode.
func FundingFor(mode ContributionMode) FundingStrategy {
	if mode == ModeFixed {
		return fixedFunding{}
	}
	return variableFunding{}
}

// =============================================================================
// DUE RULE
// =============================================================================

type DueRule interface {
	// Configured reports whether the period carries enough configuration for
	// the automatic sweep.
	Configured(p *CollectionPeriod) bool

	// DueAmount returns what each non-contributor owes.
	DueAmount(p *CollectionPeriod) decimal.Decimal

	// Finish applies kind-specific state once dues are processed.
	Finish(p *CollectionPeriod)
}

type campaignRule struct{}

func (campaignRule) Configured(p *CollectionPeriod) bool { return p.MinimumAmount.IsPositive() }

func (campaignRule) DueAmount(p *CollectionPeriod) decimal.Decimal { return p.MinimumAmount }

func (campaignRule) Finish(*CollectionPeriod) {}

type weeklyRule struct{}

func (weeklyRule) Configured(p *CollectionPeriod) bool { return p.DefaultAmount.IsPositive() }

// DueAmount spreads the shortfall using what contributors actually gave.
func (weeklyRule) DueAmount(p *CollectionPeriod) decimal.Decimal {
	if p.TotalContributors > 0 && p.TotalCollected.IsPositive() {
		return p.TotalCollected.DivRound(decimal.NewFromInt(int64(p.TotalContributors)), Cents)
	}
	return p.DefaultAmount
}

func (weeklyRule) Finish(p *CollectionPeriod) { p.Status = StatusProcessed }

// DueRuleFor returns the due rule for a period kind.
func DueRuleFor(kind PeriodKind) DueRule {
	if kind == KindWeekly {
		return weeklyRule{}
	}
	return campaignRule{}
}
