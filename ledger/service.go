/*
service.go - Operations exposed to the API layer

OPERATIONS:
  OpenPeriod:         validate, persist, run the period's FundingStrategy
  RecordContribution: accumulate into the period + debit the wallet (one tx)
  MarkPaid:           due ledger only, wallet untouched
  SettleDue:          MarkPaid + explicit wallet debit (one tx)
  ProcessDues:        delegates to Processor
  Audit:              consistency check over periods, wallets and dues

CALLER CONTEXT:
  The actor is read from ctx (see WithActor). Role gating happens in the
  API middleware; the service records who did what.

SEE ALSO:
  - processor.go: dues batch
  - strategy.go: funding and due rules
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Service struct {
	Store     TxStore
	Directory Directory
	Processor *Processor
	Logger    *zap.Logger
	Now       Clock
	NewID     func() string
}

// NewService wires a service and its processor over the same store.
func NewService(store TxStore, dir Directory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:     store,
		Directory: dir,
		Processor: NewProcessor(store, dir, logger),
		Logger:    logger.Named("ledger"),
		Now:       systemClock,
		NewID:     uuid.NewString,
	}
}

// SetClock replaces the clock on the service and its processor.
func (s *Service) SetClock(c Clock) {
	s.Now = c
	s.Processor.Now = c
}

// =============================================================================
// COLLECTION PERIODS
// =============================================================================

type PeriodInput struct {
	ChurchID         string
	Name             string
	Kind             PeriodKind
	AmountType       AmountType
	ContributionMode ContributionMode
	FixedAmount      decimal.Decimal
	MinimumAmount    decimal.Decimal
	DefaultAmount    decimal.Decimal
	DueDate          time.Time
	StartDate        *time.Time
	EndDate          *time.Time
}

type OpenResult struct {
	Period        *CollectionPeriod
	Eligible      int
	Pushed        int
	AlreadyPushed int
	Failed        int
}

// OpenPeriod creates a period. Fixed-mode periods push FixedAmount into every
// eligible wallet straight away; a failing wallet is logged and skipped.
func (s *Service) OpenPeriod(ctx context.Context, in PeriodInput) (OpenResult, error) {
	now := s.Now()
	p := &CollectionPeriod{
		ID:               s.NewID(),
		ChurchID:         in.ChurchID,
		Name:             in.Name,
		Kind:             in.Kind,
		AmountType:       in.AmountType,
		ContributionMode: in.ContributionMode,
		FixedAmount:      in.FixedAmount,
		MinimumAmount:    in.MinimumAmount,
		DefaultAmount:    in.DefaultAmount,
		DueDate:          in.DueDate,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,
		TotalCollected:   decimal.Zero,
		Status:           StatusActive,
		CreatedBy:        ActorFrom(ctx).ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.Validate(); err != nil {
		return OpenResult{}, err
	}

	deltas, err := FundingFor(p.ContributionMode).OpeningDeltas(ctx, s.Directory, p)
	if err != nil {
		return OpenResult{}, err
	}

	if err := s.Store.CreatePeriod(ctx, p); err != nil {
		return OpenResult{}, fmt.Errorf("create period: %w", err)
	}

	res := OpenResult{Period: p, Eligible: len(deltas)}
	for _, d := range deltas {
		_, err := s.Store.ApplyDelta(ctx, d)
		if err != nil && IsRetryable(err) {
			_, err = s.Store.ApplyDelta(ctx, d)
		}
		switch {
		case err == nil:
			res.Pushed++
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			res.AlreadyPushed++
		default:
			res.Failed++
			s.Logger.Error("fixed amount push failed",
				zap.String("period_id", p.ID),
				zap.String("entity_id", d.OwnerID),
				zap.Error(err),
			)
		}
	}

	s.Logger.Info("period opened",
		zap.String("period_id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.String("mode", string(p.ContributionMode)),
		zap.Int("pushed", res.Pushed),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

type ContributionInput struct {
	PeriodID         string
	EntityID         string
	EntityKind       EntityKind
	Amount           decimal.Decimal
	CoveredMembers   int
	RefTransactionID string
}

// RecordContribution adds a contribution to the period and debits the
// contributor's wallet by the same amount, atomically.
// A repeated RefTransactionID is rejected with ErrDuplicateIdempotencyKey.
func (s *Service) RecordContribution(ctx context.Context, in ContributionInput) (*CollectionPeriod, error) {
	if err := ValidateAmount("amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.EntityKind.Valid() {
		return nil, &ValidationError{Field: "entity_kind", Message: "must be member or house"}
	}
	entity, err := s.Directory.Entity(ctx, in.EntityKind, in.EntityID)
	if err != nil {
		return nil, err
	}

	var updated *CollectionPeriod
	err = s.Store.WithTx(ctx, func(tx Store) error {
		period, err := tx.GetPeriod(ctx, in.PeriodID)
		if err != nil {
			return err
		}
		if entity.ChurchID != period.ChurchID {
			return &ValidationError{Field: "entity_id", Message: "entity does not belong to the period's church"}
		}

		now := s.Now()
		if _, err := period.RecordContribution(entity, in.Amount, in.CoveredMembers, now); err != nil {
			return err
		}
		if err := tx.SaveContributions(ctx, period); err != nil {
			return err
		}

		delta := WalletDelta{
			OwnerID:          entity.ID,
			OwnerKind:        entity.Kind,
			OwnerName:        entity.Name,
			Amount:           in.Amount,
			Type:             EntryContribution,
			Memo:             fmt.Sprintf("contribution to %s", period.Name),
			RefTransactionID: in.RefTransactionID,
			RefPeriodID:      period.ID,
			At:               now,
		}.Debit()
		if in.RefTransactionID != "" {
			delta.IdempotencyKey = "contrib:" + in.RefTransactionID
		}
		if _, err := tx.ApplyDelta(ctx, delta); err != nil {
			return err
		}
		updated = period
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("contribution recorded",
		zap.String("period_id", updated.ID),
		zap.String("entity_id", entity.ID),
		zap.String("amount", in.Amount.StringFixed(Cents)),
	)
	return updated, nil
}

// =============================================================================
// DUE LEDGER
// =============================================================================

// MarkPaid records a payment against a due record. A nil paid settles the
// remaining balance. The wallet is NOT touched; see SettleDue.
func (s *Service) MarkPaid(ctx context.Context, dueID string, paid *decimal.Decimal, ref string) (DueRecord, error) {
	var out DueRecord
	err := s.Store.WithTx(ctx, func(tx Store) error {
		var err error
		out, _, err = s.markPaid(ctx, tx, dueID, paid, ref)
		return err
	})
	return out, err
}

// SettleDue records the payment on the due ledger and debits the wallet by
// the same amount in one transaction.
func (s *Service) SettleDue(ctx context.Context, dueID string, paid *decimal.Decimal, ref string) (DueRecord, Wallet, error) {
	var (
		out    DueRecord
		wallet Wallet
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		rec, applied, err := s.markPaid(ctx, tx, dueID, paid, ref)
		if err != nil {
			return err
		}
		delta := WalletDelta{
			OwnerID:          rec.EntityID,
			OwnerKind:        rec.EntityKind,
			OwnerName:        rec.EntityName,
			Amount:           applied,
			Type:             EntryDuePayment,
			Memo:             fmt.Sprintf("payment of due %s", rec.ID),
			RefTransactionID: ref,
			RefPeriodID:      rec.PeriodID,
			At:               rec.UpdatedAt,
		}.Debit()
		if ref != "" {
			delta.IdempotencyKey = "settle:" + ref
		}
		wallet, err = tx.ApplyDelta(ctx, delta)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, wallet, err
}

func (s *Service) markPaid(ctx context.Context, tx Store, dueID string, paid *decimal.Decimal, ref string) (DueRecord, decimal.Decimal, error) {
	rec, err := tx.GetDue(ctx, dueID)
	if err != nil {
		return DueRecord{}, decimal.Zero, err
	}
	applied, err := rec.ApplyPayment(paid, ref, s.Now())
	if err != nil {
		return DueRecord{}, decimal.Zero, err
	}
	if err := tx.UpdateDuePayment(ctx, rec); err != nil {
		return DueRecord{}, decimal.Zero, err
	}
	s.Logger.Info("due payment recorded",
		zap.String("due_id", rec.ID),
		zap.String("paid", applied.StringFixed(Cents)),
		zap.Bool("is_paid", rec.IsPaid),
	)
	return rec, applied, nil
}

// =============================================================================
// DUES PROCESSING
// =============================================================================

// ProcessDues is the single entry point shared by the API and the scheduler.
func (s *Service) ProcessDues(ctx context.Context, periodID *string) (Summary, error) {
	return s.Processor.ProcessDues(ctx, periodID)
}

// =============================================================================
// AUDIT - Consistency check
// =============================================================================

type AuditReport struct {
	PeriodsChecked int
	WalletsChecked int
	DuesChecked    int
	Issues         []string
}

func (r AuditReport) OK() bool { return len(r.Issues) == 0 }

// Audit verifies contributor uniqueness and totals, wallet conservation,
// due balances, and that every due record has a matching wallet credit.
func (s *Service) Audit(ctx context.Context) (AuditReport, error) {
	var report AuditReport

	periods, err := s.Store.ListPeriods(ctx, PeriodFilter{})
	if err != nil {
		return report, err
	}
	for _, p := range periods {
		report.PeriodsChecked++
		if err := p.CheckConsistency(); err != nil {
			report.Issues = append(report.Issues, err.Error())
		}
	}

	wallets, err := s.Store.ListWallets(ctx)
	if err != nil {
		return report, err
	}
	credits := make(map[string]decimal.Decimal)
	for _, w := range wallets {
		report.WalletsChecked++
		snap, err := s.Store.GetWallet(ctx, w.OwnerID, w.OwnerKind)
		if err != nil {
			return report, err
		}
		if !snap.Conserved() {
			report.Issues = append(report.Issues,
				fmt.Sprintf("wallet %s/%s: balance %s does not match entries", w.OwnerKind, w.OwnerID, w.Balance))
		}
		for _, e := range snap.Entries {
			if e.Type == EntryDue {
				credits[e.IdempotencyKey] = e.Amount
			}
		}
	}

	dues, err := s.Store.ListDues(ctx, DueFilter{})
	if err != nil {
		return report, err
	}
	for _, d := range dues {
		report.DuesChecked++
		want := decimal.Max(decimal.Zero, d.Amount.Sub(d.PaidAmount))
		if !d.Balance.Equal(want) || d.IsPaid != want.IsZero() {
			report.Issues = append(report.Issues, fmt.Sprintf("due %s: balance %s, expected %s", d.ID, d.Balance, want))
		}
		credit, ok := credits[DueKey(d.PeriodID, d.EntityID)]
		if !ok || !credit.Equal(d.Amount) {
			report.Issues = append(report.Issues, fmt.Sprintf("due %s: no matching wallet credit of %s", d.ID, d.Amount))
		}
	}

	if !report.OK() {
		s.Logger.Warn("consistency audit found issues", zap.Int("issues", len(report.Issues)))
	}
	return report, nil
}
