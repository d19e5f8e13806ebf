/*
processor.go - Dues processing batch

PURPOSE:
  Once a collection period is overdue, every eligible entity that did not
  contribute owes a due. The processor computes that amount, writes one
  DueRecord and one wallet credit per non-contributor, then marks the
  period processed. Both the scheduler and the manual API call land here.

ALGORITHM (per period):
  1. contributorIDs = set(period.Contributors[].EntityID)
  2. eligible       = Directory lookup by AmountType
  3. nonContributors = eligible - contributorIDs
  4. dueAmount      = DueRule(period.Kind).DueAmount(period)
  5. for each non-contributor, atomically:
       re-read the period, skip if the entity contributed since step 1
       InsertDue(amount=dueAmount) + ApplyDelta(+dueAmount)
     duplicate -> already assessed, continue
     other error -> retry once, then count as failed, continue
  6. MarkDuesProcessed (conditional flip, weekly also sets status=processed)

EXACTLY ONCE:
  - A processed period is never selected again.
  - The (period, entity) unique key on dues makes concurrent runs for the
    same period assess each entity at most once.
  - The wallet credit carries idempotency key due:<period>:<entity>.

FAILURE SEMANTICS:
  Continue-on-error across entities and across periods. The caller gets a
  success envelope with per-period counts; per-entity errors go to the log
  and the DuesRun record.

SEE ALSO:
  - strategy.go: DueRule
  - api/scheduler.go: recurring trigger
  - api/handlers.go: ProcessDues endpoint
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errContributedDuringRun marks an entity that contributed after the period
// snapshot was taken.
var errContributedDuringRun = errors.New("entity contributed during dues run")

// Processor runs dues processing.
type Processor struct {
	Store     TxStore
	Directory Directory
	Logger    *zap.Logger
	Now       Clock
	NewID     func() string
}

func NewProcessor(store TxStore, dir Directory, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		Store:     store,
		Directory: dir,
		Logger:    logger.Named("dues"),
		Now:       systemClock,
		NewID:     uuid.NewString,
	}
}

// PeriodSummary is the outcome for one period.
type PeriodSummary struct {
	PeriodID        string
	Name            string
	Kind            PeriodKind
	Status          RunStatus
	DueAmount       decimal.Decimal
	Eligible        int
	NonContributors int
	Assessed        int
	AlreadyAssessed int
	Failed          int
	Reason          string
}

// Summary is the aggregate outcome of one ProcessDues call.
type Summary struct {
	PeriodsProcessed  int
	EntitiesProcessed int
	Periods           []PeriodSummary
}

// ProcessDues processes one period when periodID is non-nil, otherwise every
// overdue, unprocessed, sweep-eligible period.
//
// Only selection failures are returned as errors. Per-period and per-entity
// failures are reported in the Summary.
func (p *Processor) ProcessDues(ctx context.Context, periodID *string) (Summary, error) {
	now := p.Now()
	actor := ActorFrom(ctx)

	var periods []*CollectionPeriod
	if periodID != nil {
		period, err := p.Store.GetPeriod(ctx, *periodID)
		if err != nil {
			return Summary{}, err
		}
		periods = []*CollectionPeriod{period}
	} else {
		candidates, err := p.Store.UnprocessedPeriods(ctx, now)
		if err != nil {
			return Summary{}, fmt.Errorf("select periods: %w", err)
		}
		for _, c := range candidates {
			if c.SweepEligible(now) {
				periods = append(periods, c)
			}
		}
	}

	p.Logger.Info("dues processing started",
		zap.Int("periods", len(periods)),
		zap.String("actor", actor.ID),
		zap.Bool("explicit", periodID != nil),
	)

	var summary Summary
	for _, period := range periods {
		if err := ctx.Err(); err != nil {
			p.Logger.Warn("dues processing interrupted", zap.Error(err))
			break
		}
		ps, err := p.processPeriod(ctx, period, actor)
		if err != nil {
			p.Logger.Error("period processing failed",
				zap.String("period_id", period.ID),
				zap.Error(err),
			)
			ps.Status = RunFailed
			ps.Reason = err.Error()
		}
		if ps.Status == RunCompleted {
			summary.PeriodsProcessed++
		}
		summary.EntitiesProcessed += ps.Assessed
		summary.Periods = append(summary.Periods, ps)
	}

	p.Logger.Info("dues processing finished",
		zap.Int("periods_processed", summary.PeriodsProcessed),
		zap.Int("entities_processed", summary.EntitiesProcessed),
	)
	return summary, nil
}

func (p *Processor) processPeriod(ctx context.Context, period *CollectionPeriod, actor Actor) (PeriodSummary, error) {
	rule := DueRuleFor(period.Kind)
	ps := PeriodSummary{PeriodID: period.ID, Name: period.Name, Kind: period.Kind}

	run := DuesRun{
		ID:          p.NewID(),
		PeriodID:    period.ID,
		Status:      RunRunning,
		TriggeredBy: actor.ID,
		StartedAt:   p.Now(),
	}
	finish := func(status RunStatus, reason string) {
		ps.Status = status
		ps.Reason = reason
		completed := p.Now()
		run.Status = status
		run.Error = reason
		run.DueAmount = ps.DueAmount
		run.Eligible = ps.Eligible
		run.NonContributors = ps.NonContributors
		run.Assessed = ps.Assessed
		run.AlreadyAssessed = ps.AlreadyAssessed
		run.Failed = ps.Failed
		run.CompletedAt = &completed
		if err := p.Store.SaveDuesRun(ctx, run); err != nil {
			p.Logger.Warn("failed to save dues run", zap.String("period_id", period.ID), zap.Error(err))
		}
	}

	switch {
	case period.DuesProcessed:
		finish(RunSkipped, ErrAlreadyProcessed.Error())
		return ps, nil
	case period.AmountType == AmountFlexible:
		finish(RunSkipped, "flexible periods have no eligible set")
		return ps, nil
	}

	ps.DueAmount = rule.DueAmount(period)
	if !ps.DueAmount.IsPositive() {
		finish(RunSkipped, "no due amount configured")
		return ps, nil
	}

	if err := p.Store.SaveDuesRun(ctx, run); err != nil {
		return ps, fmt.Errorf("save run: %w", err)
	}

	eligible, err := EligibleEntities(ctx, p.Directory, period)
	if err != nil {
		finish(RunFailed, err.Error())
		return ps, fmt.Errorf("resolve eligible entities: %w", err)
	}
	ps.Eligible = len(eligible)

	contributors := period.ContributorIDs()
	for _, e := range eligible {
		if _, paid := contributors[e.ID]; paid {
			continue
		}
		ps.NonContributors++

		if err := ctx.Err(); err != nil {
			finish(RunFailed, err.Error())
			return ps, err
		}

		err := p.assess(ctx, period, e, ps.DueAmount)
		if err != nil && IsRetryable(err) && !errors.Is(err, errContributedDuringRun) {
			p.Logger.Warn("retrying due assessment",
				zap.String("period_id", period.ID),
				zap.String("entity_id", e.ID),
				zap.Error(err),
			)
			err = p.assess(ctx, period, e, ps.DueAmount)
		}
		switch {
		case err == nil:
			ps.Assessed++
		case errors.Is(err, errContributedDuringRun):
			ps.NonContributors--
			p.Logger.Info("entity contributed during run, no due",
				zap.String("period_id", period.ID),
				zap.String("entity_id", e.ID),
			)
		case errors.Is(err, ErrDuplicateDue):
			ps.AlreadyAssessed++
			p.Logger.Info("due already assessed",
				zap.String("period_id", period.ID),
				zap.String("entity_id", e.ID),
			)
		default:
			ps.Failed++
			p.Logger.Error("due assessment failed",
				zap.String("period_id", period.ID),
				zap.String("entity_id", e.ID),
				zap.Error(err),
			)
		}
	}

	rule.Finish(period)
	flipped, err := p.Store.MarkDuesProcessed(ctx, period.ID, period.Status, p.Now())
	if err != nil {
		finish(RunFailed, err.Error())
		return ps, fmt.Errorf("mark processed: %w", err)
	}
	if !flipped {
		finish(RunSkipped, "processed concurrently by another run")
		return ps, nil
	}

	finish(RunCompleted, "")
	p.Logger.Info("period processed",
		zap.String("period_id", period.ID),
		zap.String("due_amount", ps.DueAmount.StringFixed(Cents)),
		zap.Int("assessed", ps.Assessed),
		zap.Int("already_assessed", ps.AlreadyAssessed),
		zap.Int("failed", ps.Failed),
	)
	return ps, nil
}

// assess writes the due record and the wallet credit as one unit. The
// contributor set is checked again inside the transaction.
func (p *Processor) assess(ctx context.Context, period *CollectionPeriod, e Entity, amount decimal.Decimal) error {
	now := p.Now()
	record := NewDueRecord(p.NewID(), period, e, amount, now)
	delta := WalletDelta{
		OwnerID:        e.ID,
		OwnerKind:      e.Kind,
		OwnerName:      e.Name,
		Amount:         amount,
		Type:           EntryDue,
		Memo:           fmt.Sprintf("due for %s (%s)", period.Name, period.ID),
		RefPeriodID:    period.ID,
		IdempotencyKey: DueKey(period.ID, e.ID),
		At:             now,
	}

	return p.Store.WithTx(ctx, func(s Store) error {
		current, err := s.GetPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		if _, ok := current.Contributor(e.ID); ok {
			return errContributedDuringRun
		}
		if err := s.InsertDue(ctx, record); err != nil {
			return err
		}
		if _, err := s.ApplyDelta(ctx, delta); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return &DuplicateProcessingError{PeriodID: period.ID, EntityID: e.ID}
			}
			return err
		}
		return nil
	})
}

// DueKey is the wallet idempotency key of a due credit.
func DueKey(periodID, entityID string) string {
	return "due:" + periodID + ":" + entityID
}

// EligibleEntities resolves the entities a period applies to.
// Flexible periods have no deterministic set and return nil.
func EligibleEntities(ctx context.Context, dir Directory, p *CollectionPeriod) ([]Entity, error) {
	switch p.AmountType {
	case AmountPerMember:
		return dir.EligibleMembers(ctx, p.ChurchID)
	case AmountPerHouse:
		return dir.EligibleHouses(ctx, p.ChurchID)
	default:
		return nil, nil
	}
}

