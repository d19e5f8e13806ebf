/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Requests accept amounts as JSON numbers or strings ("12.50").
  Responses always render amounts as fixed two-decimal strings.

VALIDATION:
  Request shape is checked with validator/v10 struct tags (see decode in
  handlers.go). Business rules stay in the ledger package and come back as
  ledger.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/period.go, ledger/due.go, ledger/wallet.go: domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Fields  []FieldErrorDTO `json:"fields,omitempty"`
}

type FieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// =============================================================================
// COLLECTION PERIODS
// =============================================================================

type CreatePeriodRequest struct {
	ChurchID         string          `json:"church_id" validate:"required,max=64"`
	Name             string          `json:"name" validate:"required,max=200"`
	Kind             string          `json:"kind" validate:"required,oneof=campaign weekly"`
	AmountType       string          `json:"amount_type" validate:"required,oneof=per_member per_house flexible"`
	ContributionMode string          `json:"contribution_mode" validate:"required,oneof=fixed variable"`
	FixedAmount      decimal.Decimal `json:"fixed_amount"`
	MinimumAmount    decimal.Decimal `json:"minimum_amount"`
	DefaultAmount    decimal.Decimal `json:"default_amount"`
	DueDate          string          `json:"due_date" validate:"required"`
	StartDate        string          `json:"start_date,omitempty"`
	EndDate          string          `json:"end_date,omitempty"`
}

type ContributorDTO struct {
	EntityID          string `json:"entity_id"`
	EntityKind        string `json:"entity_kind"`
	ContributedAmount string `json:"contributed_amount"`
	ContributedAt     string `json:"contributed_at"`
	CoveredMembers    int    `json:"covered_members,omitempty"`
}

type PeriodDTO struct {
	ID                string           `json:"id"`
	ChurchID          string           `json:"church_id"`
	Name              string           `json:"name"`
	Kind              string           `json:"kind"`
	AmountType        string           `json:"amount_type"`
	ContributionMode  string           `json:"contribution_mode"`
	FixedAmount       string           `json:"fixed_amount"`
	MinimumAmount     string           `json:"minimum_amount"`
	DefaultAmount     string           `json:"default_amount"`
	DueDate           string           `json:"due_date"`
	StartDate         string           `json:"start_date,omitempty"`
	EndDate           string           `json:"end_date,omitempty"`
	State             string           `json:"state"`
	Status            string           `json:"status"`
	TotalCollected    string           `json:"total_collected"`
	TotalContributors int              `json:"total_contributors"`
	DuesProcessed     bool             `json:"dues_processed"`
	DuesProcessedAt   string           `json:"dues_processed_at,omitempty"`
	CreatedBy         string           `json:"created_by,omitempty"`
	Contributors      []ContributorDTO `json:"contributors,omitempty"`
}

type OpenPeriodResponse struct {
	Period        PeriodDTO `json:"period"`
	Eligible      int       `json:"eligible"`
	Pushed        int       `json:"pushed"`
	AlreadyPushed int       `json:"already_pushed"`
	Failed        int       `json:"failed"`
}

type ContributionRequest struct {
	EntityID         string          `json:"entity_id" validate:"required,max=64"`
	EntityKind       string          `json:"entity_kind" validate:"required,oneof=member house"`
	Amount           decimal.Decimal `json:"amount"`
	CoveredMembers   int             `json:"covered_members" validate:"gte=0"`
	RefTransactionID string          `json:"ref_transaction_id" validate:"omitempty,max=128"`
}

// =============================================================================
// DUES
// =============================================================================

type ProcessDuesRequest struct {
	PeriodID *string `json:"period_id,omitempty" validate:"omitempty,min=1"`
}

type PeriodSummaryDTO struct {
	PeriodID        string `json:"period_id"`
	Name            string `json:"name,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Status          string `json:"status"`
	DueAmount       string `json:"due_amount"`
	Eligible        int    `json:"eligible"`
	NonContributors int    `json:"non_contributors"`
	Assessed        int    `json:"assessed"`
	AlreadyAssessed int    `json:"already_assessed"`
	Failed          int    `json:"failed"`
	Reason          string `json:"reason,omitempty"`
}

type SummaryDTO struct {
	PeriodsProcessed  int                `json:"periods_processed"`
	EntitiesProcessed int                `json:"entities_processed"`
	Periods           []PeriodSummaryDTO `json:"periods"`
}

type DuesRunDTO struct {
	ID              string `json:"id"`
	PeriodID        string `json:"period_id"`
	Status          string `json:"status"`
	DueAmount       string `json:"due_amount"`
	Eligible        int    `json:"eligible"`
	NonContributors int    `json:"non_contributors"`
	Assessed        int    `json:"assessed"`
	AlreadyAssessed int    `json:"already_assessed"`
	Failed          int    `json:"failed"`
	Error           string `json:"error,omitempty"`
	TriggeredBy     string `json:"triggered_by,omitempty"`
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type DueDTO struct {
	ID             string `json:"id"`
	PeriodID       string `json:"period_id"`
	EntityID       string `json:"entity_id"`
	EntityKind     string `json:"entity_kind"`
	EntityName     string `json:"entity_name,omitempty"`
	Amount         string `json:"amount"`
	PaidAmount     string `json:"paid_amount"`
	Balance        string `json:"balance"`
	IsPaid         bool   `json:"is_paid"`
	LastPaymentRef string `json:"last_payment_ref,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// PayDueRequest settles a due record. Omitting paid_amount pays the
// remaining balance. settle_wallet also debits the entity's wallet.
type PayDueRequest struct {
	PaidAmount   *decimal.Decimal `json:"paid_amount,omitempty"`
	Ref          string           `json:"ref" validate:"omitempty,max=128"`
	SettleWallet bool             `json:"settle_wallet"`
}

type PayDueResponse struct {
	Due    DueDTO     `json:"due"`
	Wallet *WalletDTO `json:"wallet,omitempty"`
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerKind string `json:"owner_kind"`
	OwnerName string `json:"owner_name,omitempty"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type WalletEntryDTO struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	Memo             string `json:"memo,omitempty"`
	RefTransactionID string `json:"ref_transaction_id,omitempty"`
	RefPeriodID      string `json:"ref_period_id,omitempty"`
	Date             string `json:"date"`
}

type WalletDetailDTO struct {
	Wallet  WalletDTO        `json:"wallet"`
	Entries []WalletEntryDTO `json:"entries"`
}

// =============================================================================
// ADMIN / SCENARIOS
// =============================================================================

type AuditDTO struct {
	OK             bool     `json:"ok"`
	PeriodsChecked int      `json:"periods_checked"`
	WalletsChecked int      `json:"wallets_checked"`
	DuesChecked    int      `json:"dues_checked"`
	Issues         []string `json:"issues"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func amount(d decimal.Decimal) string {
	return d.StringFixed(ledger.Cents)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return stamp(*t)
}

func toPeriodDTO(p *ledger.CollectionPeriod, now time.Time, withContributors bool) PeriodDTO {
	dto := PeriodDTO{
		ID:                p.ID,
		ChurchID:          p.ChurchID,
		Name:              p.Name,
		Kind:              string(p.Kind),
		AmountType:        string(p.AmountType),
		ContributionMode:  string(p.ContributionMode),
		FixedAmount:       amount(p.FixedAmount),
		MinimumAmount:     amount(p.MinimumAmount),
		DefaultAmount:     amount(p.DefaultAmount),
		DueDate:           stamp(p.DueDate),
		StartDate:         stampPtr(p.StartDate),
		EndDate:           stampPtr(p.EndDate),
		State:             string(p.State(now)),
		Status:            string(p.Status),
		TotalCollected:    amount(p.TotalCollected),
		TotalContributors: p.TotalContributors,
		DuesProcessed:     p.DuesProcessed,
		DuesProcessedAt:   stampPtr(p.DuesProcessedAt),
		CreatedBy:         p.CreatedBy,
	}
	if withContributors {
		for _, c := range p.Contributors {
			dto.Contributors = append(dto.Contributors, ContributorDTO{
				EntityID:          c.EntityID,
				EntityKind:        string(c.EntityKind),
				ContributedAmount: amount(c.ContributedAmount),
				ContributedAt:     stamp(c.ContributedAt),
				CoveredMembers:    c.CoveredMembers,
			})
		}
	}
	return dto
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	out := SummaryDTO{
		PeriodsProcessed:  s.PeriodsProcessed,
		EntitiesProcessed: s.EntitiesProcessed,
		Periods:           make([]PeriodSummaryDTO, 0, len(s.Periods)),
	}
	for _, p := range s.Periods {
		out.Periods = append(out.Periods, PeriodSummaryDTO{
			PeriodID:        p.PeriodID,
			Name:            p.Name,
			Kind:            string(p.Kind),
			Status:          string(p.Status),
			DueAmount:       amount(p.DueAmount),
			Eligible:        p.Eligible,
			NonContributors: p.NonContributors,
			Assessed:        p.Assessed,
			AlreadyAssessed: p.AlreadyAssessed,
			Failed:          p.Failed,
			Reason:          p.Reason,
		})
	}
	return out
}

func toDuesRunDTO(r ledger.DuesRun) DuesRunDTO {
	return DuesRunDTO{
		ID:              r.ID,
		PeriodID:        r.PeriodID,
		Status:          string(r.Status),
		DueAmount:       amount(r.DueAmount),
		Eligible:        r.Eligible,
		NonContributors: r.NonContributors,
		Assessed:        r.Assessed,
		AlreadyAssessed: r.AlreadyAssessed,
		Failed:          r.Failed,
		Error:           r.Error,
		TriggeredBy:     r.TriggeredBy,
		StartedAt:       stamp(r.StartedAt),
		CompletedAt:     stampPtr(r.CompletedAt),
	}
}

func toDueDTO(d ledger.DueRecord) DueDTO {
	return DueDTO{
		ID:             d.ID,
		PeriodID:       d.PeriodID,
		EntityID:       d.EntityID,
		EntityKind:     string(d.EntityKind),
		EntityName:     d.EntityName,
		Amount:         amount(d.Amount),
		PaidAmount:     amount(d.PaidAmount),
		Balance:        amount(d.Balance),
		IsPaid:         d.IsPaid,
		LastPaymentRef: d.LastPaymentRef,
		CreatedAt:      stamp(d.CreatedAt),
		UpdatedAt:      stamp(d.UpdatedAt),
	}
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		OwnerKind: string(w.OwnerKind),
		OwnerName: w.OwnerName,
		Balance:   amount(w.Balance),
		UpdatedAt: stamp(w.UpdatedAt),
	}
}

func toWalletDetailDTO(s ledger.WalletSnapshot) WalletDetailDTO {
	out := WalletDetailDTO{
		Wallet:  toWalletDTO(s.Wallet),
		Entries: make([]WalletEntryDTO, 0, len(s.Entries)),
	}
	for _, e := range s.Entries {
		out.Entries = append(out.Entries, WalletEntryDTO{
			ID:               e.ID,
			Type:             string(e.Type),
			Amount:           amount(e.Amount),
			Memo:             e.Memo,
			RefTransactionID: e.RefTransactionID,
			RefPeriodID:      e.RefPeriodID,
			Date:             stamp(e.Date),
		})
	}
	return out
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	issues := r.Issues
	if issues == nil {
		issues = []string{}
	}
	return AuditDTO{
		OK:             r.OK(),
		PeriodsChecked: r.PeriodsChecked,
		WalletsChecked: r.WalletsChecked,
		DuesChecked:    r.DuesChecked,
		Issues:         issues,
	}
}
