package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// OPEN PERIOD
// =============================================================================

func TestOpenPeriod_Fixed_PushesToEveryEligibleWallet(t *testing.T) {
	// GIVEN: 3 houses under the church
	// WHEN: A fixed per_house campaign of 200 opens
	// THEN: Each house wallet is credited 200 once

	svc, mem := newTestService(t)
	houses := seedEntities(mem, ledger.KindHouse, 3)
	seedEntities(mem, ledger.KindMember, 2)

	in := campaignInput(ledger.AmountPerHouse, "0")
	in.ContributionMode = ledger.ModeFixed
	in.FixedAmount = dec("200")

	res, err := svc.OpenPeriod(adminCtx(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Eligible)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, "admin-1", res.Period.CreatedBy)

	for _, h := range houses {
		requireBalance(t, mem, h, "200")
	}

	// Paying the fixed amount brings the wallet back to zero.
	contribute(t, svc, res.Period.ID, houses[0], "200")
	requireBalance(t, mem, houses[0], "0")
}

func TestOpenPeriod_Variable_PushesNothing(t *testing.T) {
	svc, mem := newTestService(t)
	seedEntities(mem, ledger.KindMember, 3)

	res, err := svc.OpenPeriod(adminCtx(), weeklyInput(ledger.AmountPerMember, "10"))
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)

	wallets, err := mem.ListWallets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wallets)
}

func TestOpenPeriod_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name   string
		mutate func(in *ledger.PeriodInput)
	}{
		{"missing church", func(in *ledger.PeriodInput) { in.ChurchID = "" }},
		{"missing name", func(in *ledger.PeriodInput) { in.Name = " " }},
		{"unknown kind", func(in *ledger.PeriodInput) { in.Kind = "monthly" }},
		{"unknown amount type", func(in *ledger.PeriodInput) { in.AmountType = "per_family" }},
		{"unknown mode", func(in *ledger.PeriodInput) { in.ContributionMode = "auto" }},
		{"fixed without amount", func(in *ledger.PeriodInput) { in.ContributionMode = ledger.ModeFixed }},
		{"fixed flexible", func(in *ledger.PeriodInput) {
			in.ContributionMode = ledger.ModeFixed
			in.FixedAmount = dec("10")
			in.AmountType = ledger.AmountFlexible
		}},
		{"missing due date", func(in *ledger.PeriodInput) { in.DueDate = time.Time{} }},
		{"negative default", func(in *ledger.PeriodInput) { in.DefaultAmount = dec("-1") }},
		{"end before start", func(in *ledger.PeriodInput) {
			start, end := testNow, testNow.Add(-time.Hour)
			in.StartDate, in.EndDate = &start, &end
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := weeklyInput(ledger.AmountPerMember, "10")
			tt.mutate(&in)
			_, err := svc.OpenPeriod(adminCtx(), in)
			var verr *ledger.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	periods, err := svc.Store.ListPeriods(context.Background(), ledger.PeriodFilter{})
	require.NoError(t, err)
	assert.Empty(t, periods, "rejected periods are never stored")
}

func TestPeriodState(t *testing.T) {
	p := &ledger.CollectionPeriod{DueDate: testNow}
	assert.Equal(t, ledger.StateActive, p.State(testNow.Add(-time.Minute)))
	assert.Equal(t, ledger.StateOverdue, p.State(testNow))
	p.DuesProcessed = true
	assert.Equal(t, ledger.StateProcessed, p.State(testNow))
}

// =============================================================================
// DUE LEDGER
// =============================================================================

func assessedDue(t *testing.T, svc *ledger.Service, mem interface {
	ListDues(context.Context, ledger.DueFilter) ([]ledger.DueRecord, error)
}, amount string) ledger.DueRecord {
	t.Helper()
	p := openPeriod(t, svc, weeklyInput(ledger.AmountPerMember, amount))
	_, err := svc.ProcessDues(adminCtx(), ptr(p.ID))
	require.NoError(t, err)
	dues, err := mem.ListDues(context.Background(), ledger.DueFilter{PeriodID: p.ID})
	require.NoError(t, err)
	require.Len(t, dues, 1)
	return dues[0]
}

func TestMarkPaid_PartialThenFull_WalletUntouched(t *testing.T) {
	svc, mem := newTestService(t)
	members := seedEntities(mem, ledger.KindMember, 1)
	due := assessedDue(t, svc, mem, "100")

	partial := dec("30")
	rec, err := svc.MarkPaid(adminCtx(), due.ID, &partial, "cash-1")
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(rec.PaidAmount))
	assert.True(t, dec("70").Equal(rec.Balance))
	assert.False(t, rec.IsPaid)
	assert.Equal(t, "cash-1", rec.LastPaymentRef)

	// Default settles the remaining balance.
	rec, err = svc.MarkPaid(adminCtx(), due.ID, nil, "cash-2")
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(rec.PaidAmount))
	assert.True(t, rec.Balance.IsZero())
	assert.True(t, rec.IsPaid)

	// Nothing left to settle.
	_, err = svc.MarkPaid(adminCtx(), due.ID, nil, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// The wallet view is independent.
	requireBalance(t, mem, members[0], "100")
}

func TestMarkPaid_OverpaymentClampsAtZero(t *testing.T) {
	svc, mem := newTestService(t)
	seedEntities(mem, ledger.KindMember, 1)
	due := assessedDue(t, svc, mem, "50")

	over := dec("80")
	rec, err := svc.MarkPaid(adminCtx(), due.ID, &over, "")
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
	assert.True(t, rec.IsPaid)
	assert.True(t, dec("80").Equal(rec.PaidAmount))
}

func TestMarkPaid_Errors(t *testing.T) {
	svc, mem := newTestService(t)
	seedEntities(mem, ledger.KindMember, 1)
	due := assessedDue(t, svc, mem, "50")

	_, err := svc.MarkPaid(adminCtx(), "missing", nil, "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	neg := decimal.NewFromInt(-5)
	_, err = svc.MarkPaid(adminCtx(), due.ID, &neg, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSettleDue_UpdatesBothViews(t *testing.T) {
	svc, mem := newTestService(t)
	members := seedEntities(mem, ledger.KindMember, 1)
	due := assessedDue(t, svc, mem, "60")

	rec, wallet, err := svc.SettleDue(adminCtx(), due.ID, nil, "bank-9")
	require.NoError(t, err)
	assert.True(t, rec.IsPaid)
	assert.True(t, wallet.Balance.IsZero())
	requireBalance(t, mem, members[0], "0")

	snap, err := mem.GetWallet(context.Background(), members[0].ID, ledger.KindMember)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, ledger.EntryDuePayment, snap.Entries[1].Type)
	assert.Equal(t, "bank-9", snap.Entries[1].RefTransactionID)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_CleanAfterMixedActivity(t *testing.T) {
	svc, mem := newTestService(t)
	members := seedEntities(mem, ledger.KindMember, 4)
	houses := seedEntities(mem, ledger.KindHouse, 2)

	weekly := openPeriod(t, svc, weeklyInput(ledger.AmountPerMember, "20"))
	contribute(t, svc, weekly.ID, members[0], "15")
	contribute(t, svc, weekly.ID, members[0], "5")
	contribute(t, svc, weekly.ID, members[1], "40")

	_, err := svc.RecordContribution(adminCtx(), ledger.ContributionInput{
		PeriodID:       weekly.ID,
		EntityID:       houses[0].ID,
		EntityKind:     ledger.KindHouse,
		Amount:         dec("60"),
		CoveredMembers: 2,
	})
	require.NoError(t, err)

	_, err = svc.ProcessDues(adminCtx(), nil)
	require.NoError(t, err)

	report, err := svc.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, 1, report.PeriodsChecked)
	assert.Equal(t, 2, report.DuesChecked)

	// A house lump payment does not exempt individual members.
	dues, err := mem.ListDues(context.Background(), ledger.DueFilter{PeriodID: weekly.ID})
	require.NoError(t, err)
	ids := []string{dues[0].EntityID, dues[1].EntityID}
	assert.ElementsMatch(t, []string{members[2].ID, members[3].ID}, ids)
	// Average over 3 contributors: (20 + 40 + 60) / 3 = 40
	assert.True(t, dec("40").Equal(dues[0].Amount))
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "anonymous", ledger.ActorFrom(context.Background()).ID)
	a := ledger.ActorFrom(adminCtx())
	assert.True(t, a.CanManage())
	assert.False(t, ledger.Actor{ID: "x", Role: "member"}.CanManage())
}
