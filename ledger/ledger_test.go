package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
	"github.com/warp/dues-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const church = "church-1"

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*ledger.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := ledger.NewService(mem, mem, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	return svc, mem
}

func adminCtx() context.Context {
	return ledger.WithActor(context.Background(), ledger.Actor{ID: "admin-1", Role: ledger.RoleAdmin})
}

func seedEntities(mem *store.Memory, kind ledger.EntityKind, n int) []ledger.Entity {
	out := make([]ledger.Entity, n)
	for i := range out {
		e := ledger.Entity{
			ID:       fmt.Sprintf("%s-%02d", kind, i+1),
			Kind:     kind,
			Name:     fmt.Sprintf("%s %d", kind, i+1),
			ChurchID: church,
		}
		mem.AddEntity(e)
		out[i] = e
	}
	return out
}

func weeklyInput(amountType ledger.AmountType, defaultAmount string) ledger.PeriodInput {
	return ledger.PeriodInput{
		ChurchID:         church,
		Name:             "Sunday collection",
		Kind:             ledger.KindWeekly,
		AmountType:       amountType,
		ContributionMode: ledger.ModeVariable,
		DefaultAmount:    dec(defaultAmount),
		DueDate:          testNow.Add(-24 * time.Hour),
	}
}

func campaignInput(amountType ledger.AmountType, minimum string) ledger.PeriodInput {
	return ledger.PeriodInput{
		ChurchID:         church,
		Name:             "Roof campaign",
		Kind:             ledger.KindCampaign,
		AmountType:       amountType,
		ContributionMode: ledger.ModeVariable,
		MinimumAmount:    dec(minimum),
		DueDate:          testNow.Add(-24 * time.Hour),
	}
}

func openPeriod(t *testing.T, svc *ledger.Service, in ledger.PeriodInput) *ledger.CollectionPeriod {
	t.Helper()
	res, err := svc.OpenPeriod(adminCtx(), in)
	require.NoError(t, err)
	return res.Period
}

func contribute(t *testing.T, svc *ledger.Service, periodID string, e ledger.Entity, amount string) *ledger.CollectionPeriod {
	t.Helper()
	p, err := svc.RecordContribution(adminCtx(), ledger.ContributionInput{
		PeriodID:   periodID,
		EntityID:   e.ID,
		EntityKind: e.Kind,
		Amount:     dec(amount),
	})
	require.NoError(t, err)
	return p
}

func requireBalance(t *testing.T, mem *store.Memory, e ledger.Entity, want string) {
	t.Helper()
	snap, err := mem.GetWallet(context.Background(), e.ID, e.Kind)
	require.NoError(t, err)
	require.True(t, dec(want).Equal(snap.Wallet.Balance), "balance of %s: want %s got %s", e.ID, want, snap.Wallet.Balance)
	require.True(t, snap.Conserved(), "balance must equal sum of entries for %s", e.ID)
}
