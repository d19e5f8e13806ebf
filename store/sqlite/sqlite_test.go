package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
	"github.com/warp/dues-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedParish creates church-1 with 2 units x 2 sub-groups x 2 houses, one
// member per house, plus church-2 with a single house and member.
func seedParish(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveChurch(ctx, sqlite.Church{ID: "church-1", Name: "St. Mary"}))
	require.NoError(t, store.SaveChurch(ctx, sqlite.Church{ID: "church-2", Name: "St. Paul"}))

	n := 0
	for u := 1; u <= 2; u++ {
		unitID := fmt.Sprintf("unit-%d", u)
		require.NoError(t, store.SaveUnit(ctx, sqlite.Unit{ID: unitID, ChurchID: "church-1", Name: unitID}))
		for g := 1; g <= 2; g++ {
			groupID := fmt.Sprintf("%s-group-%d", unitID, g)
			require.NoError(t, store.SaveSubGroup(ctx, sqlite.SubGroup{ID: groupID, UnitID: unitID, Name: groupID}))
			for h := 1; h <= 2; h++ {
				n++
				houseID := fmt.Sprintf("house-%02d", n)
				require.NoError(t, store.SaveHouse(ctx, sqlite.House{ID: houseID, SubGroupID: groupID, Name: houseID, Active: true}))
				require.NoError(t, store.SaveMember(ctx, sqlite.Member{
					ID: fmt.Sprintf("member-%02d", n), ChurchID: "church-1", HouseID: houseID,
					Name: fmt.Sprintf("Member %d", n), Active: true,
				}))
			}
		}
	}

	require.NoError(t, store.SaveUnit(ctx, sqlite.Unit{ID: "unit-x", ChurchID: "church-2", Name: "x"}))
	require.NoError(t, store.SaveSubGroup(ctx, sqlite.SubGroup{ID: "group-x", UnitID: "unit-x", Name: "x"}))
	require.NoError(t, store.SaveHouse(ctx, sqlite.House{ID: "house-x", SubGroupID: "group-x", Name: "x", Active: true}))
	require.NoError(t, store.SaveMember(ctx, sqlite.Member{ID: "member-x", ChurchID: "church-2", HouseID: "house-x", Name: "x", Active: true}))
}

func newService(t *testing.T, store *sqlite.Store) *ledger.Service {
	t.Helper()
	svc := ledger.NewService(store, store, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	return svc
}

func adminCtx() context.Context {
	return ledger.WithActor(context.Background(), ledger.Actor{ID: "admin-1", Role: ledger.RoleAdmin})
}

func delta(owner string, amount string, key string) ledger.WalletDelta {
	return ledger.WalletDelta{
		OwnerID:        owner,
		OwnerKind:      ledger.KindMember,
		OwnerName:      owner,
		Amount:         dec(amount),
		Type:           ledger.EntryDue,
		IdempotencyKey: key,
		At:             testNow,
	}
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestDirectory_EligibleHouses_ResolvesThroughHierarchy(t *testing.T) {
	// GIVEN: church-1 with 8 houses across units and sub-groups, church-2 with 1
	// WHEN: One house is deactivated
	// THEN: The eligible set for church-1 has the other 7 houses only

	store := newStore(t)
	seedParish(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveHouse(ctx, sqlite.House{ID: "house-03", SubGroupID: "unit-1-group-2", Name: "house-03", Active: false}))

	houses, err := store.EligibleHouses(ctx, "church-1")
	require.NoError(t, err)
	require.Len(t, houses, 7)
	for _, h := range houses {
		assert.Equal(t, ledger.KindHouse, h.Kind)
		assert.Equal(t, "church-1", h.ChurchID)
		assert.NotEqual(t, "house-03", h.ID)
		assert.NotEqual(t, "house-x", h.ID)
	}

	members, err := store.EligibleMembers(ctx, "church-1")
	require.NoError(t, err)
	assert.Len(t, members, 8)

	// Inactive entities can still be looked up directly.
	h, err := store.Entity(ctx, ledger.KindHouse, "house-03")
	require.NoError(t, err)
	assert.Equal(t, "church-1", h.ChurchID)

	_, err = store.Entity(ctx, ledger.KindMember, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestApplyDelta_ConcurrentIncrementsAreNotLost(t *testing.T) {
	// GIVEN: One wallet
	// WHEN: 50 goroutines each apply +1.25 concurrently
	// THEN: Balance is exactly 62.50 and equals the sum of entries

	store := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyDelta(ctx, delta("member-01", "1.25", fmt.Sprintf("k-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := store.GetWallet(ctx, "member-01", ledger.KindMember)
	require.NoError(t, err)
	assert.True(t, dec("62.50").Equal(snap.Wallet.Balance), "got %s", snap.Wallet.Balance)
	assert.Len(t, snap.Entries, 50)
	assert.True(t, snap.Conserved())
}

func TestApplyDelta_DuplicateIdempotencyKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.ApplyDelta(ctx, delta("member-01", "40", "due:p1:member-01"))
	require.NoError(t, err)

	_, err = store.ApplyDelta(ctx, delta("member-01", "40", "due:p1:member-01"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	snap, err := store.GetWallet(ctx, "member-01", ledger.KindMember)
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(snap.Wallet.Balance))
	assert.Len(t, snap.Entries, 1)
}

func TestApplyDelta_SignedAmountsAndLazyCreation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetWallet(ctx, "house-01", ledger.KindHouse)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	d := delta("house-01", "-30.10", "")
	d.OwnerKind = ledger.KindHouse
	d.Type = ledger.EntryContribution
	w, err := store.ApplyDelta(ctx, d)
	require.NoError(t, err)
	assert.True(t, dec("-30.10").Equal(w.Balance))

	// Same id, other kind: a separate wallet.
	_, err = store.ApplyDelta(ctx, delta("house-01", "5", ""))
	require.NoError(t, err)

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	assert.Len(t, wallets, 2)
}

func TestApplyDelta_AmountBeyondCentsRangeRejected(t *testing.T) {
	// GIVEN: A delta whose cents value overflows an int64
	store := newStore(t)
	ctx := context.Background()

	// WHEN: It is applied
	_, err := store.ApplyDelta(ctx, delta("member-01", "-100000000000000000", "contrib:huge"))

	// THEN: It fails and no wallet is created
	assert.ErrorIs(t, err, ledger.ErrAmountOutOfRange)
	_, err = store.GetWallet(ctx, "member-01", ledger.KindMember)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// PERIODS AND DUES
// =============================================================================

func TestPeriod_RoundTripWithContributors(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := adminCtx()

	start := testNow.Add(-7 * 24 * time.Hour)
	res, err := svc.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID:         "church-1",
		Name:             "Sunday",
		Kind:             ledger.KindWeekly,
		AmountType:       ledger.AmountPerMember,
		ContributionMode: ledger.ModeVariable,
		DefaultAmount:    dec("12.50"),
		DueDate:          testNow.Add(-time.Hour),
		StartDate:        &start,
	})
	require.NoError(t, err)

	for _, amount := range []string{"10", "2.75"} {
		_, err := svc.RecordContribution(ctx, ledger.ContributionInput{
			PeriodID: res.Period.ID, EntityID: "member-01", EntityKind: ledger.KindMember, Amount: dec(amount),
		})
		require.NoError(t, err)
	}
	_, err = svc.RecordContribution(ctx, ledger.ContributionInput{
		PeriodID: res.Period.ID, EntityID: "house-02", EntityKind: ledger.KindHouse, Amount: dec("30"), CoveredMembers: 3,
	})
	require.NoError(t, err)

	got, err := store.GetPeriod(context.Background(), res.Period.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", got.CreatedBy)
	assert.True(t, dec("12.50").Equal(got.DefaultAmount))
	assert.True(t, testNow.Add(-time.Hour).Equal(got.DueDate))
	require.NotNil(t, got.StartDate)
	assert.True(t, start.Equal(*got.StartDate))
	assert.Nil(t, got.EndDate)

	require.Len(t, got.Contributors, 2)
	assert.Equal(t, "member-01", got.Contributors[0].EntityID)
	assert.True(t, dec("12.75").Equal(got.Contributors[0].ContributedAmount))
	assert.Equal(t, 3, got.Contributors[1].CoveredMembers)
	assert.Equal(t, 2, got.TotalContributors)
	assert.True(t, dec("42.75").Equal(got.TotalCollected))
	assert.NoError(t, got.CheckConsistency())
}

func TestUnprocessedPeriods_SelectsByDueDate(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)

	open := func(name string, due time.Time) string {
		res, err := svc.OpenPeriod(adminCtx(), ledger.PeriodInput{
			ChurchID: "church-1", Name: name, Kind: ledger.KindCampaign,
			AmountType: ledger.AmountPerHouse, ContributionMode: ledger.ModeVariable,
			MinimumAmount: dec("100"), DueDate: due,
		})
		require.NoError(t, err)
		return res.Period.ID
	}
	past := open("past", testNow.Add(-time.Minute))
	open("future", testNow.Add(time.Minute))
	onTime := open("on time", testNow)

	periods, err := store.UnprocessedPeriods(context.Background(), testNow)
	require.NoError(t, err)
	var ids []string
	for _, p := range periods {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{past, onTime}, ids)
}

func TestMarkDuesProcessed_FlipsOnce(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := context.Background()

	res, err := svc.OpenPeriod(adminCtx(), ledger.PeriodInput{
		ChurchID: "church-1", Name: "Sunday", Kind: ledger.KindWeekly,
		AmountType: ledger.AmountPerMember, ContributionMode: ledger.ModeVariable,
		DefaultAmount: dec("5"), DueDate: testNow,
	})
	require.NoError(t, err)

	flipped, err := store.MarkDuesProcessed(ctx, res.Period.ID, ledger.StatusProcessed, testNow)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.MarkDuesProcessed(ctx, res.Period.ID, ledger.StatusProcessed, testNow)
	require.NoError(t, err)
	assert.False(t, flipped)

	_, err = store.MarkDuesProcessed(ctx, "missing", ledger.StatusProcessed, testNow)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	p, err := store.GetPeriod(ctx, res.Period.ID)
	require.NoError(t, err)
	assert.True(t, p.DuesProcessed)
	assert.Equal(t, ledger.StatusProcessed, p.Status)
	require.NotNil(t, p.DuesProcessedAt)
}

func TestInsertDue_UniquePerPeriodAndEntity(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := context.Background()

	res, err := svc.OpenPeriod(adminCtx(), ledger.PeriodInput{
		ChurchID: "church-1", Name: "Roof", Kind: ledger.KindCampaign,
		AmountType: ledger.AmountPerMember, ContributionMode: ledger.ModeVariable,
		MinimumAmount: dec("50"), DueDate: testNow,
	})
	require.NoError(t, err)
	e := ledger.Entity{ID: "member-01", Kind: ledger.KindMember, Name: "Member 1"}

	require.NoError(t, store.InsertDue(ctx, ledger.NewDueRecord("d-1", res.Period, e, dec("50"), testNow)))

	err = store.InsertDue(ctx, ledger.NewDueRecord("d-2", res.Period, e, dec("50"), testNow))
	var dup *ledger.DuplicateProcessingError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "member-01", dup.EntityID)
	assert.ErrorIs(t, err, ledger.ErrDuplicateDue)

	got, err := store.GetDue(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(got.Balance))
	assert.False(t, got.IsPaid)
}

func TestWithTx_RollsBackEveryWrite(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := context.Background()

	res, err := svc.OpenPeriod(adminCtx(), ledger.PeriodInput{
		ChurchID: "church-1", Name: "Roof", Kind: ledger.KindCampaign,
		AmountType: ledger.AmountPerMember, ContributionMode: ledger.ModeVariable,
		MinimumAmount: dec("50"), DueDate: testNow,
	})
	require.NoError(t, err)
	e := ledger.Entity{ID: "member-01", Kind: ledger.KindMember}

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.InsertDue(ctx, ledger.NewDueRecord("d-1", res.Period, e, dec("50"), testNow)); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, delta("member-01", "50", "due:x")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	dues, err := store.ListDues(ctx, ledger.DueFilter{})
	require.NoError(t, err)
	assert.Empty(t, dues)
	_, err = store.GetWallet(ctx, "member-01", ledger.KindMember)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// DUES PROCESSING END TO END
// =============================================================================

func TestProcessDues_SQLite_EndToEnd(t *testing.T) {
	// GIVEN: 8 members, 2 contributed (20 and 40) to a weekly collection
	// WHEN: Dues processing runs twice
	// THEN: 6 dues of 30 (the average), wallets credited once, period closed

	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := adminCtx()

	res, err := svc.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID: "church-1", Name: "Sunday", Kind: ledger.KindWeekly,
		AmountType: ledger.AmountPerMember, ContributionMode: ledger.ModeVariable,
		DefaultAmount: dec("10"), DueDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	periodID := res.Period.ID

	for id, amount := range map[string]string{"member-01": "20", "member-02": "40"} {
		_, err := svc.RecordContribution(ctx, ledger.ContributionInput{
			PeriodID: periodID, EntityID: id, EntityKind: ledger.KindMember, Amount: dec(amount),
		})
		require.NoError(t, err)
	}

	summary, err := svc.ProcessDues(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PeriodsProcessed)
	assert.Equal(t, 6, summary.EntitiesProcessed)

	summary, err = svc.ProcessDues(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.PeriodsProcessed)

	dues, err := store.ListDues(context.Background(), ledger.DueFilter{PeriodID: periodID})
	require.NoError(t, err)
	require.Len(t, dues, 6)
	for _, d := range dues {
		assert.True(t, dec("30").Equal(d.Amount))
		snap, err := store.GetWallet(context.Background(), d.EntityID, ledger.KindMember)
		require.NoError(t, err)
		assert.True(t, dec("30").Equal(snap.Wallet.Balance))
	}

	p, err := store.GetPeriod(context.Background(), periodID)
	require.NoError(t, err)
	assert.True(t, p.DuesProcessed)
	assert.Equal(t, ledger.StatusProcessed, p.Status)

	runs, err := store.ListDuesRuns(context.Background(), periodID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 6, runs[0].Assessed)
	assert.Equal(t, "admin-1", runs[0].TriggeredBy)
	require.NotNil(t, runs[0].CompletedAt)

	report, err := svc.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
}

func TestProcessDues_SQLite_ConcurrentRunsAssessOnce(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)

	res, err := svc.OpenPeriod(adminCtx(), ledger.PeriodInput{
		ChurchID: "church-1", Name: "Roof", Kind: ledger.KindCampaign,
		AmountType: ledger.AmountPerHouse, ContributionMode: ledger.ModeVariable,
		MinimumAmount: dec("250"), DueDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	id := res.Period.ID

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessDues(adminCtx(), &id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	dues, err := store.ListDues(context.Background(), ledger.DueFilter{PeriodID: id})
	require.NoError(t, err)
	assert.Len(t, dues, 8)

	houses, err := store.EligibleHouses(context.Background(), "church-1")
	require.NoError(t, err)
	for _, h := range houses {
		snap, err := store.GetWallet(context.Background(), h.ID, ledger.KindHouse)
		require.NoError(t, err)
		assert.True(t, dec("250").Equal(snap.Wallet.Balance), "house %s", h.ID)
		assert.Len(t, snap.Entries, 1)
	}
}

func TestSettleDue_SQLite(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	svc := newService(t, store)
	ctx := adminCtx()

	res, err := svc.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID: "church-1", Name: "Roof", Kind: ledger.KindCampaign,
		AmountType: ledger.AmountPerMember, ContributionMode: ledger.ModeVariable,
		MinimumAmount: dec("80"), DueDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.ProcessDues(ctx, &res.Period.ID)
	require.NoError(t, err)

	dues, err := store.ListDues(context.Background(), ledger.DueFilter{EntityID: "member-01"})
	require.NoError(t, err)
	require.Len(t, dues, 1)

	part := dec("30")
	rec, wallet, err := svc.SettleDue(ctx, dues[0].ID, &part, "cash-7")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(rec.Balance))
	assert.True(t, dec("50").Equal(wallet.Balance))

	unpaid, err := store.ListDues(context.Background(), ledger.DueFilter{PeriodID: res.Period.ID, UnpaidOnly: true})
	require.NoError(t, err)
	assert.Len(t, unpaid, 8)

	_, _, err = svc.SettleDue(ctx, dues[0].ID, nil, "cash-7")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	got, err := store.GetDue(context.Background(), dues[0].ID)
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(got.Balance), "rolled back with the wallet debit")
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newStore(t)
	seedParish(t, store)
	ctx := context.Background()

	_, err := store.ApplyDelta(ctx, delta("member-01", "1", ""))
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	assert.Empty(t, wallets)
	churches, err := store.ListChurches(ctx)
	require.NoError(t, err)
	assert.Empty(t, churches)
}
