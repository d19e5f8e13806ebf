package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-ledger/ledger"
)

func TestMemory_ListsOrderedSameInsideAndOutsideTx(t *testing.T) {
	// GIVEN: Wallets, dues and runs written in scrambled order
	mem := NewMemory()
	ctx := context.Background()
	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	period := &ledger.CollectionPeriod{ID: "p-1", Name: "Sunday"}
	for i, id := range []string{"m-07", "m-02", "m-05", "m-01", "m-09"} {
		e := ledger.Entity{ID: id, Kind: ledger.KindMember, Name: id}
		_, err := mem.ApplyDelta(ctx, ledger.WalletDelta{
			OwnerID:   id,
			OwnerKind: ledger.KindMember,
			Amount:    decimal.NewFromInt(5),
			Type:      ledger.EntryDue,
		})
		require.NoError(t, err)
		require.NoError(t, mem.InsertDue(ctx, ledger.NewDueRecord(fmt.Sprintf("due-%d", i), period, e, decimal.NewFromInt(5), at)))
		require.NoError(t, mem.SaveDuesRun(ctx, ledger.DuesRun{
			ID:        fmt.Sprintf("run-%d", i),
			PeriodID:  period.ID,
			Status:    ledger.RunCompleted,
			StartedAt: at.Add(time.Duration(i*7%5) * time.Minute),
		}))
	}
	_, err := mem.ApplyDelta(ctx, ledger.WalletDelta{
		OwnerID:   "h-01",
		OwnerKind: ledger.KindHouse,
		Amount:    decimal.NewFromInt(5),
		Type:      ledger.EntryDue,
	})
	require.NoError(t, err)

	wallets, err := mem.ListWallets(ctx)
	require.NoError(t, err)
	dues, err := mem.ListDues(ctx, ledger.DueFilter{})
	require.NoError(t, err)
	runs, err := mem.ListDuesRuns(ctx, "")
	require.NoError(t, err)

	// WHEN: The same lists are read inside a transaction
	err = mem.WithTx(ctx, func(tx ledger.Store) error {
		txWallets, err := tx.ListWallets(ctx)
		require.NoError(t, err)
		txDues, err := tx.ListDues(ctx, ledger.DueFilter{})
		require.NoError(t, err)
		txRuns, err := tx.ListDuesRuns(ctx, "")
		require.NoError(t, err)

		// THEN: The order matches
		assert.Equal(t, wallets, txWallets)
		assert.Equal(t, dues, txDues)
		assert.Equal(t, runs, txRuns)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, wallets, 6)
	assert.Equal(t, ledger.KindHouse, wallets[0].OwnerKind)
	assert.Equal(t, "m-01", wallets[1].OwnerID)
	assert.Equal(t, "m-09", wallets[5].OwnerID)
	assert.Equal(t, "m-01", dues[0].EntityID)
	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].StartedAt.After(runs[i-1].StartedAt), "runs newest first")
	}
}
