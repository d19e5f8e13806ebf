package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-ledger/ledger"
)

// The entry insert failing after the balance increment must roll the whole
// delta back. A real SQLite file cannot be made to fail at that point, so
// these tests drive the statements through sqlmock.
func TestApplyDelta_EntryInsertFailureRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		duplicate bool
	}{
		{"storage failure", errors.New("disk I/O error"), false},
		{"unique violation from driver text", errors.New("UNIQUE constraint failed: wallet_entries.idempotency_key"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			s := &Store{db: db}

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM wallet_entries WHERE idempotency_key`).
				WithArgs("due:p-1:m-1").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectExec(`INSERT INTO wallets`).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectQuery(`FROM wallets WHERE owner_id = \? AND owner_kind = \?`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "owner_id", "owner_kind", "owner_name", "balance_cents", "created_at", "updated_at",
				}).AddRow("w-1", "m-1", "member", "Mary", 1500, "2026-03-01T12:00:00.000000Z", "2026-03-01T12:00:00.000000Z"))
			mock.ExpectExec(`INSERT INTO wallet_entries`).
				WillReturnError(tt.insertErr)
			mock.ExpectRollback()

			_, err = s.ApplyDelta(context.Background(), ledger.WalletDelta{
				OwnerID:        "m-1",
				OwnerKind:      ledger.KindMember,
				OwnerName:      "Mary",
				Amount:         ledger.FromMinor(1500),
				Type:           ledger.EntryDue,
				IdempotencyKey: "due:p-1:m-1",
			})

			require.Error(t, err)
			assert.Equal(t, tt.duplicate, errors.Is(err, ledger.ErrDuplicateIdempotencyKey))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplyDelta_KnownKeyShortCircuits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM wallet_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err = s.ApplyDelta(context.Background(), ledger.WalletDelta{
		OwnerID:        "m-1",
		OwnerKind:      ledger.KindMember,
		Amount:         ledger.FromMinor(-500),
		Type:           ledger.EntryContribution,
		IdempotencyKey: "contrib:bank-1",
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPing_ReportsConnectionFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectPing().WillReturnError(errors.New("database is locked"))

	assert.Error(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
