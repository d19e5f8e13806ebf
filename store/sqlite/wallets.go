package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// WALLET STORE (ledger.WalletStore interface)
// =============================================================================

// ApplyDelta upserts the wallet, increments the balance in SQL and appends
// the entry, all in one transaction.
func (s *Store) ApplyDelta(ctx context.Context, d ledger.WalletDelta) (ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w ledger.Wallet
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = applyDelta(ctx, tx, d)
		return err
	})
	return w, err
}

func (s *Store) GetWallet(ctx context.Context, ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, ownerID, kind)
}

func (s *Store) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWallets(ctx, s.db)
}

// =============================================================================
// QUERIES
// =============================================================================

func applyDelta(ctx context.Context, db execer, d ledger.WalletDelta) (ledger.Wallet, error) {
	if err := d.Validate(); err != nil {
		return ledger.Wallet{}, err
	}
	if d.IdempotencyKey != "" {
		var count int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM wallet_entries WHERE idempotency_key = ?`, d.IdempotencyKey,
		).Scan(&count); err != nil {
			return ledger.Wallet{}, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if count > 0 {
			return ledger.Wallet{}, ledger.ErrDuplicateIdempotencyKey
		}
	}

	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	minor, err := ledger.ToMinor(d.Amount)
	if err != nil {
		return ledger.Wallet{}, err
	}

	// Lazy creation and the increment in one statement.
	_, err = db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, owner_kind, owner_name, balance_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, owner_kind) DO UPDATE SET
			balance_cents = wallets.balance_cents + excluded.balance_cents,
			owner_name = COALESCE(wallets.owner_name, excluded.owner_name),
			updated_at = excluded.updated_at`,
		uuid.NewString(), d.OwnerID, d.OwnerKind, nullString(d.OwnerName), minor,
		formatTime(at), formatTime(at),
	)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to apply wallet delta: %w", err)
	}

	w, err := scanWallet(db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = ? AND owner_kind = ?`,
		d.OwnerID, d.OwnerKind,
	))
	if err != nil {
		return ledger.Wallet{}, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO wallet_entries
			(id, wallet_id, ref_transaction_id, ref_period_id, amount_cents, entry_type, memo, idempotency_key, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), w.ID, nullString(d.RefTransactionID), nullString(d.RefPeriodID),
		minor, d.Type, nullString(d.Memo), nullString(d.IdempotencyKey), formatTime(at),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Wallet{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Wallet{}, fmt.Errorf("failed to append wallet entry: %w", err)
	}
	return w, nil
}

const walletColumns = `id, owner_id, owner_kind, owner_name, balance_cents, created_at, updated_at`

func scanWallet(row rowScanner) (ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		name                 sql.NullString
		balance              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.OwnerKind, &name, &balance, &createdAt, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	w.OwnerName = name.String
	w.Balance = ledger.FromMinor(balance)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func getWallet(ctx context.Context, db execer, ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	w, err := scanWallet(db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = ? AND owner_kind = ?`,
		ownerID, kind,
	))
	if err == sql.ErrNoRows {
		return ledger.WalletSnapshot{}, &ledger.NotFoundError{Resource: "wallet", ID: ownerID}
	}
	if err != nil {
		return ledger.WalletSnapshot{}, fmt.Errorf("failed to get wallet: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, wallet_id, ref_transaction_id, ref_period_id, amount_cents, entry_type, memo, idempotency_key, date
		FROM wallet_entries
		WHERE wallet_id = ?
		ORDER BY rowid ASC`, w.ID)
	if err != nil {
		return ledger.WalletSnapshot{}, fmt.Errorf("failed to query wallet entries: %w", err)
	}
	defer rows.Close()

	snap := ledger.WalletSnapshot{Wallet: w}
	for rows.Next() {
		var (
			e                      ledger.WalletEntry
			ref, period, memo, key sql.NullString
			amount                 int64
			date                   string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &ref, &period, &amount, &e.Type, &memo, &key, &date); err != nil {
			return ledger.WalletSnapshot{}, fmt.Errorf("failed to scan wallet entry: %w", err)
		}
		e.RefTransactionID = ref.String
		e.RefPeriodID = period.String
		e.Memo = memo.String
		e.IdempotencyKey = key.String
		e.Amount = ledger.FromMinor(amount)
		e.Date = parseTime(date)
		snap.Entries = append(snap.Entries, e)
	}
	return snap, rows.Err()
}

func listWallets(ctx context.Context, db execer) ([]ledger.Wallet, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY owner_kind ASC, owner_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}
