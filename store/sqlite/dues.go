package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// DUE STORE (ledger.DueStore interface)
// =============================================================================

// InsertDue creates a due record. The (period_id, entity_id) unique index
// turns a second insert into DuplicateProcessingError.
func (s *Store) InsertDue(ctx context.Context, d ledger.DueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertDue(ctx, s.db, d)
}

func (s *Store) GetDue(ctx context.Context, id string) (ledger.DueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDue(ctx, s.db, id)
}

func (s *Store) UpdateDuePayment(ctx context.Context, d ledger.DueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDuePayment(ctx, s.db, d)
}

func (s *Store) ListDues(ctx context.Context, f ledger.DueFilter) ([]ledger.DueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDues(ctx, s.db, f)
}

// =============================================================================
// QUERIES
// =============================================================================

const dueColumns = `
	id, period_id, entity_id, entity_kind, entity_name,
	amount_cents, paid_cents, balance_cents, is_paid,
	last_payment_ref, created_at, updated_at`

func insertDue(ctx context.Context, db execer, d ledger.DueRecord) error {
	cents, err := minorUnits(d.Amount, d.PaidAmount, d.Balance)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO dues (`+dueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PeriodID, d.EntityID, d.EntityKind, nullString(d.EntityName),
		cents[0], cents[1], cents[2], boolInt(d.IsPaid),
		nullString(d.LastPaymentRef), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.DuplicateProcessingError{PeriodID: d.PeriodID, EntityID: d.EntityID}
		}
		return fmt.Errorf("failed to insert due: %w", err)
	}
	return nil
}

func getDue(ctx context.Context, db execer, id string) (ledger.DueRecord, error) {
	d, err := scanDue(db.QueryRowContext(ctx, `SELECT `+dueColumns+` FROM dues WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ledger.DueRecord{}, &ledger.NotFoundError{Resource: "due", ID: id}
	}
	if err != nil {
		return ledger.DueRecord{}, fmt.Errorf("failed to get due: %w", err)
	}
	return d, nil
}

func updateDuePayment(ctx context.Context, db execer, d ledger.DueRecord) error {
	cents, err := minorUnits(d.PaidAmount, d.Balance)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE dues
		SET paid_cents = ?, balance_cents = ?, is_paid = ?, last_payment_ref = ?, updated_at = ?
		WHERE id = ?`,
		cents[0], cents[1], boolInt(d.IsPaid),
		nullString(d.LastPaymentRef), formatTime(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update due: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Resource: "due", ID: d.ID}
	}
	return nil
}

func listDues(ctx context.Context, db execer, f ledger.DueFilter) ([]ledger.DueRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.PeriodID != "" {
		where = append(where, "period_id = ?")
		args = append(args, f.PeriodID)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.UnpaidOnly {
		where = append(where, "is_paid = 0")
	}

	query := `SELECT ` + dueColumns + ` FROM dues`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_id ASC, entity_id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dues: %w", err)
	}
	defer rows.Close()

	var dues []ledger.DueRecord
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due: %w", err)
		}
		dues = append(dues, d)
	}
	return dues, rows.Err()
}

func scanDue(row rowScanner) (ledger.DueRecord, error) {
	var (
		d                     ledger.DueRecord
		name, ref             sql.NullString
		amount, paid, balance int64
		isPaid                int
		createdAt, updatedAt  string
	)
	err := row.Scan(
		&d.ID, &d.PeriodID, &d.EntityID, &d.EntityKind, &name,
		&amount, &paid, &balance, &isPaid,
		&ref, &createdAt, &updatedAt,
	)
	if err != nil {
		return ledger.DueRecord{}, err
	}
	d.EntityName = name.String
	d.Amount = ledger.FromMinor(amount)
	d.PaidAmount = ledger.FromMinor(paid)
	d.Balance = ledger.FromMinor(balance)
	d.IsPaid = isPaid != 0
	d.LastPaymentRef = ref.String
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}
