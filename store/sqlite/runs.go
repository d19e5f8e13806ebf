package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// DUES RUNS (ledger.RunStore interface)
// =============================================================================

// SaveDuesRun saves a dues run. Called once when processing starts and again
// with the final counts.
func (s *Store) SaveDuesRun(ctx context.Context, r ledger.DuesRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDuesRun(ctx, s.db, r)
}

// ListDuesRuns returns dues runs, newest first.
func (s *Store) ListDuesRuns(ctx context.Context, periodID string) ([]ledger.DuesRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDuesRuns(ctx, s.db, periodID)
}

func saveDuesRun(ctx context.Context, db execer, r ledger.DuesRun) error {
	query := `
		INSERT INTO dues_runs (id, period_id, status, due_amount_cents, eligible, non_contributors,
			assessed, already_assessed, failed, error, triggered_by, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			due_amount_cents = excluded.due_amount_cents,
			eligible = excluded.eligible,
			non_contributors = excluded.non_contributors,
			assessed = excluded.assessed,
			already_assessed = excluded.already_assessed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	dueAmount, err := ledger.ToMinor(r.DueAmount)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query,
		r.ID, r.PeriodID, r.Status, dueAmount,
		r.Eligible, r.NonContributors, r.Assessed, r.AlreadyAssessed, r.Failed,
		nullString(r.Error), nullString(r.TriggeredBy),
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save dues run: %w", err)
	}
	return nil
}

func listDuesRuns(ctx context.Context, db execer, periodID string) ([]ledger.DuesRun, error) {
	query := `
		SELECT id, period_id, status, due_amount_cents, eligible, non_contributors,
			assessed, already_assessed, failed, error, triggered_by, started_at, completed_at
		FROM dues_runs`
	var args []any
	if periodID != "" {
		query += ` WHERE period_id = ?`
		args = append(args, periodID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dues runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.DuesRun
	for rows.Next() {
		var (
			r                  ledger.DuesRun
			dueAmount          int64
			errText, triggered sql.NullString
			startedAt          string
			completedAt        sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.PeriodID, &r.Status, &dueAmount, &r.Eligible, &r.NonContributors,
			&r.Assessed, &r.AlreadyAssessed, &r.Failed, &errText, &triggered, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dues run: %w", err)
		}
		r.DueAmount = ledger.FromMinor(dueAmount)
		r.Error = errText.String
		r.TriggeredBy = triggered.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
