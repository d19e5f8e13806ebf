package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// PERIOD STORE (ledger.PeriodStore interface)
// =============================================================================

func (s *Store) CreatePeriod(ctx context.Context, p *ledger.CollectionPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPeriod(ctx, s.db, p)
}

func (s *Store) GetPeriod(ctx context.Context, id string) (*ledger.CollectionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPeriod(ctx, s.db, id)
}

func (s *Store) ListPeriods(ctx context.Context, f ledger.PeriodFilter) ([]*ledger.CollectionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPeriods(ctx, s.db, f)
}

func (s *Store) UnprocessedPeriods(ctx context.Context, dueBy time.Time) ([]*ledger.CollectionPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unprocessedPeriods(ctx, s.db, dueBy)
}

// SaveContributions upserts every contributor row and the running totals
// in one transaction.
func (s *Store) SaveContributions(ctx context.Context, p *ledger.CollectionPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saveContributions(ctx, tx, p)
	})
}

func (s *Store) MarkDuesProcessed(ctx context.Context, id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markDuesProcessed(ctx, s.db, id, status, at)
}

// =============================================================================
// QUERIES
// =============================================================================

const periodColumns = `
	id, church_id, name, kind, amount_type, contribution_mode,
	fixed_amount_cents, minimum_amount_cents, default_amount_cents,
	due_date, start_date, end_date,
	total_collected_cents, total_contributors,
	status, dues_processed, dues_processed_at,
	created_by, created_at, updated_at`

func createPeriod(ctx context.Context, db execer, p *ledger.CollectionPeriod) error {
	query := `INSERT INTO collection_periods (` + periodColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cents, err := minorUnits(p.FixedAmount, p.MinimumAmount, p.DefaultAmount, p.TotalCollected)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query,
		p.ID, p.ChurchID, p.Name, p.Kind, p.AmountType, p.ContributionMode,
		cents[0], cents[1], cents[2],
		formatTime(p.DueDate), nullTime(p.StartDate), nullTime(p.EndDate),
		cents[3], p.TotalContributors,
		p.Status, boolInt(p.DuesProcessed), nullTime(p.DuesProcessedAt),
		nullString(p.CreatedBy), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("period %s already exists", p.ID)
		}
		return fmt.Errorf("failed to create period: %w", err)
	}
	if len(p.Contributors) > 0 {
		return saveContributions(ctx, db, p)
	}
	return nil
}

func getPeriod(ctx context.Context, db execer, id string) (*ledger.CollectionPeriod, error) {
	row := db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM collection_periods WHERE id = ?`, id)
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Resource: "period", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if err := loadContributors(ctx, db, []*ledger.CollectionPeriod{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func listPeriods(ctx context.Context, db execer, f ledger.PeriodFilter) ([]*ledger.CollectionPeriod, error) {
	if f.ChurchID != "" {
		return queryPeriods(ctx, db,
			`SELECT `+periodColumns+` FROM collection_periods WHERE church_id = ? ORDER BY due_date ASC, id ASC`,
			f.ChurchID)
	}
	return queryPeriods(ctx, db,
		`SELECT `+periodColumns+` FROM collection_periods ORDER BY due_date ASC, id ASC`)
}

func unprocessedPeriods(ctx context.Context, db execer, dueBy time.Time) ([]*ledger.CollectionPeriod, error) {
	return queryPeriods(ctx, db,
		`SELECT `+periodColumns+` FROM collection_periods
		 WHERE dues_processed = 0 AND due_date <= ?
		 ORDER BY due_date ASC, id ASC`,
		formatTime(dueBy))
}

// queryPeriods reads all period rows, closes the cursor, then loads the
// contributors. The store runs on a single connection, so nested cursors
// on *sql.DB would block.
func queryPeriods(ctx context.Context, db execer, query string, args ...any) ([]*ledger.CollectionPeriod, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}

	var periods []*ledger.CollectionPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := loadContributors(ctx, db, periods); err != nil {
		return nil, err
	}
	return periods, nil
}

func scanPeriod(row rowScanner) (*ledger.CollectionPeriod, error) {
	var (
		p                                 ledger.CollectionPeriod
		fixed, minimum, defaultAmt, total int64
		dueDate, createdAt, updatedAt     string
		startDate, endDate, processedAt   sql.NullString
		createdBy                         sql.NullString
		processed                         int
	)
	err := row.Scan(
		&p.ID, &p.ChurchID, &p.Name, &p.Kind, &p.AmountType, &p.ContributionMode,
		&fixed, &minimum, &defaultAmt,
		&dueDate, &startDate, &endDate,
		&total, &p.TotalContributors,
		&p.Status, &processed, &processedAt,
		&createdBy, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan period: %w", err)
	}

	p.FixedAmount = ledger.FromMinor(fixed)
	p.MinimumAmount = ledger.FromMinor(minimum)
	p.DefaultAmount = ledger.FromMinor(defaultAmt)
	p.TotalCollected = ledger.FromMinor(total)
	p.DueDate = parseTime(dueDate)
	p.StartDate = parseNullTime(startDate)
	p.EndDate = parseNullTime(endDate)
	p.DuesProcessed = processed != 0
	p.DuesProcessedAt = parseNullTime(processedAt)
	p.CreatedBy = createdBy.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func loadContributors(ctx context.Context, db execer, periods []*ledger.CollectionPeriod) error {
	for _, p := range periods {
		rows, err := db.QueryContext(ctx, `
			SELECT entity_id, entity_kind, contributed_cents, contributed_at, covered_members
			FROM period_contributors
			WHERE period_id = ?
			ORDER BY rowid ASC`, p.ID)
		if err != nil {
			return fmt.Errorf("failed to query contributors: %w", err)
		}

		for rows.Next() {
			var (
				c     ledger.Contributor
				cents int64
				at    string
			)
			if err := rows.Scan(&c.EntityID, &c.EntityKind, &cents, &at, &c.CoveredMembers); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan contributor: %w", err)
			}
			c.ContributedAmount = ledger.FromMinor(cents)
			c.ContributedAt = parseTime(at)
			p.Contributors = append(p.Contributors, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func saveContributions(ctx context.Context, db execer, p *ledger.CollectionPeriod) error {
	upsert := `
		INSERT INTO period_contributors
			(period_id, entity_id, entity_kind, contributed_cents, contributed_at, covered_members)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_id, entity_id) DO UPDATE SET
			contributed_cents = excluded.contributed_cents,
			contributed_at = excluded.contributed_at,
			covered_members = excluded.covered_members
	`
	total, err := ledger.ToMinor(p.TotalCollected)
	if err != nil {
		return err
	}
	for _, c := range p.Contributors {
		contributed, err := ledger.ToMinor(c.ContributedAmount)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, upsert,
			p.ID, c.EntityID, c.EntityKind, contributed,
			formatTime(c.ContributedAt), c.CoveredMembers,
		); err != nil {
			return fmt.Errorf("failed to save contributor %s: %w", c.EntityID, err)
		}
	}

	res, err := db.ExecContext(ctx, `
		UPDATE collection_periods
		SET total_collected_cents = ?, total_contributors = ?, updated_at = ?
		WHERE id = ?`,
		total, p.TotalContributors, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update period totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Resource: "period", ID: p.ID}
	}
	return nil
}

// markDuesProcessed flips the flag only if nobody else did.
func markDuesProcessed(ctx context.Context, db execer, id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE collection_periods
		SET dues_processed = 1, dues_processed_at = ?, status = ?, updated_at = ?
		WHERE id = ? AND dues_processed = 0`,
		formatTime(at), status, formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark dues processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collection_periods WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, &ledger.NotFoundError{Resource: "period", ID: id}
	}
	return false, nil
}
