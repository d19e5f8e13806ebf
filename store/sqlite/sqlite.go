/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces and the hierarchy Directory.

PURPOSE:
  Implements ledger.TxStore (periods, wallets, dues, runs) and
  ledger.Directory (church -> unit -> sub-group -> house -> member) on one
  SQLite database. In production the same SQL runs on PostgreSQL with minor
  dialect changes.

MONEY:
  Amounts are stored as INTEGER cents. Wallet balances and period totals are
  incremented in SQL (balance_cents = balance_cents + ?), never read,
  modified and written back from Go.

KEY TABLES:
  collection_periods:   period configuration + running totals + processed flag
  period_contributors:  one row per (period, entity), PRIMARY KEY enforces uniqueness
  wallets:              one row per (owner_id, owner_kind)
  wallet_entries:       memo trail, idempotency_key UNIQUE
  dues:                 one row per (period, entity), UNIQUE index
  dues_runs:            audit trail of processing attempts
  churches, units, sub_groups, houses, members: hierarchy read by the Directory

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock for
  the whole transaction. MarkDuesProcessed is a conditional UPDATE.

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-ledger/ledger"
)

// Store implements ledger.TxStore and ledger.Directory using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Hierarchy (owned by the admin platform, read by the Directory)
	CREATE TABLE IF NOT EXISTS churches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		church_id TEXT NOT NULL REFERENCES churches(id),
		name TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_units_church ON units(church_id);

	CREATE TABLE IF NOT EXISTS sub_groups (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL REFERENCES units(id),
		name TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sub_groups_unit ON sub_groups(unit_id);

	CREATE TABLE IF NOT EXISTS houses (
		id TEXT PRIMARY KEY,
		sub_group_id TEXT NOT NULL REFERENCES sub_groups(id),
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_houses_sub_group ON houses(sub_group_id);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		church_id TEXT NOT NULL REFERENCES churches(id),
		house_id TEXT REFERENCES houses(id),
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_members_church ON members(church_id, active);

	-- Collection periods
	CREATE TABLE IF NOT EXISTS collection_periods (
		id TEXT PRIMARY KEY,
		church_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount_type TEXT NOT NULL,
		contribution_mode TEXT NOT NULL,
		fixed_amount_cents INTEGER NOT NULL DEFAULT 0,
		minimum_amount_cents INTEGER NOT NULL DEFAULT 0,
		default_amount_cents INTEGER NOT NULL DEFAULT 0,
		due_date TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		total_collected_cents INTEGER NOT NULL DEFAULT 0,
		total_contributors INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		dues_processed INTEGER NOT NULL DEFAULT 0,
		dues_processed_at TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path for the sweep
	CREATE INDEX IF NOT EXISTS idx_periods_unprocessed_due
		ON collection_periods(dues_processed, due_date);
	CREATE INDEX IF NOT EXISTS idx_periods_church
		ON collection_periods(church_id);

	CREATE TABLE IF NOT EXISTS period_contributors (
		period_id TEXT NOT NULL REFERENCES collection_periods(id),
		entity_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		contributed_cents INTEGER NOT NULL,
		contributed_at TEXT NOT NULL,
		covered_members INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (period_id, entity_id)
	);

	-- Wallets
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		owner_kind TEXT NOT NULL,
		owner_name TEXT,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(owner_id, owner_kind)
	);

	CREATE TABLE IF NOT EXISTS wallet_entries (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		ref_transaction_id TEXT,
		ref_period_id TEXT,
		amount_cents INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		memo TEXT,
		idempotency_key TEXT UNIQUE,
		date TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_entries_wallet
		ON wallet_entries(wallet_id);

	-- Due ledger
	CREATE TABLE IF NOT EXISTS dues (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES collection_periods(id),
		entity_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_name TEXT,
		amount_cents INTEGER NOT NULL,
		paid_cents INTEGER NOT NULL DEFAULT 0,
		balance_cents INTEGER NOT NULL,
		is_paid INTEGER NOT NULL DEFAULT 0,
		last_payment_ref TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one due per (period, entity), even across concurrent runs
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dues_period_entity
		ON dues(period_id, entity_id);
	CREATE INDEX IF NOT EXISTS idx_dues_entity
		ON dues(entity_id);

	-- Dues runs
	CREATE TABLE IF NOT EXISTS dues_runs (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL,
		status TEXT NOT NULL,
		due_amount_cents INTEGER NOT NULL DEFAULT 0,
		eligible INTEGER NOT NULL DEFAULT 0,
		non_contributors INTEGER NOT NULL DEFAULT 0,
		assessed INTEGER NOT NULL DEFAULT 0,
		already_assessed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		triggered_by TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_dues_runs_period
		ON dues_runs(period_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

// inTx runs fn in a fresh transaction. Caller holds the write lock.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent's lock is
// already held, so nothing here locks.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreatePeriod(ctx context.Context, p *ledger.CollectionPeriod) error {
	return createPeriod(ctx, ts.tx, p)
}

func (ts *txStore) GetPeriod(ctx context.Context, id string) (*ledger.CollectionPeriod, error) {
	return getPeriod(ctx, ts.tx, id)
}

func (ts *txStore) ListPeriods(ctx context.Context, f ledger.PeriodFilter) ([]*ledger.CollectionPeriod, error) {
	return listPeriods(ctx, ts.tx, f)
}

func (ts *txStore) UnprocessedPeriods(ctx context.Context, dueBy time.Time) ([]*ledger.CollectionPeriod, error) {
	return unprocessedPeriods(ctx, ts.tx, dueBy)
}

func (ts *txStore) SaveContributions(ctx context.Context, p *ledger.CollectionPeriod) error {
	return saveContributions(ctx, ts.tx, p)
}

func (ts *txStore) MarkDuesProcessed(ctx context.Context, id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	return markDuesProcessed(ctx, ts.tx, id, status, at)
}

func (ts *txStore) ApplyDelta(ctx context.Context, d ledger.WalletDelta) (ledger.Wallet, error) {
	return applyDelta(ctx, ts.tx, d)
}

func (ts *txStore) GetWallet(ctx context.Context, ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	return getWallet(ctx, ts.tx, ownerID, kind)
}

func (ts *txStore) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	return listWallets(ctx, ts.tx)
}

func (ts *txStore) InsertDue(ctx context.Context, d ledger.DueRecord) error {
	return insertDue(ctx, ts.tx, d)
}

func (ts *txStore) GetDue(ctx context.Context, id string) (ledger.DueRecord, error) {
	return getDue(ctx, ts.tx, id)
}

func (ts *txStore) UpdateDuePayment(ctx context.Context, d ledger.DueRecord) error {
	return updateDuePayment(ctx, ts.tx, d)
}

func (ts *txStore) ListDues(ctx context.Context, f ledger.DueFilter) ([]ledger.DueRecord, error) {
	return listDues(ctx, ts.tx, f)
}

func (ts *txStore) SaveDuesRun(ctx context.Context, r ledger.DuesRun) error {
	return saveDuesRun(ctx, ts.tx, r)
}

func (ts *txStore) ListDuesRuns(ctx context.Context, periodID string) ([]ledger.DuesRun, error) {
	return listDuesRuns(ctx, ts.tx, periodID)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children first for the foreign keys.
	tables := []string{
		"dues_runs", "dues", "wallet_entries", "wallets",
		"period_contributors", "collection_periods",
		"members", "houses", "sub_groups", "units", "churches",
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

// Timestamps are stored in UTC with a fixed width so that string
// comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// minorUnits converts amounts to the integer cents stored in *_cents columns.
func minorUnits(amounts ...decimal.Decimal) ([]int64, error) {
	out := make([]int64, len(amounts))
	for i, a := range amounts {
		m, err := ledger.ToMinor(a)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ ledger.TxStore   = (*Store)(nil)
	_ ledger.Directory = (*Store)(nil)
	_ ledger.Store     = (*txStore)(nil)
)
