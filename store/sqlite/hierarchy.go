package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// HIERARCHY RECORDS
// =============================================================================
//
// The hierarchy is maintained by the admin platform. These writers exist for
// demo scenarios and tests; the ledger only reads through the Directory.

type Church struct {
	ID   string
	Name string
}

type Unit struct {
	ID       string
	ChurchID string
	Name     string
}

type SubGroup struct {
	ID     string
	UnitID string
	Name   string
}

type House struct {
	ID         string
	SubGroupID string
	Name       string
	Active     bool
}

type Member struct {
	ID       string
	ChurchID string
	HouseID  string // optional
	Name     string
	Active   bool
}

func (s *Store) SaveChurch(ctx context.Context, c Church) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO churches (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		c.ID, c.Name, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save church: %w", err)
	}
	return nil
}

func (s *Store) SaveUnit(ctx context.Context, u Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, church_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET church_id = excluded.church_id, name = excluded.name`,
		u.ID, u.ChurchID, u.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

func (s *Store) SaveSubGroup(ctx context.Context, g SubGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_groups (id, unit_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET unit_id = excluded.unit_id, name = excluded.name`,
		g.ID, g.UnitID, g.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to save sub-group: %w", err)
	}
	return nil
}

func (s *Store) SaveHouse(ctx context.Context, h House) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO houses (id, sub_group_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sub_group_id = excluded.sub_group_id, name = excluded.name, active = excluded.active`,
		h.ID, h.SubGroupID, h.Name, boolInt(h.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save house: %w", err)
	}
	return nil
}

func (s *Store) SaveMember(ctx context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, church_id, house_id, name, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			church_id = excluded.church_id, house_id = excluded.house_id,
			name = excluded.name, active = excluded.active`,
		m.ID, m.ChurchID, nullString(m.HouseID), m.Name, boolInt(m.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// ListChurches returns every church id and name.
func (s *Store) ListChurches(ctx context.Context) ([]Church, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM churches ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Church
	for rows.Next() {
		var c Church
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

// EligibleMembers returns the active members of a church.
func (s *Store) EligibleMembers(ctx context.Context, churchID string) ([]ledger.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntities(ctx, s.db, ledger.KindMember, `
		SELECT m.id, m.name, m.church_id
		FROM members m
		WHERE m.church_id = ? AND m.active = 1
		ORDER BY m.id ASC`, churchID)
}

// EligibleHouses resolves church -> units -> sub-groups -> houses.
func (s *Store) EligibleHouses(ctx context.Context, churchID string) ([]ledger.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEntities(ctx, s.db, ledger.KindHouse, `
		SELECT h.id, h.name, c.id
		FROM churches c
		JOIN units u ON u.church_id = c.id
		JOIN sub_groups g ON g.unit_id = u.id
		JOIN houses h ON h.sub_group_id = g.id
		WHERE c.id = ? AND h.active = 1
		ORDER BY h.id ASC`, churchID)
}

// Entity looks up one member or house, active or not.
func (s *Store) Entity(ctx context.Context, kind ledger.EntityKind, id string) (ledger.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch kind {
	case ledger.KindMember:
		query = `SELECT m.id, m.name, m.church_id FROM members m WHERE m.id = ?`
	case ledger.KindHouse:
		query = `
			SELECT h.id, h.name, u.church_id
			FROM houses h
			JOIN sub_groups g ON h.sub_group_id = g.id
			JOIN units u ON g.unit_id = u.id
			WHERE h.id = ?`
	default:
		return ledger.Entity{}, &ledger.ValidationError{Field: "entity_kind", Message: "must be member or house"}
	}

	e := ledger.Entity{Kind: kind}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.Name, &e.ChurchID)
	if err == sql.ErrNoRows {
		return ledger.Entity{}, &ledger.NotFoundError{Resource: string(kind), ID: id}
	}
	if err != nil {
		return ledger.Entity{}, fmt.Errorf("failed to look up %s: %w", kind, err)
	}
	return e, nil
}

func queryEntities(ctx context.Context, db execer, kind ledger.EntityKind, query string, args ...any) ([]ledger.Entity, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %ss: %w", kind, err)
	}
	defer rows.Close()

	var out []ledger.Entity
	for rows.Next() {
		e := ledger.Entity{Kind: kind}
		if err := rows.Scan(&e.ID, &e.Name, &e.ChurchID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
