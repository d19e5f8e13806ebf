// Package store provides an in-memory ledger.TxStore and ledger.Directory.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state

	// FailDue, when set, is consulted before every due insert. Lets tests
	// simulate storage failures for a single entity.
	FailDue func(d ledger.DueRecord) error
}

type walletKey struct {
	OwnerID string
	Kind    ledger.EntityKind
}

type state struct {
	periods     map[string]*ledger.CollectionPeriod
	wallets     map[walletKey]ledger.Wallet
	entries     map[string][]ledger.WalletEntry // by wallet id
	idempotency map[string]bool
	dues        map[string]ledger.DueRecord
	dueKeys     map[string]string // period|entity -> due id
	runs        map[string]ledger.DuesRun

	entities map[walletKey]member
}

type member struct {
	ledger.Entity
	Active bool
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() state {
	return state{
		periods:     make(map[string]*ledger.CollectionPeriod),
		wallets:     make(map[walletKey]ledger.Wallet),
		entries:     make(map[string][]ledger.WalletEntry),
		idempotency: make(map[string]bool),
		dues:        make(map[string]ledger.DueRecord),
		dueKeys:     make(map[string]string),
		runs:        make(map[string]ledger.DuesRun),
		entities:    make(map[walletKey]member),
	}
}

// =============================================================================
// DIRECTORY
// =============================================================================

// AddEntity registers an active member or house.
func (m *Memory) AddEntity(e ledger.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[walletKey{OwnerID: e.ID, Kind: e.Kind}] = member{Entity: e, Active: true}
}

// Deactivate excludes an entity from eligibility without forgetting it.
func (m *Memory) Deactivate(kind ledger.EntityKind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := walletKey{OwnerID: id, Kind: kind}
	if e, ok := m.entities[k]; ok {
		e.Active = false
		m.entities[k] = e
	}
}

func (m *Memory) EligibleMembers(_ context.Context, churchID string) ([]ledger.Entity, error) {
	return m.eligible(ledger.KindMember, churchID), nil
}

func (m *Memory) EligibleHouses(_ context.Context, churchID string) ([]ledger.Entity, error) {
	return m.eligible(ledger.KindHouse, churchID), nil
}

func (m *Memory) eligible(kind ledger.EntityKind, churchID string) []ledger.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entity
	for _, e := range m.entities {
		if e.Kind == kind && e.ChurchID == churchID && e.Active {
			out = append(out, e.Entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Entity(_ context.Context, kind ledger.EntityKind, id string) (ledger.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[walletKey{OwnerID: id, Kind: kind}]
	if !ok {
		return ledger.Entity{}, &ledger.NotFoundError{Resource: string(kind), ID: id}
	}
	return e.Entity, nil
}

// =============================================================================
// STORE (locking wrappers)
// =============================================================================

func (m *Memory) CreatePeriod(_ context.Context, p *ledger.CollectionPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPeriodLocked(p)
}

func (m *Memory) GetPeriod(_ context.Context, id string) (*ledger.CollectionPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPeriodLocked(id)
}

func (m *Memory) ListPeriods(_ context.Context, f ledger.PeriodFilter) ([]*ledger.CollectionPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPeriodsLocked(func(p *ledger.CollectionPeriod) bool {
		return f.ChurchID == "" || p.ChurchID == f.ChurchID
	}), nil
}

func (m *Memory) UnprocessedPeriods(_ context.Context, dueBy time.Time) ([]*ledger.CollectionPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPeriodsLocked(func(p *ledger.CollectionPeriod) bool {
		return !p.DuesProcessed && !p.DueDate.After(dueBy)
	}), nil
}

func (m *Memory) SaveContributions(_ context.Context, p *ledger.CollectionPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveContributionsLocked(p)
}

func (m *Memory) MarkDuesProcessed(_ context.Context, id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markProcessedLocked(id, status, at)
}

func (m *Memory) ApplyDelta(_ context.Context, d ledger.WalletDelta) (ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(d)
}

func (m *Memory) GetWallet(_ context.Context, ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWalletLocked(ownerID, kind)
}

func (m *Memory) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWalletsLocked(), nil
}

func (m *Memory) InsertDue(_ context.Context, d ledger.DueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertDueLocked(d)
}

func (m *Memory) GetDue(_ context.Context, id string) (ledger.DueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDueLocked(id)
}

func (m *Memory) UpdateDuePayment(_ context.Context, d ledger.DueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDueLocked(d)
}

func (m *Memory) ListDues(_ context.Context, f ledger.DueFilter) ([]ledger.DueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDuesLocked(f), nil
}

func (m *Memory) SaveDuesRun(_ context.Context, r ledger.DuesRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) ListDuesRuns(_ context.Context, periodID string) ([]ledger.DuesRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDuesRunsLocked(periodID), nil
}

// =============================================================================
// LOCKED OPERATIONS
// =============================================================================

// listWalletsLocked returns wallets ordered by owner kind, then owner id.
func (m *Memory) listWalletsLocked() []ledger.Wallet {
	out := make([]ledger.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerKind != out[j].OwnerKind {
			return out[i].OwnerKind < out[j].OwnerKind
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}

// listDuesLocked returns matching dues ordered by period, then entity.
func (m *Memory) listDuesLocked(f ledger.DueFilter) []ledger.DueRecord {
	var out []ledger.DueRecord
	for _, d := range m.dues {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodID != out[j].PeriodID {
			return out[i].PeriodID < out[j].PeriodID
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// listDuesRunsLocked returns runs newest first.
func (m *Memory) listDuesRunsLocked(periodID string) []ledger.DuesRun {
	var out []ledger.DuesRun
	for _, r := range m.runs {
		if periodID == "" || r.PeriodID == periodID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Memory) createPeriodLocked(p *ledger.CollectionPeriod) error {
	if _, exists := m.periods[p.ID]; exists {
		return fmt.Errorf("period %s already exists", p.ID)
	}
	m.periods[p.ID] = p.Clone()
	return nil
}

func (m *Memory) getPeriodLocked(id string) (*ledger.CollectionPeriod, error) {
	p, ok := m.periods[id]
	if !ok {
		return nil, &ledger.NotFoundError{Resource: "period", ID: id}
	}
	return p.Clone(), nil
}

func (m *Memory) listPeriodsLocked(keep func(*ledger.CollectionPeriod) bool) []*ledger.CollectionPeriod {
	var out []*ledger.CollectionPeriod
	for _, p := range m.periods {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out
}

func (m *Memory) saveContributionsLocked(p *ledger.CollectionPeriod) error {
	stored, ok := m.periods[p.ID]
	if !ok {
		return &ledger.NotFoundError{Resource: "period", ID: p.ID}
	}
	cp := stored.Clone()
	cp.Contributors = append([]ledger.Contributor(nil), p.Contributors...)
	cp.TotalCollected = p.TotalCollected
	cp.TotalContributors = p.TotalContributors
	cp.UpdatedAt = p.UpdatedAt
	m.periods[p.ID] = cp
	return nil
}

func (m *Memory) markProcessedLocked(id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	p, ok := m.periods[id]
	if !ok {
		return false, &ledger.NotFoundError{Resource: "period", ID: id}
	}
	if p.DuesProcessed {
		return false, nil
	}
	p.DuesProcessed = true
	p.DuesProcessedAt = &at
	p.Status = status
	p.UpdatedAt = at
	return true, nil
}

func (m *Memory) applyDeltaLocked(d ledger.WalletDelta) (ledger.Wallet, error) {
	if err := d.Validate(); err != nil {
		return ledger.Wallet{}, err
	}
	if d.IdempotencyKey != "" && m.idempotency[d.IdempotencyKey] {
		return ledger.Wallet{}, ledger.ErrDuplicateIdempotencyKey
	}
	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	k := walletKey{OwnerID: d.OwnerID, Kind: d.OwnerKind}
	w, ok := m.wallets[k]
	if !ok {
		w = ledger.Wallet{
			ID:        uuid.NewString(),
			OwnerID:   d.OwnerID,
			OwnerKind: d.OwnerKind,
			OwnerName: d.OwnerName,
			Balance:   decimal.Zero,
			CreatedAt: at,
		}
	}
	w.Balance = w.Balance.Add(d.Amount)
	w.UpdatedAt = at
	m.wallets[k] = w

	m.entries[w.ID] = append(m.entries[w.ID], ledger.WalletEntry{
		ID:               uuid.NewString(),
		WalletID:         w.ID,
		RefTransactionID: d.RefTransactionID,
		RefPeriodID:      d.RefPeriodID,
		Amount:           d.Amount,
		Type:             d.Type,
		Memo:             d.Memo,
		IdempotencyKey:   d.IdempotencyKey,
		Date:             at,
	})
	if d.IdempotencyKey != "" {
		m.idempotency[d.IdempotencyKey] = true
	}
	return w, nil
}

func (m *Memory) getWalletLocked(ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	w, ok := m.wallets[walletKey{OwnerID: ownerID, Kind: kind}]
	if !ok {
		return ledger.WalletSnapshot{}, &ledger.NotFoundError{Resource: "wallet", ID: ownerID}
	}
	entries := append([]ledger.WalletEntry(nil), m.entries[w.ID]...)
	return ledger.WalletSnapshot{Wallet: w, Entries: entries}, nil
}

func dueKey(periodID, entityID string) string { return periodID + "|" + entityID }

func (m *Memory) insertDueLocked(d ledger.DueRecord) error {
	if m.FailDue != nil {
		if err := m.FailDue(d); err != nil {
			return err
		}
	}
	k := dueKey(d.PeriodID, d.EntityID)
	if _, exists := m.dueKeys[k]; exists {
		return &ledger.DuplicateProcessingError{PeriodID: d.PeriodID, EntityID: d.EntityID}
	}
	m.dues[d.ID] = d
	m.dueKeys[k] = d.ID
	return nil
}

func (m *Memory) getDueLocked(id string) (ledger.DueRecord, error) {
	d, ok := m.dues[id]
	if !ok {
		return ledger.DueRecord{}, &ledger.NotFoundError{Resource: "due", ID: id}
	}
	return d, nil
}

func (m *Memory) updateDueLocked(d ledger.DueRecord) error {
	existing, ok := m.dues[d.ID]
	if !ok {
		return &ledger.NotFoundError{Resource: "due", ID: d.ID}
	}
	existing.PaidAmount = d.PaidAmount
	existing.Balance = d.Balance
	existing.IsPaid = d.IsPaid
	existing.LastPaymentRef = d.LastPaymentRef
	existing.UpdatedAt = d.UpdatedAt
	m.dues[d.ID] = existing
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.state = snap
		return err
	}
	return nil
}

func (m *Memory) snapshot() state {
	s := newState()
	for k, v := range m.periods {
		s.periods[k] = v.Clone()
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = append([]ledger.WalletEntry(nil), v...)
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.dues {
		s.dues[k] = v
	}
	for k, v := range m.dueKeys {
		s.dueKeys[k] = v
	}
	for k, v := range m.runs {
		s.runs[k] = v
	}
	for k, v := range m.entities {
		s.entities[k] = v
	}
	return s
}

// txView runs against the parent while its lock is held.
type txView struct {
	parent *Memory
}

func (tv *txView) CreatePeriod(_ context.Context, p *ledger.CollectionPeriod) error {
	return tv.parent.createPeriodLocked(p)
}

func (tv *txView) GetPeriod(_ context.Context, id string) (*ledger.CollectionPeriod, error) {
	return tv.parent.getPeriodLocked(id)
}

func (tv *txView) ListPeriods(_ context.Context, f ledger.PeriodFilter) ([]*ledger.CollectionPeriod, error) {
	return tv.parent.listPeriodsLocked(func(p *ledger.CollectionPeriod) bool {
		return f.ChurchID == "" || p.ChurchID == f.ChurchID
	}), nil
}

func (tv *txView) UnprocessedPeriods(_ context.Context, dueBy time.Time) ([]*ledger.CollectionPeriod, error) {
	return tv.parent.listPeriodsLocked(func(p *ledger.CollectionPeriod) bool {
		return !p.DuesProcessed && !p.DueDate.After(dueBy)
	}), nil
}

func (tv *txView) SaveContributions(_ context.Context, p *ledger.CollectionPeriod) error {
	return tv.parent.saveContributionsLocked(p)
}

func (tv *txView) MarkDuesProcessed(_ context.Context, id string, status ledger.PeriodStatus, at time.Time) (bool, error) {
	return tv.parent.markProcessedLocked(id, status, at)
}

func (tv *txView) ApplyDelta(_ context.Context, d ledger.WalletDelta) (ledger.Wallet, error) {
	return tv.parent.applyDeltaLocked(d)
}

func (tv *txView) GetWallet(_ context.Context, ownerID string, kind ledger.EntityKind) (ledger.WalletSnapshot, error) {
	return tv.parent.getWalletLocked(ownerID, kind)
}

func (tv *txView) ListWallets(_ context.Context) ([]ledger.Wallet, error) {
	return tv.parent.listWalletsLocked(), nil
}

func (tv *txView) InsertDue(_ context.Context, d ledger.DueRecord) error {
	return tv.parent.insertDueLocked(d)
}

func (tv *txView) GetDue(_ context.Context, id string) (ledger.DueRecord, error) {
	return tv.parent.getDueLocked(id)
}

func (tv *txView) UpdateDuePayment(_ context.Context, d ledger.DueRecord) error {
	return tv.parent.updateDueLocked(d)
}

func (tv *txView) ListDues(_ context.Context, f ledger.DueFilter) ([]ledger.DueRecord, error) {
	return tv.parent.listDuesLocked(f), nil
}

func (tv *txView) SaveDuesRun(_ context.Context, r ledger.DuesRun) error {
	tv.parent.runs[r.ID] = r
	return nil
}

func (tv *txView) ListDuesRuns(_ context.Context, periodID string) ([]ledger.DuesRun, error) {
	return tv.parent.listDuesRunsLocked(periodID), nil
}

var (
	_ ledger.TxStore   = (*Memory)(nil)
	_ ledger.Directory = (*Memory)(nil)
	_ ledger.Store     = (*txView)(nil)
)
