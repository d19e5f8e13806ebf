/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the database with a parish
	hierarchy and collection periods. Each scenario demonstrates a specific
	part of the ledger.

AVAILABLE SCENARIOS:

	parish:             Hierarchy only (church, units, sub-groups, houses, members)
	overdue-campaign:   Variable per-house campaign past its due date, part paid
	fixed-levy:         Fixed per-member levy pushed into every member wallet
	weekly-collections: Three past weekly collections, average-based dues

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed the hierarchy through the SQLite writers
 3. Open periods through the ledger service
 4. Record contributions through the ledger service

The dues processor is NOT run; call POST /api/dues/process afterwards.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-campaign"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: scenario handlers are registered in server.go
  - store/sqlite/hierarchy.go: hierarchy writers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
	"github.com/warp/dues-ledger/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoChurchID = "st-joseph"

var scenarios = []ScenarioDTO{
	{
		ID:          "parish",
		Name:        "Parish Hierarchy",
		Description: "One church, 2 units, 4 sub-groups, 8 houses (one inactive) and 16 members",
	},
	{
		ID:          "overdue-campaign",
		Name:        "Overdue Campaign",
		Description: "Roof repair campaign per house, minimum 50.00, due last week; 3 houses contributed",
	},
	{
		ID:          "fixed-levy",
		Name:        "Fixed Levy",
		Description: "Fixed 20.00 per-member levy pushed into every active member wallet; 4 members paid",
	},
	{
		ID:          "weekly-collections",
		Name:        "Weekly Collections",
		Description: "Three closed weekly collections with default 5.00 and one open flexible offering",
	},
}

var scenarioLoaders = map[string]func(ctx context.Context, h *Handler) error{
	"parish":             loadParishScenario,
	"overdue-campaign":   loadOverdueCampaignScenario,
	"fixed-levy":         loadFixedLevyScenario,
	"weekly-collections": loadWeeklyCollectionsScenario,
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
	})
}

// loadScenario resets the database and runs the named loader.
func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return &ledger.NotFoundError{Resource: "scenario", ID: id}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	h.currentScenario = ""

	ctx = ledger.WithActor(ctx, ledger.Actor{ID: "demo-loader", Role: ledger.RoleAdmin})
	if err := load(ctx, h); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.Logger.Info("scenario loaded", zap.String("scenario_id", id))
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadParishScenario(ctx context.Context, h *Handler) error {
	return seedParish(ctx, h.Store)
}

func loadOverdueCampaignScenario(ctx context.Context, h *Handler) error {
	if err := seedParish(ctx, h.Store); err != nil {
		return err
	}
	now := h.Service.Now()

	res, err := h.Service.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID:         demoChurchID,
		Name:             "Roof Repair Campaign",
		Kind:             ledger.KindCampaign,
		AmountType:       ledger.AmountPerHouse,
		ContributionMode: ledger.ModeVariable,
		MinimumAmount:    decimal.NewFromInt(50),
		DueDate:          now.AddDate(0, 0, -7),
	})
	if err != nil {
		return err
	}

	return contribute(ctx, h, res.Period.ID, ledger.KindHouse, map[string]string{
		"house-1": "60.00",
		"house-2": "50.00",
		"house-5": "25.00",
	})
}

func loadFixedLevyScenario(ctx context.Context, h *Handler) error {
	if err := seedParish(ctx, h.Store); err != nil {
		return err
	}
	now := h.Service.Now()

	res, err := h.Service.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID:         demoChurchID,
		Name:             "Diocesan Levy",
		Kind:             ledger.KindCampaign,
		AmountType:       ledger.AmountPerMember,
		ContributionMode: ledger.ModeFixed,
		FixedAmount:      decimal.NewFromInt(20),
		MinimumAmount:    decimal.NewFromInt(20),
		DueDate:          now.AddDate(0, 0, 30),
	})
	if err != nil {
		return err
	}

	return contribute(ctx, h, res.Period.ID, ledger.KindMember, map[string]string{
		"member-1a": "20.00",
		"member-1b": "20.00",
		"member-2a": "20.00",
		"member-3a": "10.00",
	})
}

func loadWeeklyCollectionsScenario(ctx context.Context, h *Handler) error {
	if err := seedParish(ctx, h.Store); err != nil {
		return err
	}
	now := h.Service.Now()

	weeks := []struct {
		ago           int
		contributions map[string]string
	}{
		{21, map[string]string{"member-1a": "10.00", "member-2a": "5.00", "member-3a": "6.00"}},
		{14, map[string]string{"member-1a": "8.00", "member-4b": "4.00"}},
		{7, nil},
	}
	for i, wk := range weeks {
		res, err := h.Service.OpenPeriod(ctx, ledger.PeriodInput{
			ChurchID:         demoChurchID,
			Name:             fmt.Sprintf("Sunday Collection Week %d", i+1),
			Kind:             ledger.KindWeekly,
			AmountType:       ledger.AmountPerMember,
			ContributionMode: ledger.ModeVariable,
			DefaultAmount:    decimal.NewFromInt(5),
			DueDate:          now.AddDate(0, 0, -wk.ago),
		})
		if err != nil {
			return err
		}
		if err := contribute(ctx, h, res.Period.ID, ledger.KindMember, wk.contributions); err != nil {
			return err
		}
	}

	_, err := h.Service.OpenPeriod(ctx, ledger.PeriodInput{
		ChurchID:         demoChurchID,
		Name:             "Free-will Offering",
		Kind:             ledger.KindWeekly,
		AmountType:       ledger.AmountFlexible,
		ContributionMode: ledger.ModeVariable,
		DueDate:          now.AddDate(0, 0, -1),
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// seedParish writes st-joseph with units A and B, two sub-groups each, two
// houses per sub-group and two members per house. house-8 is inactive.
func seedParish(ctx context.Context, store *sqlite.Store) error {
	if err := store.SaveChurch(ctx, sqlite.Church{ID: demoChurchID, Name: "St. Joseph Parish"}); err != nil {
		return err
	}

	house := 0
	for _, unit := range []string{"a", "b"} {
		unitID := "unit-" + unit
		if err := store.SaveUnit(ctx, sqlite.Unit{ID: unitID, ChurchID: demoChurchID, Name: "Unit " + unit}); err != nil {
			return err
		}
		for g := 1; g <= 2; g++ {
			groupID := fmt.Sprintf("%s-group-%d", unitID, g)
			if err := store.SaveSubGroup(ctx, sqlite.SubGroup{ID: groupID, UnitID: unitID, Name: fmt.Sprintf("Group %d", g)}); err != nil {
				return err
			}
			for i := 0; i < 2; i++ {
				house++
				houseID := fmt.Sprintf("house-%d", house)
				active := house != 8
				if err := store.SaveHouse(ctx, sqlite.House{
					ID:         houseID,
					SubGroupID: groupID,
					Name:       fmt.Sprintf("House %d", house),
					Active:     active,
				}); err != nil {
					return err
				}
				for _, suffix := range []string{"a", "b"} {
					if err := store.SaveMember(ctx, sqlite.Member{
						ID:       fmt.Sprintf("member-%d%s", house, suffix),
						ChurchID: demoChurchID,
						HouseID:  houseID,
						Name:     fmt.Sprintf("Member %d%s", house, suffix),
						Active:   true,
					}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func contribute(ctx context.Context, h *Handler, periodID string, kind ledger.EntityKind, amounts map[string]string) error {
	for entityID, raw := range amounts {
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return err
		}
		if _, err := h.Service.RecordContribution(ctx, ledger.ContributionInput{
			PeriodID:         periodID,
			EntityID:         entityID,
			EntityKind:       kind,
			Amount:           amt,
			RefTransactionID: fmt.Sprintf("demo-%s-%s", periodID, entityID),
		}); err != nil {
			return err
		}
	}
	return nil
}
