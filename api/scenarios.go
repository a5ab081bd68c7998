/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	inventory for demos. Each scenario registers miles lots for one or
	more loyalty programs and optionally books sales against them.

AVAILABLE SCENARIOS:

	single-program: Three Smiles lots bought at different prices
	multi-program:  Smiles, LATAM Pass and TudoAzul lots plus two sales
	low-inventory:  3,000 miles left in total, to try shortfalls

HOW SCENARIOS WORK:
 1. Reset store (clear all data) and drop cached balances
 2. Register lots (remaining = original, active)
 3. Optionally create sales through the coordinator, so lots are drawn
    and consumption records written exactly as in production

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-program"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to loadScenario

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - sales/coordinator.go: CreateSale
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-program",
		Name:        "Single Program",
		Description: "Three Smiles lots at different prices, oldest consumed first",
	},
	{
		ID:          "multi-program",
		Name:        "Multi-Program",
		Description: "Smiles, LATAM Pass and TudoAzul inventory with two booked sales",
	},
	{
		ID:          "low-inventory",
		Name:        "Low Inventory",
		Description: "Only 3,000 Smiles miles left; a 10,000 mile sale falls short",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase drops every lot, record and sale.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	if err := h.reset(ctx); err != nil {
		return err
	}

	var err error
	switch id {
	case "single-program":
		err = h.loadSingleProgramScenario(ctx)
	case "multi-program":
		err = h.loadMultiProgramScenario(ctx)
	case "low-inventory":
		err = h.loadLowInventoryScenario(ctx)
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Log.Info(h.Log.WithField(ctx, "scenario", id), "scenario.loaded")
	return nil
}

// reset clears the store and the balances cached for the programs it held.
func (h *Handler) reset(ctx context.Context) error {
	lots, err := h.Store.ListLots(ctx, "")
	if err != nil {
		return miles.WrapStorage("list lots", err)
	}
	if err := h.Store.Reset(ctx); err != nil {
		return miles.WrapStorage("reset", err)
	}

	var programs []miles.ProgramID
	seen := make(map[miles.ProgramID]bool)
	for _, lot := range lots {
		if !seen[lot.ProgramID] {
			seen[lot.ProgramID] = true
			programs = append(programs, lot.ProgramID)
		}
	}
	if err := h.Balances.InvalidatePrograms(ctx, programs); err != nil {
		h.Log.Error(ctx, "balance_cache.invalidate_failed", err)
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type lotSpec struct {
	program  miles.ProgramID
	bought   time.Time
	quantity int64
	cpt      string
	desc     string
}

func (h *Handler) createLots(ctx context.Context, specs []lotSpec) error {
	for _, s := range specs {
		lot, err := miles.NewLot(s.program, s.bought, s.quantity, decimal.RequireFromString(s.cpt), s.desc)
		if err != nil {
			return err
		}
		if err := h.Store.CreateLot(ctx, lot); err != nil {
			return miles.WrapStorage("create lot", err)
		}
	}
	return nil
}

func scenarioYear() int { return time.Now().Year() - 1 }

func day(month time.Month, d int) time.Time {
	return time.Date(scenarioYear(), month, d, 0, 0, 0, 0, time.UTC)
}

func (h *Handler) loadSingleProgramScenario(ctx context.Context) error {
	return h.createLots(ctx, []lotSpec{
		{"smiles", day(time.January, 10), 50000, "17.50", "Smiles promo 100% bonus"},
		{"smiles", day(time.March, 5), 30000, "21.00", "Smiles club monthly"},
		{"smiles", day(time.June, 20), 80000, "19.25", "Smiles bulk purchase"},
	})
}

func (h *Handler) loadMultiProgramScenario(ctx context.Context) error {
	if err := h.createLots(ctx, []lotSpec{
		{"smiles", day(time.February, 1), 40000, "18.00", "Smiles transfer from card points"},
		{"smiles", day(time.May, 15), 25000, "20.00", "Smiles club monthly"},
		{"latam-pass", day(time.January, 20), 60000, "27.50", "LATAM Pass purchase"},
		{"latam-pass", day(time.August, 3), 15000, "29.90", "LATAM Pass top-up"},
		{"tudoazul", day(time.April, 11), 35000, "22.00", "TudoAzul transfer bonus"},
	}); err != nil {
		return err
	}

	_, err := h.Sales.CreateSale(ctx, sales.Sale{
		CustomerName:     "Mariana Costa",
		Description:      "GRU-LIS round trip",
		SaleDate:         day(time.September, 2),
		InstallmentCount: 3,
	}, []sales.LineItem{
		{Description: "GRU-LIS economy", Amount: decimal.RequireFromString("3200.00"), PaysWithMiles: true, ProgramID: "latam-pass", MilesRequired: 70000},
		{Description: "Airport transfer", Amount: decimal.RequireFromString("180.00")},
	})
	if err != nil {
		return err
	}

	_, err = h.Sales.CreateSale(ctx, sales.Sale{
		CustomerName:     "Rafael Lima",
		Description:      "CNF-REC one way",
		SaleDate:         day(time.October, 14),
		InstallmentCount: 1,
	}, []sales.LineItem{
		{Description: "CNF-REC", Amount: decimal.RequireFromString("890.00"), PaysWithMiles: true, ProgramID: "smiles", MilesRequired: 45000},
	})
	return err
}

func (h *Handler) loadLowInventoryScenario(ctx context.Context) error {
	return h.createLots(ctx, []lotSpec{
		{"smiles", day(time.March, 1), 1000, "18.00", "Leftover from promo"},
		{"smiles", day(time.July, 1), 2000, "21.00", "Leftover from club"},
	})
}
