/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state:
	- Lots are registered per program
	- Booked sales drew the right quantities
	- The ledger audit is clean afterwards

These tests double as integration tests of the coordinator over SQLite.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_SingleProgram(t *testing.T) {
	// GIVEN: single-program scenario
	// WHEN: Loading it
	// THEN: Three active Smiles lots, nothing consumed
	ts := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.handler.loadScenario(ctx, "single-program"))

	lots, err := ts.store.ListLots(ctx, "smiles")
	require.NoError(t, err)
	assert.Len(t, lots, 3)

	balance, err := miles.BalanceFor(ctx, ts.store, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(160000), balance.Available)
	assert.Equal(t, int64(0), balance.Consumed)
}

func TestScenario_MultiProgram(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.handler.loadScenario(ctx, "multi-program"))

	// LATAM sale of 70,000 splits across both LATAM lots
	latam, err := miles.BalanceFor(ctx, ts.store, "latam-pass")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), latam.Available)
	assert.Equal(t, 1, latam.DepletedLots)

	smiles, err := miles.BalanceFor(ctx, ts.store, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), smiles.Available)

	tudo, err := miles.BalanceFor(ctx, ts.store, "tudoazul")
	require.NoError(t, err)
	assert.Equal(t, int64(35000), tudo.Available)

	list, err := ts.handler.Sales.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	report, err := ts.handler.Auditor.Audit(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Clean(), "violations: %v", report.Violations)
}

func TestScenario_LowInventory(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.handler.loadScenario(ctx, "low-inventory"))

	rec := ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 10000))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.handler.loadScenario(ctx, "multi-program"))
	require.NoError(t, ts.handler.loadScenario(ctx, "low-inventory"))

	lots, err := ts.store.ListLots(ctx, "")
	require.NoError(t, err)
	assert.Len(t, lots, 2)
	list, err := ts.handler.Sales.ListSales(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScenario_HTTPEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "single-program"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	current := decodeBody[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "single-program", current.ID)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]LotDTO](t, ts.do(t, http.MethodGet, "/api/lots", nil)))
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	ts := setupTestServer(t)
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			assert.NoError(t, ts.handler.loadScenario(context.Background(), s.ID))
		})
	}
}
