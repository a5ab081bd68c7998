/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Lot intake and program balances
- Sale create / update / delete with allocation and reversal
- Error mapping (400, 404, 422)
- Audit, health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler *Handler
	router  *chi.Mux
	store   *sqlite.Store
}

func setupTestServer(t *testing.T, engineOpts ...miles.Option) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coordinator := sales.NewCoordinator(store, sales.WithEngineOptions(engineOpts...))
	h := NewHandler(store, coordinator, nil, nil)
	return &testServer{handler: h, router: NewRouter(h), store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) addLot(t *testing.T, program string, bought string, qty int64, cpt string) LotDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/lots", map[string]any{
		"programId":       program,
		"purchaseDate":    bought,
		"quantity":        qty,
		"costPerThousand": cpt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[LotDTO](t, rec)
}

func milesSale(program string, qty int64) map[string]any {
	return map[string]any{
		"customerName":     "Ana Souza",
		"saleDate":         "2025-03-10",
		"installmentCount": 2,
		"lineItems": []map[string]any{
			{"description": "GRU-MIA", "amount": "1500.00", "paysWithMiles": true, "programId": program, "milesRequired": qty},
		},
	}
}

// =============================================================================
// LOTS & BALANCES
// =============================================================================

func TestCreateLot_ShowsInBalance(t *testing.T) {
	// GIVEN: An empty store
	ts := setupTestServer(t)

	// WHEN: Registering two lots
	lot := ts.addLot(t, "smiles", "2025-01-01", 10000, "20")
	ts.addLot(t, "smiles", "2025-02-01", 5000, "30")

	// THEN: The lot starts full and active
	assert.Equal(t, int64(10000), lot.RemainingQuantity)
	assert.Equal(t, "active", lot.Status)

	// AND: The program balance sums both lots
	rec := ts.do(t, http.MethodGet, "/api/programs/smiles/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[miles.ProgramBalance](t, rec)
	assert.Equal(t, int64(15000), balance.Available)
	assert.Equal(t, 2, balance.ActiveLots)
	assert.True(t, decimal.NewFromInt(350).Equal(balance.RemainingValue))

	rec = ts.do(t, http.MethodGet, "/api/programs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]miles.ProgramBalance](t, rec), 1)
}

func TestCreateLot_ValidationErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing program", map[string]any{"purchaseDate": "2025-01-01", "quantity": 1000, "costPerThousand": "20"}, "programId"},
		{"zero quantity", map[string]any{"programId": "smiles", "purchaseDate": "2025-01-01", "quantity": 0, "costPerThousand": "20"}, "quantity"},
		{"bad date", map[string]any{"programId": "smiles", "purchaseDate": "01/02/2025", "quantity": 1000, "costPerThousand": "20"}, "purchaseDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/lots", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeBody[ErrorResponse](t, rec)
			details, ok := resp.Details.(map[string]any)
			require.True(t, ok, "details should be a field map: %v", resp.Details)
			assert.Contains(t, details, "CreateLotRequest."+tt.field)
		})
	}
}

func TestCreateLot_RejectsUnknownFields(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/lots", `{"programId":"smiles","purchaseDate":"2025-01-01","quantity":1000,"costPerThousand":"20","remaining":5}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLot_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/lots/does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SALES
// =============================================================================

func TestCreateSale_SplitsAcrossLots(t *testing.T) {
	// GIVEN: Lot A (1,000 @ 20) bought before lot B (1,000 @ 30)
	ts := setupTestServer(t)
	a := ts.addLot(t, "smiles", "2025-01-01", 1000, "20")
	b := ts.addLot(t, "smiles", "2025-02-01", 1000, "30")

	// WHEN: Selling 1,500 miles
	rec := ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 1500))

	// THEN: A is drained first, B covers the rest
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[SaleResultDTO](t, rec)
	require.Len(t, res.Allocations, 1)
	draws := res.Allocations[0].Draws
	require.Len(t, draws, 2)
	assert.Equal(t, a.ID, draws[0].LotID)
	assert.Equal(t, int64(1000), draws[0].Quantity)
	assert.True(t, draws[0].Depleted)
	assert.Equal(t, b.ID, draws[1].LotID)
	assert.Equal(t, int64(500), draws[1].Quantity)

	// AND: Cost is 1.0 x 20 + 0.5 x 30
	assert.True(t, decimal.NewFromInt(35).Equal(res.Allocations[0].TotalCost))
	assert.True(t, decimal.NewFromInt(35).Equal(res.Sale.LineItems[0].MilesCost))
	assert.True(t, decimal.RequireFromString("23.3333").Equal(res.Sale.LineItems[0].CostPerThousand))
	assert.Len(t, res.Installments, 2)

	// AND: Lots reflect the draws
	lotA := decodeBody[LotDTO](t, ts.do(t, http.MethodGet, "/api/lots/"+a.ID, nil))
	lotB := decodeBody[LotDTO](t, ts.do(t, http.MethodGet, "/api/lots/"+b.ID, nil))
	assert.Equal(t, "depleted", lotA.Status)
	assert.Equal(t, int64(500), lotB.RemainingQuantity)
	assert.Equal(t, "active", lotB.Status)

	// AND: One record per lot touched
	recs := decodeBody[[]RecordDTO](t, ts.do(t, http.MethodGet, "/api/sales/"+res.Sale.ID+"/records", nil))
	assert.Len(t, recs, 2)
}

func TestCreateSale_InsufficientInventoryIs422(t *testing.T) {
	// GIVEN: Only 3,000 miles in stock
	ts := setupTestServer(t)
	ts.addLot(t, "smiles", "2025-01-01", 1000, "20")
	ts.addLot(t, "smiles", "2025-02-01", 2000, "20")

	// WHEN: Selling 10,000 miles
	rec := ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 10000))

	// THEN: The request is rejected with the shortfall
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	details := resp.Details.(map[string]any)
	assert.EqualValues(t, 7000, details["shortfall"])
	assert.EqualValues(t, 3000, details["available"])

	// AND: Nothing was drawn or saved
	balance := decodeBody[miles.ProgramBalance](t, ts.do(t, http.MethodGet, "/api/programs/smiles/balance", nil))
	assert.Equal(t, int64(3000), balance.Available)
	assert.Empty(t, decodeBody[[]SaleDTO](t, ts.do(t, http.MethodGet, "/api/sales", nil)))
}

func TestCreateSale_PartialPolicyWarns(t *testing.T) {
	// GIVEN: An engine that accepts partial allocations
	ts := setupTestServer(t, miles.WithShortfallPolicy(miles.ShortfallPartial))
	ts.addLot(t, "smiles", "2025-01-01", 3000, "20")

	// WHEN: Selling more than is available
	rec := ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 10000))

	// THEN: The sale goes through with a warning and the shortfall on the item
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[SaleResultDTO](t, rec)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, int64(7000), res.Allocations[0].Shortfall)
	assert.Equal(t, int64(7000), res.Sale.LineItems[0].Shortfall)
}

func TestCreateSale_MilesItemWithoutProgramIs400(t *testing.T) {
	ts := setupTestServer(t)
	body := milesSale("", 1000)

	rec := ts.do(t, http.MethodPost, "/api/sales", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSale_LineItemIDs(t *testing.T) {
	// GIVEN: A sale whose item carries the client id "leg-1"
	ts := setupTestServer(t)
	ts.addLot(t, "smiles", "2025-01-01", 10000, "20")
	first := milesSale("smiles", 1000)
	first["lineItems"].([]map[string]any)[0]["id"] = "leg-1"
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/sales", first).Code)

	// WHEN: Another sale reuses "leg-1"
	again := milesSale("smiles", 2000)
	again["lineItems"].([]map[string]any)[0]["id"] = "leg-1"
	rec := ts.do(t, http.MethodPost, "/api/sales", again)

	// THEN: It conflicts and draws nothing
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	balance := decodeBody[miles.ProgramBalance](t, ts.do(t, http.MethodGet, "/api/programs/smiles/balance", nil))
	assert.Equal(t, int64(9000), balance.Available)

	// WHEN: One sale names the same id twice
	twice := milesSale("smiles", 500)
	items := twice["lineItems"].([]map[string]any)
	items[0]["id"] = "leg-2"
	items = append(items, map[string]any{"id": "leg-2", "description": "MIA-GRU", "amount": "900.00", "paysWithMiles": true, "programId": "smiles", "milesRequired": 500})
	twice["lineItems"] = items
	rec = ts.do(t, http.MethodPost, "/api/sales", twice)

	// THEN: It is a bad request
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[[]SaleDTO](t, ts.do(t, http.MethodGet, "/api/sales", nil)), 1)
}

func TestUpdateSale_ReversesBeforeReallocating(t *testing.T) {
	// GIVEN: A sale that drew 2,000 miles
	ts := setupTestServer(t)
	ts.addLot(t, "smiles", "2025-01-01", 1000, "20")
	ts.addLot(t, "smiles", "2025-02-01", 5000, "30")
	created := decodeBody[SaleResultDTO](t, ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 2000)))

	// WHEN: Editing it down to 500
	rec := ts.do(t, http.MethodPut, "/api/sales/"+created.Sale.ID, milesSale("smiles", 500))

	// THEN: The old draws are reversed and only 500 are consumed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[SaleResultDTO](t, rec)
	require.NotNil(t, res.Reversal)
	assert.Equal(t, int64(2000), res.Reversal.RestoredQuantity)
	assert.Equal(t, created.Sale.ID, res.Sale.ID)

	balance := decodeBody[miles.ProgramBalance](t, ts.do(t, http.MethodGet, "/api/programs/smiles/balance", nil))
	assert.Equal(t, int64(5500), balance.Available)
	assert.Equal(t, int64(500), balance.Consumed)
	assert.Equal(t, 0, balance.DepletedLots)
}

func TestUpdateSale_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/sales/missing", milesSale("smiles", 500))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSale_RestoresLots(t *testing.T) {
	// GIVEN: A sale that depleted a lot
	ts := setupTestServer(t)
	lot := ts.addLot(t, "smiles", "2025-01-01", 1000, "20")
	created := decodeBody[SaleResultDTO](t, ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 1000)))

	// WHEN: Deleting the sale
	rec := ts.do(t, http.MethodDelete, "/api/sales/"+created.Sale.ID, nil)

	// THEN: The lot is full and active again
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rev := decodeBody[ReversalDTO](t, rec)
	assert.Equal(t, int64(1000), rev.RestoredQuantity)
	assert.Equal(t, 1, rev.RecordsDeleted)

	restored := decodeBody[LotDTO](t, ts.do(t, http.MethodGet, "/api/lots/"+lot.ID, nil))
	assert.Equal(t, int64(1000), restored.RemainingQuantity)
	assert.Equal(t, "active", restored.Status)

	// AND: The sale and its schedule are gone
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sales/"+created.Sale.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sales/"+created.Sale.ID+"/installments", nil).Code)

	// AND: Deleting twice is a 404, not a double restore
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/sales/"+created.Sale.ID, nil).Code)
	again := decodeBody[LotDTO](t, ts.do(t, http.MethodGet, "/api/lots/"+lot.ID, nil))
	assert.Equal(t, int64(1000), again.RemainingQuantity)
}

func TestGetLotRecords(t *testing.T) {
	ts := setupTestServer(t)
	lot := ts.addLot(t, "smiles", "2025-01-01", 5000, "20")
	ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 1000))
	ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 2000))

	rec := ts.do(t, http.MethodGet, "/api/lots/"+lot.ID+"/records", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	recs := decodeBody[[]RecordDTO](t, rec)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1000), recs[0].Quantity)
	assert.True(t, decimal.NewFromInt(20).Equal(recs[0].TotalValue))
}

// =============================================================================
// AUDIT, HEALTH, METRICS
// =============================================================================

func TestRunAudit_CleanAfterSales(t *testing.T) {
	ts := setupTestServer(t)
	ts.addLot(t, "smiles", "2025-01-01", 1000, "20")
	ts.addLot(t, "smiles", "2025-02-01", 1000, "30")
	ts.do(t, http.MethodPost, "/api/sales", milesSale("smiles", 1500))

	rec := ts.do(t, http.MethodPost, "/api/audit", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[miles.AuditReport](t, rec)
	assert.Equal(t, 2, report.LotsChecked)
	assert.Equal(t, 2, report.RecordsSeen)
	assert.Empty(t, report.Violations)
}

func TestAuditScheduler_RunNow(t *testing.T) {
	ts := setupTestServer(t)
	ts.addLot(t, "smiles", "2025-01-01", 1000, "20")

	scheduler := NewAuditScheduler(ts.handler.Auditor, nil)
	report, err := scheduler.RunNow(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Clean())
	last, lastErr := scheduler.LastReport()
	assert.NoError(t, lastErr)
	assert.Equal(t, 1, last.LotsChecked)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	ts := setupTestServer(t)
	scheduler := NewAuditScheduler(ts.handler.Auditor, nil)
	scheduler.CheckInterval = 10 * time.Millisecond

	scheduler.Start()
	time.Sleep(30 * time.Millisecond)
	scheduler.Stop()

	_, err := scheduler.LastReport()
	assert.NoError(t, err)
	// A second Stop is a no-op.
	scheduler.Stop()
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "miles_http_requests_total")
}
