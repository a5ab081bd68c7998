/*
handlers.go - HTTP API handlers for the miles inventory back office

PURPOSE:
  Exposes lots, balances, sales and the ledger audit via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the sales
  coordinator and the miles package.

ENDPOINTS:
  Lots:
    GET    /api/lots?programId=       List lots (all programs when omitted)
    POST   /api/lots                  Register a purchased lot
    GET    /api/lots/{id}             Get one lot
    GET    /api/lots/{id}/records     Consumption records drawn from a lot

  Programs:
    GET    /api/programs              Balance of every program
    GET    /api/programs/{id}/balance Balance of one program (cached)

  Sales:
    GET    /api/sales                 List sales
    POST   /api/sales                 Create sale (allocates miles)
    GET    /api/sales/{id}            Get sale
    PUT    /api/sales/{id}            Update sale (reverse, then reallocate)
    DELETE /api/sales/{id}            Delete sale (reverse, then cascade)
    GET    /api/sales/{id}/records    Consumption records of a sale
    GET    /api/sales/{id}/installments Payment schedule

  Audit:
    POST   /api/audit?programId=      Run the ledger audit now

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Lot reads, lot intake, reset for scenarios
  - Sales: The only writer of sales and allocations
  - Balances: Redis read-through balance cache (passthrough without Redis)

ERROR HANDLING:
  Every failure goes through writeDomainError:
  - 400: Invalid body, validation errors
  - 404: Lot or sale not found
  - 409: Duplicate lot, lost race after retries
  - 422: Not enough miles (body carries the shortfall)
  - 503: Storage failure
  - 500: Anything else

SECURITY NOTE:
  No authentication. Put the service behind the back-office gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/interleads/travelagency-system-sub000/logger"
	"github.com/interleads/travelagency-system-sub000/metrics"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/cache"
	"go.uber.org/multierr"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the API runs on.
type Backend interface {
	sales.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Backend
	Sales    *sales.Coordinator
	Balances *cache.BalanceCache
	Auditor  *miles.Auditor
	Log      *logger.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. balances and log may be nil.
func NewHandler(store Backend, coordinator *sales.Coordinator, balances *cache.BalanceCache, log *logger.Logger) *Handler {
	if balances == nil {
		balances = cache.New(store, nil, 0)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Store:    store,
		Sales:    coordinator,
		Balances: balances,
		Auditor:  miles.NewAuditor(store, store),
		Log:      log,
	}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// ListLots returns lots, optionally filtered by ?programId=.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	programID := miles.ProgramID(r.URL.Query().Get("programId"))
	lots, err := h.Store.ListLots(r.Context(), programID)
	if err != nil {
		h.writeDomainError(w, r, miles.WrapStorage("list lots", err))
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// CreateLot registers a purchased batch of miles.
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req CreateLotRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	purchaseDate, err := parseDate(req.PurchaseDate)
	if err != nil {
		h.writeDomainError(w, r, &badRequest{msg: "invalid purchaseDate", details: err.Error()})
		return
	}

	lot, err := miles.NewLot(miles.ProgramID(req.ProgramID), purchaseDate, req.Quantity, req.CostPerThousand, req.Description)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	ctx := h.Log.WithProgramID(r.Context(), req.ProgramID)
	if err := h.Store.CreateLot(ctx, lot); err != nil {
		h.writeDomainError(w, r, miles.WrapStorage("create lot", err))
		return
	}
	if err := h.Balances.InvalidatePrograms(ctx, []miles.ProgramID{lot.ProgramID}); err != nil {
		h.Log.Error(ctx, "balance_cache.invalidate_failed", err)
	}
	h.Log.Info(h.Log.WithField(ctx, "lot_id", string(lot.ID)), "lot.created")

	writeJSON(w, http.StatusCreated, toLotDTO(lot))
}

// GetLot returns one lot.
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Store.GetLot(r.Context(), miles.LotID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, miles.WrapStorage("get lot", err))
		return
	}
	writeJSON(w, http.StatusOK, toLotDTO(lot))
}

// GetLotRecords returns every consumption record drawn from a lot.
func (h *Handler) GetLotRecords(w http.ResponseWriter, r *http.Request) {
	id := miles.LotID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetLot(r.Context(), id); err != nil {
		h.writeDomainError(w, r, miles.WrapStorage("get lot", err))
		return
	}
	recs, err := miles.NewLedgerRecorder(h.Store).ByLot(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// ListPrograms returns the balance of every program that has lots.
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Store.ListLots(r.Context(), "")
	if err != nil {
		h.writeDomainError(w, r, miles.WrapStorage("list lots", err))
		return
	}

	byProgram := make(map[miles.ProgramID][]miles.Lot)
	for _, lot := range lots {
		byProgram[lot.ProgramID] = append(byProgram[lot.ProgramID], lot)
	}
	out := make([]miles.ProgramBalance, 0, len(byProgram))
	for programID, lots := range byProgram {
		out = append(out, miles.Summarize(programID, lots))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramID < out[j].ProgramID })

	writeJSON(w, http.StatusOK, out)
}

// GetProgramBalance returns the balance of one program through the cache.
func (h *Handler) GetProgramBalance(w http.ResponseWriter, r *http.Request) {
	programID := miles.ProgramID(chi.URLParam(r, "id"))
	balance, err := h.Balances.Balance(r.Context(), programID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sales.ListSales(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]SaleDTO, len(list))
	for i, s := range list {
		out[i] = toSaleDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateSale creates a sale and allocates miles for its miles-funded items.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	sale, items, err := req.toSale()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Sales.CreateSale(r.Context(), sale, items)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleResultDTO(res))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Sales.GetSale(r.Context(), miles.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// UpdateSale replaces a sale. Its previous allocation is reversed first.
func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	sale, items, err := req.toSale()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Sales.UpdateSale(r.Context(), miles.SaleID(chi.URLParam(r, "id")), sale, items)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleResultDTO(res))
}

// DeleteSale reverses a sale's allocation and removes it.
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	rev, err := h.Sales.DeleteSale(r.Context(), miles.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReversalDTO(*rev))
}

func (h *Handler) GetSaleRecords(w http.ResponseWriter, r *http.Request) {
	id := miles.SaleID(chi.URLParam(r, "id"))
	if _, err := h.Sales.GetSale(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recs, err := h.Sales.Records(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

func (h *Handler) GetInstallments(w http.ResponseWriter, r *http.Request) {
	ins, err := h.Sales.Installments(r.Context(), miles.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallmentDTOs(ins))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// RunAudit checks conservation and status consistency of every lot now.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	programID := miles.ProgramID(r.URL.Query().Get("programId"))
	report, err := h.Auditor.Audit(r.Context(), programID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recordAudit(report)
	if !report.Clean() {
		h.Log.Warn(h.Log.WithField(r.Context(), "violations", len(report.Violations)), "audit.violations_found")
	}
	writeJSON(w, http.StatusOK, report)
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.Store.ListLots(ctx, "__health__"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an error from the domain packages to a response.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bad   *badRequest
		short *miles.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &bad):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: bad.msg, Details: bad.details})

	case errors.As(err, &short):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "not enough miles available",
			Details: map[string]any{
				"programId": short.ProgramID,
				"requested": short.Requested,
				"available": short.Available,
				"shortfall": short.Shortfall,
			},
		})

	case errors.Is(err, sales.ErrInvalidSale):
		details := make([]string, 0)
		for _, e := range multierr.Errors(err) {
			details = append(details, e.Error())
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid sale", Details: details})

	case errors.Is(err, sales.ErrSaleNotFound):
		writeError(w, http.StatusNotFound, "sale not found", nil)

	case miles.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)

	case errors.Is(err, sales.ErrDuplicateSale), errors.Is(err, sales.ErrDuplicateLineItem):
		writeError(w, http.StatusConflict, "already exists", err)

	case errors.Is(err, miles.ErrDuplicateLot), miles.IsRetryable(err):
		writeError(w, http.StatusConflict, "conflict, please retry", err)

	case miles.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)

	case miles.IsStorageFailure(err):
		h.Log.Error(r.Context(), "request.storage_failure", err)
		writeError(w, http.StatusServiceUnavailable, "storage error", err)

	default:
		h.Log.Error(r.Context(), "request.failed", err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func recordAudit(report miles.AuditReport) {
	metrics.AuditViolations.Set(float64(len(report.Violations)))
	if report.Clean() {
		metrics.AuditRuns.WithLabelValues("clean").Inc()
	} else {
		metrics.AuditRuns.WithLabelValues("violations").Inc()
	}
}
