/*
ledger.go - Consumption records: what each sale drew from each lot

PURPOSE:
  Every time the allocation engine takes miles out of a lot, one
  consumption record is written: which sale and line item, which lot,
  how many miles, at what cost. The records of a sale are the only thing
  the reversal engine needs to undo that sale exactly.

CONSERVATION:
  For every lot at every commit point:

    lot.RemainingQuantity + Σ record.Quantity (sale records of lot) == lot.OriginalQuantity

  Auditor (audit.go) checks this across the whole store.

COST COPY:
  A record copies the lot's CostPerThousand at draw time and stores
  TotalValue = quantity / 1000 × costPerThousand. Later reads never
  recompute from the lot.

LIFECYCLE:
  Records are inserted by allocation and deleted (all records of a sale at
  once) by reversal. They are never edited in place.

SEE ALSO:
  - allocation.go: Writes records through LedgerRecorder
  - reversal.go: Reads and deletes records
*/
package miles

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSUMPTION RECORD
// =============================================================================

type RecordKind string

const (
	// RecordSale is a draw made on behalf of a sale line item.
	RecordSale RecordKind = "sale"

	// RecordPurchase and RecordAdjustment are reserved for inventory intake
	// and manual corrections. The engine never writes them.
	RecordPurchase   RecordKind = "purchase"
	RecordAdjustment RecordKind = "adjustment"
)

type ConsumptionRecord struct {
	ID              RecordID
	SaleID          SaleID
	LineItemID      LineItemID
	LotID           LotID
	ProgramID       ProgramID
	Kind            RecordKind
	Quantity        int64
	CostPerThousand decimal.Decimal
	TotalValue      decimal.Decimal
	Description     string
	CreatedAt       time.Time
}

// Validate checks the record is complete and its value matches its quantity.
func (r ConsumptionRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: record id is required", ErrInvalidRequirement)
	case r.LotID == "":
		return fmt.Errorf("%w: record lot id is required", ErrInvalidRequirement)
	case r.Kind == RecordSale && r.SaleID == "":
		return fmt.Errorf("%w: sale record without sale id", ErrInvalidRequirement)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: record quantity %d", ErrInvalidQuantity, r.Quantity)
	case !r.TotalValue.Equal(CostOf(r.Quantity, r.CostPerThousand)):
		return fmt.Errorf("%w: record %s value %s does not match %d at %s/1000",
			ErrLedgerInconsistent, r.ID, r.TotalValue, r.Quantity, r.CostPerThousand)
	}
	return nil
}

// =============================================================================
// LEDGER RECORDER
// =============================================================================

// LedgerRecorder writes consumption records.
type LedgerRecorder struct {
	Store LedgerStore
	Now   func() time.Time
}

func NewLedgerRecorder(store LedgerStore) *LedgerRecorder {
	return &LedgerRecorder{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// RecordDraw writes the record for quantity miles drawn from lot for req.
func (r *LedgerRecorder) RecordDraw(ctx context.Context, req Requirement, lot Lot, quantity int64) (ConsumptionRecord, error) {
	rec := ConsumptionRecord{
		ID:              NewRecordID(),
		SaleID:          req.SaleID,
		LineItemID:      req.LineItemID,
		LotID:           lot.ID,
		ProgramID:       lot.ProgramID,
		Kind:            RecordSale,
		Quantity:        quantity,
		CostPerThousand: lot.CostPerThousand,
		TotalValue:      CostOf(quantity, lot.CostPerThousand),
		Description:     req.Description,
		CreatedAt:       r.Now(),
	}
	if err := rec.Validate(); err != nil {
		return ConsumptionRecord{}, err
	}
	if err := r.Store.InsertRecord(ctx, rec); err != nil {
		return ConsumptionRecord{}, WrapStorage("insert record", err)
	}
	return rec, nil
}

// BySale returns the records of a sale.
func (r *LedgerRecorder) BySale(ctx context.Context, saleID SaleID) ([]ConsumptionRecord, error) {
	recs, err := r.Store.RecordsBySale(ctx, saleID)
	if err != nil {
		return nil, WrapStorage("records by sale", err)
	}
	return recs, nil
}

// ByLot returns the records of a lot.
func (r *LedgerRecorder) ByLot(ctx context.Context, lotID LotID) ([]ConsumptionRecord, error) {
	recs, err := r.Store.RecordsByLot(ctx, lotID)
	if err != nil {
		return nil, WrapStorage("records by lot", err)
	}
	return recs, nil
}

// Purge deletes every record of a sale.
func (r *LedgerRecorder) Purge(ctx context.Context, saleID SaleID) (int, error) {
	n, err := r.Store.DeleteSaleRecords(ctx, saleID)
	if err != nil {
		return 0, WrapStorage("delete sale records", err)
	}
	return n, nil
}

// SumQuantity totals the quantity of recs.
func SumQuantity(recs []ConsumptionRecord) int64 {
	var total int64
	for _, rec := range recs {
		total += rec.Quantity
	}
	return total
}
