/*
store.go - Persistence interface for lots and consumption records

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks SQL; it talks to these interfaces. Different implementations
  use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  LotReader:    Read lots (by id, by program, FIFO-ordered available lots)
  LotStore:     LotReader + create + conditional quantity update
  LedgerReader: Read consumption records by sale or by lot
  LedgerStore:  LedgerReader + insert + delete-by-sale
  Store:        Everything the allocation and reversal engines need

CONDITIONAL UPDATES:
  Lots are never blindly overwritten. UpdateLotQuantity carries the
  remaining quantity the caller read; the store applies the write only if
  the stored value still matches, otherwise ErrConcurrentModification.
  This is a compare-and-swap on remaining_quantity:

    UPDATE lots SET remaining_quantity = ?, status = ?
    WHERE id = ? AND remaining_quantity = ?

FIFO ORDER:
  ListAvailableLots returns lots with status active and remaining > 0,
  ordered by purchase date ascending, ties broken by id ascending.

IMPLEMENTATIONS:
  - store/memory: In-memory for tests and demos
  - store/sqlite: Embedded SQLite
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - allocation.go: Main consumer of LotStore
  - reversal.go: Main consumer of LedgerStore
  - sales/store.go: Adds sale persistence and transactions
*/
package miles

import (
	"context"
	"sort"
)

// =============================================================================
// LOTS
// =============================================================================

// LotReader is the read side of lot persistence.
type LotReader interface {
	// GetLot returns ErrLotNotFound if the lot doesn't exist.
	GetLot(ctx context.Context, id LotID) (Lot, error)

	// ListLots returns lots of a program ordered FIFO. Empty programID lists all lots.
	ListLots(ctx context.Context, programID ProgramID) ([]Lot, error)

	// ListAvailableLots returns active lots with remaining > 0, FIFO-ordered.
	ListAvailableLots(ctx context.Context, programID ProgramID) ([]Lot, error)
}

// LotUpdate is a conditional write of a lot's quantity and status.
type LotUpdate struct {
	ID                LotID
	ExpectedRemaining int64
	Remaining         int64
	Status            LotStatus
}

// UpdateFor builds the conditional write that moves before to after.
func UpdateFor(before, after Lot) LotUpdate {
	return LotUpdate{
		ID:                before.ID,
		ExpectedRemaining: before.RemainingQuantity,
		Remaining:         after.RemainingQuantity,
		Status:            after.Status,
	}
}

type LotStore interface {
	LotReader

	// CreateLot persists a new lot. Returns ErrDuplicateLot if the id exists.
	CreateLot(ctx context.Context, lot Lot) error

	// UpdateLotQuantity applies u only if the stored remaining quantity equals
	// u.ExpectedRemaining. Returns ErrConcurrentModification otherwise and
	// ErrLotNotFound if the lot is gone.
	UpdateLotQuantity(ctx context.Context, u LotUpdate) error
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerReader is the read side of the consumption ledger.
type LedgerReader interface {
	// RecordsBySale returns a sale's records in creation order.
	RecordsBySale(ctx context.Context, saleID SaleID) ([]ConsumptionRecord, error)

	// RecordsByLot returns a lot's records in creation order.
	RecordsByLot(ctx context.Context, lotID LotID) ([]ConsumptionRecord, error)
}

type LedgerStore interface {
	LedgerReader

	// InsertRecord appends one consumption record.
	InsertRecord(ctx context.Context, rec ConsumptionRecord) error

	// DeleteSaleRecords removes every record of a sale and reports how many.
	DeleteSaleRecords(ctx context.Context, saleID SaleID) (int, error)
}

// =============================================================================
// STORE - Everything the engines need
// =============================================================================

type Store interface {
	LotStore
	LedgerStore
}

// SortFIFO orders lots by purchase date, then id. Stores that cannot order
// in their query language use it; engines rely on the order they receive.
func SortFIFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].PurchaseDate.Equal(lots[j].PurchaseDate) {
			return lots[i].PurchaseDate.Before(lots[j].PurchaseDate)
		}
		return lots[i].ID < lots[j].ID
	})
}
