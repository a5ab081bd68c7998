/*
Package miles provides the loyalty-miles inventory engine.

PURPOSE:
  Miles are bought in batches (lots) per loyalty program, each with its own
  cost basis. When a ticket is sold using miles, the engine decides which
  lots pay for it, records what was drawn from each lot, and can undo all
  of that exactly when the sale changes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lot: One purchase batch with original/remaining quantity and a status
  - LotStatus: active or depleted, always derived from remaining quantity
  - Identifiers: Type-safe IDs for programs, lots, sales, records

STATUS RULE:
  A lot is depleted if and only if its remaining quantity is zero.
  StatusFor() is the single place that derives status from quantity, and
  Lot.Draw / Lot.Restore are the only transitions. Stores persist whatever
  those transitions produce and never compute status themselves.

MONEY:
  Costs are quoted per 1,000 miles and use decimal.Decimal. The value of
  drawing q miles from a lot is q / 1000 × costPerThousand.

USAGE:
  lot, _ := miles.NewLot("smiles", purchasedAt, 10000, decimal.NewFromInt(17), "batch 7")
  drawn, _ := lot.Draw(2500)   // remaining 7500, still active
  back, _ := drawn.Restore(2500)

SEE ALSO:
  - allocation.go: FIFO allocation across lots
  - reversal.go: Undoing a sale's allocation
  - ledger.go: Consumption records
*/
package miles

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProgramID string
type LotID string
type SaleID string
type LineItemID string
type RecordID string

// NewLotID returns a fresh random lot identifier.
func NewLotID() LotID { return LotID(uuid.NewString()) }

// NewRecordID returns a fresh random record identifier.
func NewRecordID() RecordID { return RecordID(uuid.NewString()) }

// =============================================================================
// COST - Money per thousand miles
// =============================================================================

// MilesPerCostUnit is the quantity a lot's cost is quoted for.
const MilesPerCostUnit = 1000

var thousand = decimal.NewFromInt(MilesPerCostUnit)

// CostOf returns the value of quantity miles at costPerThousand.
func CostOf(quantity int64, costPerThousand decimal.Decimal) decimal.Decimal {
	return costPerThousand.Mul(decimal.NewFromInt(quantity)).Div(thousand)
}

// =============================================================================
// LOT - One purchase batch
// =============================================================================

type LotStatus string

const (
	LotActive   LotStatus = "active"
	LotDepleted LotStatus = "depleted"
)

// StatusFor derives a lot's status from its remaining quantity.
func StatusFor(remaining int64) LotStatus {
	if remaining == 0 {
		return LotDepleted
	}
	return LotActive
}

// IsValid reports whether s is a known status.
func (s LotStatus) IsValid() bool {
	return s == LotActive || s == LotDepleted
}

type Lot struct {
	ID                LotID
	ProgramID         ProgramID
	PurchaseDate      time.Time
	OriginalQuantity  int64
	RemainingQuantity int64
	CostPerThousand   decimal.Decimal
	Status            LotStatus
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewLot builds a fresh, fully available lot.
func NewLot(programID ProgramID, purchaseDate time.Time, quantity int64, costPerThousand decimal.Decimal, description string) (Lot, error) {
	now := time.Now().UTC()
	lot := Lot{
		ID:                NewLotID(),
		ProgramID:         programID,
		PurchaseDate:      purchaseDate.UTC(),
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		CostPerThousand:   costPerThousand,
		Status:            StatusFor(quantity),
		Description:       description,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := lot.Validate(); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// Validate checks the quantity/status invariants of a lot.
func (l Lot) Validate() error {
	switch {
	case l.ProgramID == "":
		return fmt.Errorf("%w: program id is required", ErrInvalidLot)
	case l.OriginalQuantity <= 0:
		return fmt.Errorf("%w: original quantity must be positive, got %d", ErrInvalidLot, l.OriginalQuantity)
	case l.RemainingQuantity < 0 || l.RemainingQuantity > l.OriginalQuantity:
		return fmt.Errorf("%w: remaining %d outside [0, %d]", ErrInvalidLot, l.RemainingQuantity, l.OriginalQuantity)
	case l.CostPerThousand.IsNegative():
		return fmt.Errorf("%w: cost per thousand cannot be negative", ErrInvalidLot)
	case l.Status != StatusFor(l.RemainingQuantity):
		return fmt.Errorf("%w: status %q does not match remaining %d", ErrInvalidLot, l.Status, l.RemainingQuantity)
	}
	return nil
}

// Consumed returns how many miles have been drawn from the lot.
func (l Lot) Consumed() int64 { return l.OriginalQuantity - l.RemainingQuantity }

// IsAvailable reports whether the lot can still be drawn from.
func (l Lot) IsAvailable() bool { return l.Status == LotActive && l.RemainingQuantity > 0 }

// RemainingValue is the cost basis of what is left in the lot.
func (l Lot) RemainingValue() decimal.Decimal { return CostOf(l.RemainingQuantity, l.CostPerThousand) }

// Draw returns the lot after taking quantity miles out of it.
func (l Lot) Draw(quantity int64) (Lot, error) {
	if quantity <= 0 {
		return l, fmt.Errorf("%w: draw of %d", ErrInvalidQuantity, quantity)
	}
	if quantity > l.RemainingQuantity {
		return l, fmt.Errorf("%w: draw of %d from lot %s with %d remaining",
			ErrLedgerInconsistent, quantity, l.ID, l.RemainingQuantity)
	}
	return l.withRemaining(l.RemainingQuantity - quantity), nil
}

// Restore returns the lot after putting quantity miles back.
// Restoring beyond the original quantity means the ledger and the lot disagree.
func (l Lot) Restore(quantity int64) (Lot, error) {
	if quantity <= 0 {
		return l, fmt.Errorf("%w: restore of %d", ErrInvalidQuantity, quantity)
	}
	if l.RemainingQuantity+quantity > l.OriginalQuantity {
		return l, fmt.Errorf("%w: restoring %d to lot %s would exceed original %d (remaining %d)",
			ErrLedgerInconsistent, quantity, l.ID, l.OriginalQuantity, l.RemainingQuantity)
	}
	return l.withRemaining(l.RemainingQuantity + quantity), nil
}

func (l Lot) withRemaining(remaining int64) Lot {
	l.RemainingQuantity = remaining
	l.Status = StatusFor(remaining)
	l.UpdatedAt = time.Now().UTC()
	return l
}
