/*
balance.go - Program inventory balance

PURPOSE:
  Answers "how many miles of program P do we hold, and what are they
  worth at cost?" Read-only: computed from the lots, never stored.

BALANCE COMPONENTS:
  Original:       Σ original quantity of every lot of the program
  Available:      Σ remaining quantity of active lots
  Consumed:       Original - Available
  RemainingValue: Σ remaining / 1000 × costPerThousand
  ActiveLots / DepletedLots: lot counts by status

SEE ALSO:
  - store/cache: Read-through Redis cache of balances
  - api/handlers.go: GET /api/programs/{programID}/balance
*/
package miles

import (
	"context"

	"github.com/shopspring/decimal"
)

type ProgramBalance struct {
	ProgramID      ProgramID       `json:"programId"`
	Original       int64           `json:"original"`
	Available      int64           `json:"available"`
	Consumed       int64           `json:"consumed"`
	RemainingValue decimal.Decimal `json:"remainingValue"`
	ActiveLots     int             `json:"activeLots"`
	DepletedLots   int             `json:"depletedLots"`
}

// Covers reports whether the balance can satisfy quantity miles.
func (b ProgramBalance) Covers(quantity int64) bool { return b.Available >= quantity }

// BalanceFor computes the balance of programID from its lots.
func BalanceFor(ctx context.Context, lots LotReader, programID ProgramID) (ProgramBalance, error) {
	all, err := lots.ListLots(ctx, programID)
	if err != nil {
		return ProgramBalance{}, WrapStorage("list lots", err)
	}
	return Summarize(programID, all), nil
}

// Summarize folds lots into a balance.
func Summarize(programID ProgramID, lots []Lot) ProgramBalance {
	b := ProgramBalance{ProgramID: programID, RemainingValue: decimal.Zero}
	for _, lot := range lots {
		b.Original += lot.OriginalQuantity
		switch lot.Status {
		case LotActive:
			b.ActiveLots++
			b.Available += lot.RemainingQuantity
			b.RemainingValue = b.RemainingValue.Add(lot.RemainingValue())
		case LotDepleted:
			b.DepletedLots++
		}
	}
	b.Consumed = b.Original - b.Available
	return b
}
