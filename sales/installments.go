package sales

import (
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/shopspring/decimal"
)

// Schedule splits total into count monthly installments starting at first.
// Amounts are cut to cents; the last installment absorbs the remainder so
// the schedule always sums to total. A count below one means a single payment.
func Schedule(saleID miles.SaleID, total decimal.Decimal, count int, first time.Time) []Installment {
	if count < 1 {
		count = 1
	}
	share := total.Div(decimal.NewFromInt(int64(count))).Truncate(2)

	out := make([]Installment, count)
	allocated := decimal.Zero
	for i := range out {
		amount := share
		if i == count-1 {
			amount = total.Sub(allocated)
		}
		out[i] = Installment{
			SaleID:  saleID,
			Number:  i + 1,
			DueDate: first.AddDate(0, i, 0),
			Amount:  amount,
		}
		allocated = allocated.Add(amount)
	}
	return out
}
