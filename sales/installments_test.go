package sales

import (
	"testing"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_LastInstallmentTakesRemainder(t *testing.T) {
	first := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	got := Schedule("s1", decimal.NewFromInt(100), 3, first)

	require.Len(t, got, 3)
	assert.True(t, decimal.RequireFromString("33.33").Equal(got[0].Amount))
	assert.True(t, decimal.RequireFromString("33.33").Equal(got[1].Amount))
	assert.True(t, decimal.RequireFromString("33.34").Equal(got[2].Amount))
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Number, got[1].Number, got[2].Number})
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), got[1].DueDate, "AddDate normalises Feb 31")

	sum := decimal.Zero
	for _, inst := range got {
		sum = sum.Add(inst.Amount)
		assert.Equal(t, miles.SaleID("s1"), inst.SaleID)
	}
	assert.True(t, decimal.NewFromInt(100).Equal(sum))
}

func TestSchedule_ZeroCountIsSinglePayment(t *testing.T) {
	first := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	got := Schedule("s1", decimal.RequireFromString("59.90"), 0, first)

	require.Len(t, got, 1)
	assert.True(t, decimal.RequireFromString("59.90").Equal(got[0].Amount))
	assert.Equal(t, first, got[0].DueDate)
}

func TestSale_Programs(t *testing.T) {
	sale := Sale{LineItems: []LineItem{
		{PaysWithMiles: true, ProgramID: "smiles", MilesCost: decimal.NewFromInt(10)},
		{PaysWithMiles: false, ProgramID: "ignored"},
		{PaysWithMiles: true, ProgramID: "latam-pass", MilesCost: decimal.NewFromInt(5)},
		{PaysWithMiles: true, ProgramID: "smiles", MilesCost: decimal.NewFromInt(1)},
	}}

	assert.Equal(t, []miles.ProgramID{"smiles", "latam-pass"}, sale.Programs())
	assert.True(t, decimal.NewFromInt(16).Equal(sale.MilesCost()))
}

func TestLineItem_Requirement(t *testing.T) {
	item := LineItem{ID: "i1", SaleID: "s1", ProgramID: "smiles", MilesRequired: 1200, Description: "GRU-MIA"}

	req := item.Requirement()

	assert.Equal(t, miles.Requirement{ProgramID: "smiles", Quantity: 1200, SaleID: "s1", LineItemID: "i1", Description: "GRU-MIA"}, req)
	assert.NoError(t, req.Validate())
}
