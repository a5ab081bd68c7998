package miles

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCostOf(t *testing.T) {
	tests := []struct {
		qty  int64
		cpt  string
		want string
	}{
		{1000, "20", "20"},
		{500, "30", "15"},
		{1500, "17.50", "26.25"},
		{1, "21", "0.021"},
		{0, "25", "0"},
	}
	for _, tt := range tests {
		got := CostOf(tt.qty, decimal.RequireFromString(tt.cpt))
		assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "%d @ %s = %s, want %s", tt.qty, tt.cpt, got, tt.want)
	}
}

func TestNewLot(t *testing.T) {
	lot, err := NewLot("smiles", date(2025, 1, 1), 10000, decimal.NewFromInt(20), "promo")
	require.NoError(t, err)

	assert.NotEmpty(t, lot.ID)
	assert.Equal(t, int64(10000), lot.RemainingQuantity)
	assert.Equal(t, LotActive, lot.Status)
	assert.True(t, decimal.NewFromInt(200).Equal(lot.RemainingValue()))
}

func TestNewLot_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		program ProgramID
		qty     int64
		cpt     decimal.Decimal
	}{
		{"no program", "", 1000, decimal.NewFromInt(20)},
		{"zero quantity", "smiles", 0, decimal.NewFromInt(20)},
		{"negative quantity", "smiles", -5, decimal.NewFromInt(20)},
		{"negative cost", "smiles", 1000, decimal.NewFromInt(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLot(tt.program, date(2025, 1, 1), tt.qty, tt.cpt, "")
			assert.ErrorIs(t, err, ErrInvalidLot)
		})
	}
}

func TestLot_DrawAndRestoreKeepStatusInSync(t *testing.T) {
	// GIVEN: A 1,000 mile lot
	lot, err := NewLot("smiles", date(2025, 1, 1), 1000, decimal.NewFromInt(20), "")
	require.NoError(t, err)

	// WHEN: Drawing all of it
	drained, err := lot.Draw(1000)
	require.NoError(t, err)

	// THEN: It is depleted
	assert.Equal(t, int64(0), drained.RemainingQuantity)
	assert.Equal(t, LotDepleted, drained.Status)
	assert.False(t, drained.IsAvailable())
	assert.NoError(t, drained.Validate())

	// WHEN: Restoring part of it
	reopened, err := drained.Restore(400)
	require.NoError(t, err)

	// THEN: Status follows the quantity, not the previous status
	assert.Equal(t, int64(400), reopened.RemainingQuantity)
	assert.Equal(t, LotActive, reopened.Status)
	assert.Equal(t, int64(600), reopened.Consumed())
}

func TestLot_DrawErrors(t *testing.T) {
	lot, err := NewLot("smiles", date(2025, 1, 1), 1000, decimal.NewFromInt(20), "")
	require.NoError(t, err)

	_, err = lot.Draw(0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = lot.Draw(1001)
	assert.ErrorIs(t, err, ErrLedgerInconsistent)

	_, err = lot.Restore(1)
	assert.ErrorIs(t, err, ErrLedgerInconsistent, "cannot restore past the original quantity")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, LotDepleted, StatusFor(0))
	assert.Equal(t, LotActive, StatusFor(1))
	assert.True(t, LotActive.IsValid())
	assert.False(t, LotStatus("exhausted").IsValid())
}

func TestSortFIFO_TieBreaksOnID(t *testing.T) {
	lots := []Lot{
		{ID: "c", PurchaseDate: date(2025, 3, 1)},
		{ID: "b", PurchaseDate: date(2025, 1, 1)},
		{ID: "a", PurchaseDate: date(2025, 1, 1)},
	}

	SortFIFO(lots)

	assert.Equal(t, []LotID{"a", "b", "c"}, []LotID{lots[0].ID, lots[1].ID, lots[2].ID})
}

func TestRequirement_Validate(t *testing.T) {
	ok := Requirement{ProgramID: "smiles", Quantity: 100, SaleID: "s1"}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Quantity = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidQuantity)

	bad = ok
	bad.ProgramID = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequirement)

	bad = ok
	bad.SaleID = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequirement)
}

func TestConsumptionRecord_Validate(t *testing.T) {
	rec := ConsumptionRecord{
		ID: "r1", SaleID: "s1", LotID: "l1", Kind: RecordSale,
		Quantity: 500, CostPerThousand: decimal.NewFromInt(30), TotalValue: decimal.NewFromInt(15),
	}
	assert.NoError(t, rec.Validate())

	rec.TotalValue = decimal.NewFromInt(16)
	assert.ErrorIs(t, rec.Validate(), ErrLedgerInconsistent)
}

func TestAllocation_AverageCostPerThousand(t *testing.T) {
	a := Allocation{Allocated: 1500, TotalCost: decimal.NewFromInt(35)}
	assert.True(t, decimal.RequireFromString("23.3333").Equal(a.AverageCostPerThousand()))

	assert.True(t, Allocation{}.AverageCostPerThousand().IsZero())
}

func TestParseShortfallPolicy(t *testing.T) {
	p, err := ParseShortfallPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ShortfallReject, p)

	p, err = ParseShortfallPolicy("partial")
	require.NoError(t, err)
	assert.Equal(t, ShortfallPartial, p)

	_, err = ParseShortfallPolicy("borrow")
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	short := &InsufficientInventoryError{ProgramID: "smiles", Requested: 10, Available: 3, Shortfall: 7}
	assert.ErrorIs(t, short, ErrInsufficientInventory)
	assert.True(t, IsClientError(short))

	storage := WrapStorage("insert record", errors.New("disk full"))
	assert.True(t, IsStorageFailure(storage))
	assert.False(t, IsClientError(storage))
	var se *StorageError
	require.ErrorAs(t, storage, &se)
	assert.Equal(t, "insert record", se.Op)

	// Domain sentinels pass through untouched
	assert.Equal(t, ErrLotNotFound, WrapStorage("get lot", ErrLotNotFound))
	assert.True(t, IsNotFound(WrapStorage("get lot", ErrLotNotFound)))
	assert.True(t, IsRetryable(WrapStorage("update", ErrConcurrentModification)))
	assert.Nil(t, WrapStorage("noop", nil))
}
