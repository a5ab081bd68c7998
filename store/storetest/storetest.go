/*
storetest.go - Behaviour every sales.TxStore implementation must share

PURPOSE:
  One suite run against the memory, SQLite and PostgreSQL stores so the
  engines can rely on the same semantics whichever driver is configured.

COVERS:
  - Lot CRUD, FIFO listing, duplicate ids
  - Conditional quantity writes (conflict vs. missing lot)
  - Record ordering and per-sale deletion
  - Sale upsert, line item replacement, cascade on delete
  - WithTx commit and rollback

SEE ALSO:
  - store/memory/memory_test.go
  - store/sqlite/sqlite_test.go
  - store/postgres/postgres_test.go
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) sales.TxStore

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s sales.TxStore)
	}{
		{"LotRoundTrip", testLotRoundTrip},
		{"DuplicateLot", testDuplicateLot},
		{"ListAvailableLotsIsFIFO", testListAvailableLotsIsFIFO},
		{"ConditionalUpdate", testConditionalUpdate},
		{"RecordsInInsertOrder", testRecordsInInsertOrder},
		{"DeleteSaleRecords", testDeleteSaleRecords},
		{"SaleUpsertReplacesItems", testSaleUpsertReplacesItems},
		{"DeleteSaleCascades", testDeleteSaleCascades},
		{"SaleItemIDsAreUnique", testSaleItemIDsAreUnique},
		{"WithTxCommits", testWithTxCommits},
		{"WithTxRollsBack", testWithTxRollsBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var ctx = context.Background()

func day(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func newLot(t *testing.T, id miles.LotID, program miles.ProgramID, bought time.Time, qty int64) miles.Lot {
	t.Helper()
	lot, err := miles.NewLot(program, bought, qty, decimal.RequireFromString("21.50"), "fixture")
	require.NoError(t, err)
	lot.ID = id
	lot.CreatedAt = day(time.January, 1)
	lot.UpdatedAt = lot.CreatedAt
	return lot
}

func newRecord(sale miles.SaleID, lot miles.LotID, qty int64) miles.ConsumptionRecord {
	cpt := decimal.RequireFromString("21.50")
	return miles.ConsumptionRecord{
		ID:              miles.NewRecordID(),
		SaleID:          sale,
		LineItemID:      miles.LineItemID(string(sale) + "-item"),
		LotID:           lot,
		ProgramID:       "smiles",
		Kind:            miles.RecordSale,
		Quantity:        qty,
		CostPerThousand: cpt,
		TotalValue:      miles.CostOf(qty, cpt),
		CreatedAt:       day(time.March, 1),
	}
}

func newSale(id miles.SaleID, items ...sales.LineItem) sales.Sale {
	for i := range items {
		items[i].SaleID = id
	}
	return sales.Sale{
		ID:               id,
		CustomerName:     "Ana Souza",
		SaleDate:         day(time.April, 1),
		TotalAmount:      decimal.NewFromInt(1200),
		InstallmentCount: 2,
		FirstDueDate:     day(time.May, 1),
		LineItems:        items,
		CreatedAt:        day(time.April, 1),
		UpdatedAt:        day(time.April, 1),
	}
}

func milesItem(id miles.LineItemID, qty int64) sales.LineItem {
	return sales.LineItem{
		ID:              id,
		Description:     "GRU-LIS",
		Amount:          decimal.NewFromInt(600),
		PaysWithMiles:   true,
		ProgramID:       "smiles",
		MilesRequired:   qty,
		MilesCost:       decimal.Zero,
		CostPerThousand: decimal.Zero,
	}
}

// =============================================================================
// LOTS
// =============================================================================

func testLotRoundTrip(t *testing.T, s sales.TxStore) {
	lot := newLot(t, "lot-1", "smiles", day(time.January, 10), 50000)
	require.NoError(t, s.CreateLot(ctx, lot))

	got, err := s.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, lot.ProgramID, got.ProgramID)
	assert.Equal(t, int64(50000), got.OriginalQuantity)
	assert.Equal(t, int64(50000), got.RemainingQuantity)
	assert.True(t, lot.CostPerThousand.Equal(got.CostPerThousand))
	assert.True(t, lot.PurchaseDate.Equal(got.PurchaseDate))
	assert.Equal(t, miles.LotActive, got.Status)

	_, err = s.GetLot(ctx, "missing")
	assert.ErrorIs(t, err, miles.ErrLotNotFound)
}

func testDuplicateLot(t *testing.T, s sales.TxStore) {
	lot := newLot(t, "lot-1", "smiles", day(time.January, 10), 1000)
	require.NoError(t, s.CreateLot(ctx, lot))
	assert.ErrorIs(t, s.CreateLot(ctx, lot), miles.ErrDuplicateLot)
}

func testListAvailableLotsIsFIFO(t *testing.T, s sales.TxStore) {
	require.NoError(t, s.CreateLot(ctx, newLot(t, "late", "smiles", day(time.March, 1), 1000)))
	require.NoError(t, s.CreateLot(ctx, newLot(t, "b", "smiles", day(time.January, 1), 1000)))
	require.NoError(t, s.CreateLot(ctx, newLot(t, "a", "smiles", day(time.January, 1), 1000)))
	require.NoError(t, s.CreateLot(ctx, newLot(t, "other", "latam-pass", day(time.January, 1), 1000)))

	empty := newLot(t, "empty", "smiles", day(time.February, 1), 1000)
	require.NoError(t, s.CreateLot(ctx, empty))
	drained, err := empty.Draw(1000)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLotQuantity(ctx, miles.UpdateFor(empty, drained)))

	avail, err := s.ListAvailableLots(ctx, "smiles")
	require.NoError(t, err)
	assert.Equal(t, []miles.LotID{"a", "b", "late"}, lotIDs(avail))

	all, err := s.ListLots(ctx, "smiles")
	require.NoError(t, err)
	assert.Equal(t, []miles.LotID{"a", "b", "empty", "late"}, lotIDs(all))

	everything, err := s.ListLots(ctx, "")
	require.NoError(t, err)
	assert.Len(t, everything, 5)
}

func testConditionalUpdate(t *testing.T, s sales.TxStore) {
	lot := newLot(t, "lot-1", "smiles", day(time.January, 1), 1000)
	require.NoError(t, s.CreateLot(ctx, lot))

	// Stale expectation loses
	err := s.UpdateLotQuantity(ctx, miles.LotUpdate{ID: "lot-1", ExpectedRemaining: 900, Remaining: 500, Status: miles.LotActive})
	assert.ErrorIs(t, err, miles.ErrConcurrentModification)

	// Matching expectation wins
	after, err := lot.Draw(1000)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLotQuantity(ctx, miles.UpdateFor(lot, after)))
	got, err := s.GetLot(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingQuantity)
	assert.Equal(t, miles.LotDepleted, got.Status)

	// Unknown lot is reported as such, not as a conflict
	err = s.UpdateLotQuantity(ctx, miles.LotUpdate{ID: "nope", ExpectedRemaining: 1, Remaining: 0, Status: miles.LotDepleted})
	assert.ErrorIs(t, err, miles.ErrLotNotFound)
}

func lotIDs(lots []miles.Lot) []miles.LotID {
	out := make([]miles.LotID, 0, len(lots))
	for _, lot := range lots {
		out = append(out, lot.ID)
	}
	return out
}

// =============================================================================
// RECORDS
// =============================================================================

func testRecordsInInsertOrder(t *testing.T, s sales.TxStore) {
	require.NoError(t, s.CreateLot(ctx, newLot(t, "z", "smiles", day(time.January, 1), 5000)))
	require.NoError(t, s.CreateLot(ctx, newLot(t, "a", "smiles", day(time.January, 2), 5000)))

	first := newRecord("s1", "z", 1000)
	second := newRecord("s1", "a", 500)
	require.NoError(t, s.InsertRecord(ctx, first))
	require.NoError(t, s.InsertRecord(ctx, second))
	require.NoError(t, s.InsertRecord(ctx, newRecord("s2", "z", 200)))

	recs, err := s.RecordsBySale(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.ID, recs[0].ID)
	assert.Equal(t, second.ID, recs[1].ID)
	assert.Equal(t, miles.LineItemID("s1-item"), recs[0].LineItemID)
	assert.True(t, first.TotalValue.Equal(recs[0].TotalValue))
	assert.True(t, first.CostPerThousand.Equal(recs[0].CostPerThousand))

	byLot, err := s.RecordsByLot(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), miles.SumQuantity(byLot))
}

func testDeleteSaleRecords(t *testing.T, s sales.TxStore) {
	require.NoError(t, s.CreateLot(ctx, newLot(t, "l", "smiles", day(time.January, 1), 5000)))
	require.NoError(t, s.InsertRecord(ctx, newRecord("s1", "l", 100)))
	require.NoError(t, s.InsertRecord(ctx, newRecord("s1", "l", 200)))
	require.NoError(t, s.InsertRecord(ctx, newRecord("s2", "l", 300)))

	n, err := s.DeleteSaleRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeleteSaleRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	left, err := s.RecordsByLot(ctx, "l")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, miles.SaleID("s2"), left[0].SaleID)
}

// =============================================================================
// SALES
// =============================================================================

func testSaleUpsertReplacesItems(t *testing.T, s sales.TxStore) {
	sale := newSale("s1", milesItem("i1", 1000), milesItem("i2", 2000))
	require.NoError(t, s.SaveSale(ctx, sale))

	got, err := s.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", got.CustomerName)
	assert.True(t, decimal.NewFromInt(1200).Equal(got.TotalAmount))
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, miles.LineItemID("i1"), got.LineItems[0].ID)
	assert.Equal(t, int64(2000), got.LineItems[1].MilesRequired)

	updated := newSale("s1", milesItem("i3", 500))
	updated.CustomerName = "Ana S. Souza"
	require.NoError(t, s.SaveSale(ctx, updated))

	got, err = s.GetSale(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana S. Souza", got.CustomerName)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, miles.LineItemID("i3"), got.LineItems[0].ID)

	list, err := s.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetSale(ctx, "nope")
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
}

func testDeleteSaleCascades(t *testing.T, s sales.TxStore) {
	sale := newSale("s1", milesItem("i1", 1000))
	require.NoError(t, s.SaveSale(ctx, sale))
	require.NoError(t, s.SaveInstallments(ctx, "s1", sales.Schedule("s1", sale.TotalAmount, 2, sale.FirstDueDate)))

	inst, err := s.Installments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, inst, 2)
	assert.Equal(t, 1, inst[0].Number)

	require.NoError(t, s.DeleteSale(ctx, "s1"))

	_, err = s.GetSale(ctx, "s1")
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
	inst, err = s.Installments(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, inst)
	assert.ErrorIs(t, s.DeleteSale(ctx, "s1"), sales.ErrSaleNotFound)
}

func testSaleItemIDsAreUnique(t *testing.T, s sales.TxStore) {
	// GIVEN: s1 owns line item i1
	require.NoError(t, s.SaveSale(ctx, newSale("s1", milesItem("i1", 1000))))

	// WHEN: another sale reuses i1
	err := s.SaveSale(ctx, newSale("s2", milesItem("i1", 500)))

	// THEN: the save is refused and s1 keeps its item
	assert.ErrorIs(t, err, sales.ErrDuplicateLineItem)
	got, err := s.GetSale(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(1000), got.LineItems[0].MilesRequired)

	// WHEN: one sale names the same item twice
	err = s.WithTx(ctx, func(tx sales.Store) error {
		return tx.SaveSale(ctx, newSale("s3", milesItem("i7", 100), milesItem("i7", 200)))
	})

	// THEN: it is refused and nothing of s3 is kept
	assert.ErrorIs(t, err, sales.ErrDuplicateLineItem)
	_, err = s.GetSale(ctx, "s3")
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)

	// AND: re-saving s1 with its own item is still an upsert
	require.NoError(t, s.SaveSale(ctx, newSale("s1", milesItem("i1", 800))))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithTxCommits(t *testing.T, s sales.TxStore) {
	err := s.WithTx(ctx, func(tx sales.Store) error {
		if err := tx.CreateLot(ctx, newLot(t, "l", "smiles", day(time.January, 1), 1000)); err != nil {
			return err
		}
		return tx.SaveSale(ctx, newSale("s1", milesItem("i1", 100)))
	})
	require.NoError(t, err)

	_, err = s.GetLot(ctx, "l")
	assert.NoError(t, err)
	_, err = s.GetSale(ctx, "s1")
	assert.NoError(t, err)
}

func testWithTxRollsBack(t *testing.T, s sales.TxStore) {
	lot := newLot(t, "l", "smiles", day(time.January, 1), 1000)
	require.NoError(t, s.CreateLot(ctx, lot))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx sales.Store) error {
		after, err := lot.Draw(400)
		if err != nil {
			return err
		}
		if err := tx.UpdateLotQuantity(ctx, miles.UpdateFor(lot, after)); err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, newRecord("s1", "l", 400)); err != nil {
			return err
		}
		if err := tx.SaveSale(ctx, newSale("s1", milesItem("i1", 400))); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetLot(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.RemainingQuantity)
	recs, err := s.RecordsBySale(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, err = s.GetSale(ctx, "s1")
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
}
