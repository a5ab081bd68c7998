/*
coordinator_test.go - Sale lifecycle over the in-memory store

Tests for:
- Create: allocation, costing, installments, rejection without side effects
- Update: reverse-then-reallocate, rollback when the new items cannot be covered
- Delete: reversal plus cascade
- Validation, cache invalidation, concurrency
*/
package sales_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// =============================================================================
// HELPERS
// =============================================================================

var ctx = context.Background()

func day(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func addLot(t *testing.T, store miles.LotStore, program miles.ProgramID, bought time.Time, qty int64, cpt string) miles.Lot {
	t.Helper()
	lot, err := miles.NewLot(program, bought, qty, decimal.RequireFromString(cpt), "")
	require.NoError(t, err)
	require.NoError(t, store.CreateLot(ctx, lot))
	return lot
}

func remaining(t *testing.T, store miles.LotReader, id miles.LotID) int64 {
	t.Helper()
	lot, err := store.GetLot(ctx, id)
	require.NoError(t, err)
	return lot.RemainingQuantity
}

func newSale(installments int) sales.Sale {
	return sales.Sale{
		CustomerName:     "Maria Oliveira",
		SaleDate:         day(time.April, 10),
		InstallmentCount: installments,
		FirstDueDate:     day(time.May, 10),
	}
}

func milesItem(program miles.ProgramID, qty int64, amount int64) sales.LineItem {
	return sales.LineItem{
		Description:   "flight",
		Amount:        decimal.NewFromInt(amount),
		PaysWithMiles: true,
		ProgramID:     program,
		MilesRequired: qty,
	}
}

func cashItem(amount int64) sales.LineItem {
	return sales.LineItem{Description: "hotel", Amount: decimal.NewFromInt(amount)}
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]miles.ProgramID
}

func (r *recordingInvalidator) InvalidatePrograms(_ context.Context, programs []miles.ProgramID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, programs)
	return nil
}

// flakyStore fails SaveInstallments inside transactions.
type flakyStore struct {
	*memory.Memory
}

type flakyTx struct {
	sales.Store
}

var errWrite = errors.New("write failed")

func (f flakyStore) WithTx(ctx context.Context, fn func(sales.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx sales.Store) error { return fn(flakyTx{tx}) })
}

func (flakyTx) SaveInstallments(context.Context, miles.SaleID, []sales.Installment) error {
	return errWrite
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateSale_AllocatesAndSchedules(t *testing.T) {
	// GIVEN: Two Smiles lots at different prices
	store := memory.New()
	a := addLot(t, store, "smiles", day(time.January, 1), 1000, "20")
	b := addLot(t, store, "smiles", day(time.February, 1), 1000, "25")
	c := sales.NewCoordinator(store)

	// WHEN: Selling a 1,500 mile flight plus a cash hotel in 3 installments
	res, err := c.CreateSale(ctx, newSale(3), []sales.LineItem{milesItem("smiles", 1500, 900), cashItem(100)})

	// THEN: Miles come FIFO from both lots
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining(t, store, a.ID))
	assert.Equal(t, int64(500), remaining(t, store, b.ID))

	// AND: The flight carries its miles cost, the hotel carries none
	require.Len(t, res.Sale.LineItems, 2)
	flight, hotel := res.Sale.LineItems[0], res.Sale.LineItems[1]
	assert.True(t, decimal.RequireFromString("32.5").Equal(flight.MilesCost))
	assert.True(t, decimal.RequireFromString("21.6667").Equal(flight.CostPerThousand))
	assert.True(t, hotel.MilesCost.IsZero())
	assert.True(t, decimal.RequireFromString("32.5").Equal(res.Sale.MilesCost()))

	// AND: Total is the sum of items, split into 3 installments
	assert.True(t, decimal.NewFromInt(1000).Equal(res.Sale.TotalAmount))
	require.Len(t, res.Installments, 3)
	assert.Equal(t, day(time.July, 10), res.Installments[2].DueDate)
	assert.Empty(t, res.Warnings)
	assert.Nil(t, res.Reversal)

	// AND: Everything is readable back
	stored, err := c.GetSale(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Len(t, stored.LineItems, 2)
	recs, err := c.Records(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	inst, err := c.Installments(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Len(t, inst, 3)
}

func TestCreateSale_InsufficientLeavesNoTrace(t *testing.T) {
	// GIVEN: 1,000 Smiles miles and 5,000 LATAM miles
	store := memory.New()
	smiles := addLot(t, store, "smiles", day(time.January, 1), 1000, "20")
	latam := addLot(t, store, "latam-pass", day(time.January, 1), 5000, "30")
	c := sales.NewCoordinator(store)

	// WHEN: The second item cannot be covered
	_, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{
		milesItem("latam-pass", 2000, 500),
		milesItem("smiles", 3000, 500),
	})

	// THEN: Shortage reported
	var short *miles.InsufficientInventoryError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, miles.ProgramID("smiles"), short.ProgramID)

	// AND: The first item's draw was rolled back too
	assert.Equal(t, int64(5000), remaining(t, store, latam.ID))
	assert.Equal(t, int64(1000), remaining(t, store, smiles.ID))
	list, err := c.ListSales(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateSale_PartialPolicyWarns(t *testing.T) {
	store := memory.New()
	addLot(t, store, "smiles", day(time.January, 1), 1000, "20")
	c := sales.NewCoordinator(store, sales.WithEngineOptions(miles.WithShortfallPolicy(miles.ShortfallPartial)))

	res, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{milesItem("smiles", 4000, 800)})

	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "only 1000 of 4000")
	assert.Equal(t, int64(3000), res.Sale.LineItems[0].Shortfall)
	assert.True(t, decimal.NewFromInt(20).Equal(res.Sale.LineItems[0].MilesCost))
}

func TestCreateSale_ValidationReportsEveryProblem(t *testing.T) {
	c := sales.NewCoordinator(memory.New())
	bad := newSale(-1)
	bad.CustomerName = ""

	_, err := c.CreateSale(ctx, bad, []sales.LineItem{{PaysWithMiles: true, Amount: decimal.NewFromInt(-5)}})

	require.Error(t, err)
	assert.ErrorIs(t, err, sales.ErrInvalidSale)
	// customer, installments, amount, program, miles
	assert.Len(t, multierr.Errors(err), 5)
}

func TestCreateSale_StorageFailureRollsBack(t *testing.T) {
	mem := memory.New()
	lot := addLot(t, mem, "smiles", day(time.January, 1), 1000, "20")
	c := sales.NewCoordinator(flakyStore{mem})

	_, err := c.CreateSale(ctx, newSale(2), []sales.LineItem{milesItem("smiles", 500, 300)})

	require.Error(t, err)
	assert.True(t, miles.IsStorageFailure(err))
	assert.ErrorIs(t, err, errWrite)
	assert.Equal(t, int64(1000), remaining(t, mem, lot.ID))
	list, err := mem.ListSales(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateSale_ExistingIDIsRejected(t *testing.T) {
	// GIVEN: Sale S1 already drew 2,000 miles
	store := memory.New()
	lot := addLot(t, store, "smiles", day(time.January, 1), 10000, "20")
	c := sales.NewCoordinator(store)
	first := newSale(1)
	first.ID = "S1"
	_, err := c.CreateSale(ctx, first, []sales.LineItem{milesItem("smiles", 2000, 800)})
	require.NoError(t, err)

	// WHEN: Creating another sale under the same id
	again := newSale(1)
	again.ID = "S1"
	_, err = c.CreateSale(ctx, again, []sales.LineItem{milesItem("smiles", 500, 200)})

	// THEN: It is refused and the first sale's draws stand alone
	assert.ErrorIs(t, err, sales.ErrDuplicateSale)
	assert.False(t, miles.IsStorageFailure(err))
	assert.Equal(t, int64(8000), remaining(t, store, lot.ID))
	recs, err := c.Records(ctx, "S1")
	require.NoError(t, err)
	var total int64
	for _, r := range recs {
		total += r.Quantity
	}
	assert.Equal(t, int64(2000), total)

	// AND: Deleting S1 restores the lot in full
	_, err = c.DeleteSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), remaining(t, store, lot.ID))
}

func TestCreateSale_DuplicateItemIDsAreInvalid(t *testing.T) {
	store := memory.New()
	lot := addLot(t, store, "smiles", day(time.January, 1), 10000, "20")
	c := sales.NewCoordinator(store)
	a := milesItem("smiles", 1000, 400)
	a.ID = "leg"
	b := milesItem("smiles", 1000, 400)
	b.ID = "leg"

	_, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{a, b})

	assert.ErrorIs(t, err, sales.ErrInvalidSale)
	assert.Equal(t, int64(10000), remaining(t, store, lot.ID))
}

func TestCreateSale_ItemIDOfAnotherSaleConflicts(t *testing.T) {
	// GIVEN: A sale owning item "leg"
	store := memory.New()
	lot := addLot(t, store, "smiles", day(time.January, 1), 10000, "20")
	c := sales.NewCoordinator(store)
	item := milesItem("smiles", 1000, 400)
	item.ID = "leg"
	_, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{item})
	require.NoError(t, err)

	// WHEN: A second sale reuses "leg"
	reused := milesItem("smiles", 3000, 900)
	reused.ID = "leg"
	_, err = c.CreateSale(ctx, newSale(1), []sales.LineItem{reused})

	// THEN: It conflicts and its draws are rolled back
	assert.ErrorIs(t, err, sales.ErrDuplicateLineItem)
	assert.False(t, miles.IsStorageFailure(err))
	assert.Equal(t, int64(9000), remaining(t, store, lot.ID))
}

func TestCreateSale_UsesClock(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	c := sales.NewCoordinator(memory.New(), sales.WithNow(func() time.Time { return fixed }))

	res, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{cashItem(100)})

	require.NoError(t, err)
	assert.Equal(t, fixed, res.Sale.CreatedAt)
	assert.Equal(t, fixed, res.Sale.UpdatedAt)
}

func TestCreateSale_ConcurrentSalesNeverOverdraw(t *testing.T) {
	// GIVEN: 10,000 miles
	store := memory.New()
	addLot(t, store, "smiles", day(time.January, 1), 4000, "20")
	addLot(t, store, "smiles", day(time.February, 1), 6000, "20")
	c := sales.NewCoordinator(store)

	// WHEN: 20 sales of 700 miles race
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{milesItem("smiles", 700, 100)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, miles.ErrInsufficientInventory)
				rejected++
				return
			}
			accepted++
		}()
	}
	wg.Wait()

	// THEN: 14 fit, 6 are turned away, 200 miles stay on the books
	assert.Equal(t, 14, accepted)
	assert.Equal(t, 6, rejected)
	balance, err := miles.BalanceFor(ctx, store, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Available)

	report, err := miles.NewAuditor(store, store).Audit(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Clean(), "violations: %v", report.Violations)
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdateSale_ReversesBeforeReallocating(t *testing.T) {
	// GIVEN: A 2,000 mile sale that drained lot A and dipped into lot B
	store := memory.New()
	a := addLot(t, store, "smiles", day(time.January, 1), 1000, "20")
	b := addLot(t, store, "smiles", day(time.February, 1), 2000, "25")
	c := sales.NewCoordinator(store)
	created, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{milesItem("smiles", 2000, 1000)})
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining(t, store, a.ID))
	require.Equal(t, int64(1000), remaining(t, store, b.ID))

	// WHEN: Reducing it to 500 miles
	res, err := c.UpdateSale(ctx, created.Sale.ID, newSale(1), []sales.LineItem{milesItem("smiles", 500, 400)})

	// THEN: Old draws are fully restored, then 500 come from the oldest lot again
	require.NoError(t, err)
	require.NotNil(t, res.Reversal)
	assert.Equal(t, int64(2000), res.Reversal.RestoredQuantity())
	assert.Equal(t, int64(500), remaining(t, store, a.ID))
	assert.Equal(t, int64(2000), remaining(t, store, b.ID))
	assert.True(t, decimal.NewFromInt(10).Equal(res.Sale.MilesCost()))

	// AND: Identity and creation time are kept
	assert.Equal(t, created.Sale.ID, res.Sale.ID)
	assert.Equal(t, created.Sale.CreatedAt, res.Sale.CreatedAt)

	// AND: Only the new records exist
	recs, err := c.Records(ctx, created.Sale.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(500), recs[0].Quantity)
}

func TestUpdateSale_CanSwitchProgram(t *testing.T) {
	store := memory.New()
	smiles := addLot(t, store, "smiles", day(time.January, 1), 1000, "20")
	latam := addLot(t, store, "latam-pass", day(time.January, 1), 1000, "30")
	inv := &recordingInvalidator{}
	c := sales.NewCoordinator(store, sales.WithInvalidator(inv))
	created, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{milesItem("smiles", 800, 500)})
	require.NoError(t, err)

	_, err = c.UpdateSale(ctx, created.Sale.ID, newSale(1), []sales.LineItem{milesItem("latam-pass", 800, 500)})

	require.NoError(t, err)
	assert.Equal(t, int64(1000), remaining(t, store, smiles.ID))
	assert.Equal(t, int64(200), remaining(t, store, latam.ID))
	require.Len(t, inv.calls, 2)
	assert.ElementsMatch(t, []miles.ProgramID{"smiles", "latam-pass"}, inv.calls[1])
}

func TestUpdateSale_RollsBackWhenNewItemsDoNotFit(t *testing.T) {
	// GIVEN: A 1,000 mile sale out of 3,000 available
	store := memory.New()
	lot := addLot(t, store, "smiles", day(time.January, 1), 3000, "20")
	c := sales.NewCoordinator(store)
	created, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{milesItem("smiles", 1000, 500)})
	require.NoError(t, err)

	// WHEN: Updating to 5,000 miles
	_, err = c.UpdateSale(ctx, created.Sale.ID, newSale(1), []sales.LineItem{milesItem("smiles", 5000, 500)})

	// THEN: Rejected, and the original allocation is untouched
	assert.ErrorIs(t, err, miles.ErrInsufficientInventory)
	assert.Equal(t, int64(2000), remaining(t, store, lot.ID))
	recs, err := c.Records(ctx, created.Sale.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1000), recs[0].Quantity)
}

func TestUpdateSale_NotFound(t *testing.T) {
	c := sales.NewCoordinator(memory.New())

	_, err := c.UpdateSale(ctx, "ghost", newSale(1), []sales.LineItem{cashItem(10)})

	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteSale_RestoresAndCascades(t *testing.T) {
	store := memory.New()
	lot := addLot(t, store, "smiles", day(time.January, 1), 3000, "20")
	inv := &recordingInvalidator{}
	c := sales.NewCoordinator(store, sales.WithInvalidator(inv))
	created, err := c.CreateSale(ctx, newSale(2), []sales.LineItem{milesItem("smiles", 3000, 500)})
	require.NoError(t, err)

	rev, err := c.DeleteSale(ctx, created.Sale.ID)

	require.NoError(t, err)
	assert.Equal(t, int64(3000), rev.RestoredQuantity())
	assert.Equal(t, 1, rev.RecordsDeleted)
	assert.True(t, rev.Restored[0].Reopened)

	restored, err := store.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), restored.RemainingQuantity)
	assert.Equal(t, miles.LotActive, restored.Status)

	_, err = c.GetSale(ctx, created.Sale.ID)
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
	_, err = c.Installments(ctx, created.Sale.ID)
	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
	assert.Equal(t, []miles.ProgramID{"smiles"}, inv.calls[len(inv.calls)-1])
}

func TestDeleteSale_NotFound(t *testing.T) {
	_, err := sales.NewCoordinator(memory.New()).DeleteSale(ctx, "ghost")

	assert.ErrorIs(t, err, sales.ErrSaleNotFound)
}

func TestDeleteSale_CashOnlySale(t *testing.T) {
	c := sales.NewCoordinator(memory.New())
	created, err := c.CreateSale(ctx, newSale(1), []sales.LineItem{cashItem(250)})
	require.NoError(t, err)

	rev, err := c.DeleteSale(ctx, created.Sale.ID)

	require.NoError(t, err)
	assert.True(t, rev.IsNoop())
}
