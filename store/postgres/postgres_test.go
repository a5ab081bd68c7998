package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to DATABASE_URL, migrates and empties every table.
// Tests are skipped when no database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))

	store := New(pool)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sales.TxStore { return newTestStore(t) })
}

func TestConcurrentAllocationsNeverOverdraw(t *testing.T) {
	// GIVEN: 10,000 miles in two lots
	store := newTestStore(t)
	ctx := context.Background()
	for i, qty := range []int64{4000, 6000} {
		lot, err := miles.NewLot("smiles", time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC), qty, decimal.NewFromInt(20), "")
		require.NoError(t, err)
		require.NoError(t, store.CreateLot(ctx, lot))
	}

	// WHEN: 20 sales of 700 race for them in their own transactions
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sale := miles.SaleID(fmt.Sprintf("race-%02d", i))
			err := store.WithTx(ctx, func(tx sales.Store) error {
				_, err := miles.NewAllocationEngine(tx).Allocate(ctx, miles.Requirement{ProgramID: "smiles", Quantity: 700, SaleID: sale})
				return err
			})
			if err == nil {
				mu.Lock()
				accepted += 700
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly what was accepted left the lots, and the ledger agrees
	balance, err := miles.BalanceFor(ctx, store, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(10000)-accepted, balance.Available)
	assert.LessOrEqual(t, accepted, int64(10000))

	report, err := miles.NewAuditor(store, store).Audit(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Clean(), "violations: %v", report.Violations)
}
