package memory

import (
	"context"
	"testing"

	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/interleads/travelagency-system-sub000/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sales.TxStore { return New() })
}

func TestReset(t *testing.T) {
	m := New()
	require.NoError(t, m.SaveSale(context.Background(), sales.Sale{ID: "s1", CustomerName: "x"}))

	require.NoError(t, m.Reset(context.Background()))

	list, err := m.ListSales(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
