/*
store.go - Persistence interface for sales, plus transactions

PURPOSE:
  Extends the miles store with sale headers, line items and installments,
  and adds the transaction boundary every lifecycle operation runs in.

KEY INTERFACES:
  SaleStore: Sale CRUD (items and installments travel with their sale)
  Store:     miles.Store + SaleStore, what one transaction sees
  TxStore:   Store + WithTx

TRANSACTIONS:
  WithTx runs fn against a transactional view. If fn returns an error the
  whole transaction is rolled back: lots, records, sale, items and
  installments all return to their state before WithTx was called.

IMPLEMENTATIONS:
  - store/memory: Exclusive lock + snapshot/rollback
  - store/sqlite: database/sql transaction
  - store/postgres: pgx transaction

SEE ALSO:
  - miles/store.go: Lot and ledger persistence
  - coordinator.go: The only caller of WithTx
*/
package sales

import (
	"context"

	"github.com/interleads/travelagency-system-sub000/miles"
)

type SaleStore interface {
	// SaveSale inserts or replaces a sale and all of its line items.
	// A line item id used twice, or owned by another sale, is
	// ErrDuplicateLineItem.
	SaveSale(ctx context.Context, sale Sale) error

	// GetSale returns the sale with its line items, or ErrSaleNotFound.
	GetSale(ctx context.Context, id miles.SaleID) (Sale, error)

	// ListSales returns every sale, newest first, with line items.
	ListSales(ctx context.Context) ([]Sale, error)

	// DeleteSale removes the sale, its items and installments, or ErrSaleNotFound.
	DeleteSale(ctx context.Context, id miles.SaleID) error

	// SaveInstallments replaces the installment schedule of a sale.
	SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []Installment) error

	// Installments returns the schedule of a sale ordered by number.
	Installments(ctx context.Context, saleID miles.SaleID) ([]Installment, error)
}

type Store interface {
	miles.Store
	SaleStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
