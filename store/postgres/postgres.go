/*
Package postgres provides a PostgreSQL-backed sales.TxStore using pgx.

PURPOSE:
  The production store. Same contract as store/sqlite, with PostgreSQL
  doing the concurrency control instead of a process-local mutex.

DIALECT NOTES:
  - Money is NUMERIC; values go in as text with ::NUMERIC and come back
    with ::TEXT so decimal.Decimal never passes through float64
  - Times are TIMESTAMPTZ and scan straight into time.Time
  - Inside WithTx, the FIFO lot scan takes row locks (FOR UPDATE) so two
    transactions allocating the same program queue instead of racing;
    the conditional update still guards every write

MIGRATIONS:
  Schema lives in migrations/*.sql, embedded in the binary and applied
  with goose (Migrate).

USAGE:
  pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
  _ = postgres.Migrate(ctx, pool)
  store := postgres.New(pool)

SEE ALSO:
  - store/sqlite: Embedded implementation of the same contract
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements sales.TxStore using PostgreSQL as the source of truth.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and checks it is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) direct() ops { return ops{q: s.pool} }

func (s *Store) GetLot(ctx context.Context, id miles.LotID) (miles.Lot, error) {
	return s.direct().GetLot(ctx, id)
}

func (s *Store) ListLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	return s.direct().ListLots(ctx, programID)
}

func (s *Store) ListAvailableLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	return s.direct().ListAvailableLots(ctx, programID)
}

func (s *Store) CreateLot(ctx context.Context, lot miles.Lot) error {
	return s.direct().CreateLot(ctx, lot)
}

func (s *Store) UpdateLotQuantity(ctx context.Context, u miles.LotUpdate) error {
	return s.direct().UpdateLotQuantity(ctx, u)
}

func (s *Store) RecordsBySale(ctx context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	return s.direct().RecordsBySale(ctx, saleID)
}

func (s *Store) RecordsByLot(ctx context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	return s.direct().RecordsByLot(ctx, lotID)
}

func (s *Store) InsertRecord(ctx context.Context, rec miles.ConsumptionRecord) error {
	return s.direct().InsertRecord(ctx, rec)
}

func (s *Store) DeleteSaleRecords(ctx context.Context, saleID miles.SaleID) (int, error) {
	return s.direct().DeleteSaleRecords(ctx, saleID)
}

// SaveSale runs in its own transaction since it touches two tables.
func (s *Store) SaveSale(ctx context.Context, sale sales.Sale) error {
	return s.WithTx(ctx, func(tx sales.Store) error { return tx.SaveSale(ctx, sale) })
}

func (s *Store) GetSale(ctx context.Context, id miles.SaleID) (sales.Sale, error) {
	return s.direct().GetSale(ctx, id)
}

func (s *Store) ListSales(ctx context.Context) ([]sales.Sale, error) {
	return s.direct().ListSales(ctx)
}

func (s *Store) DeleteSale(ctx context.Context, id miles.SaleID) error {
	return s.direct().DeleteSale(ctx, id)
}

func (s *Store) SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	return s.WithTx(ctx, func(tx sales.Store) error { return tx.SaveInstallments(ctx, saleID, installments) })
}

func (s *Store) Installments(ctx context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	return s.direct().Installments(ctx, saleID)
}

// WithTx executes fn within a pgx transaction.
func (s *Store) WithTx(ctx context.Context, fn func(sales.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ops{q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE installments, sale_items, sales, consumption_records, lots`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
