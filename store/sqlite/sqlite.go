/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements sales.TxStore (and therefore miles.Store) using SQLite. The
  PostgreSQL store in store/postgres follows the same patterns with the
  dialect differences spelled out there.

INTERFACES IMPLEMENTED:
  miles.LotStore:    Lots with conditional quantity updates
  miles.LedgerStore: Consumption records
  sales.SaleStore:   Sales, line items, installments
  sales.TxStore:     WithTx over a database/sql transaction

KEY TABLES:
  lots:                Purchase batches; remaining_quantity is the CAS column
  consumption_records: One row per lot draw of a sale line item
  sales:               Sale headers
  sale_items:          Line items (cascade-deleted with the sale)
  installments:        Payment schedule (cascade-deleted with the sale)

CONDITIONAL UPDATES:
  UPDATE lots SET remaining_quantity = ?, status = ?
  WHERE id = ? AND remaining_quantity = ?

  Zero rows affected means either the lot is gone (ErrLotNotFound) or
  another writer got there first (ErrConcurrentModification).

INDEXES:
  - idx_lots_fifo: FIFO scan of available lots (hot path)
  - idx_records_sale: Reversal lookups
  - idx_records_lot: Audit lookups

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; WithTx holds the write lock for the
  whole transaction and every statement inside it goes through the
  *sql.Tx. A ":memory:" database is pinned to one connection, since every
  new connection would see an empty database.

MONEY AND TIME:
  Decimals are stored as TEXT (decimal.Decimal is a driver.Valuer and
  sql.Scanner). Times are stored as fixed-width UTC text so that ORDER BY
  on the column is chronological.

USAGE:
  store, err := sqlite.New("./data/miles.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - miles/store.go, sales/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/mattn/go-sqlite3"
)

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		purchase_date TEXT NOT NULL,
		original_quantity INTEGER NOT NULL CHECK (original_quantity > 0),
		remaining_quantity INTEGER NOT NULL
			CHECK (remaining_quantity >= 0 AND remaining_quantity <= original_quantity),
		cost_per_thousand TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'depleted')),
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_fifo
		ON lots(program_id, status, purchase_date, id);

	-- No foreign keys: a record may outlive its lot, and reversal tolerates that.
	CREATE TABLE IF NOT EXISTS consumption_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sale_id TEXT,
		line_item_id TEXT,
		lot_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		cost_per_thousand TEXT NOT NULL,
		total_value TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_sale ON consumption_records(sale_id);
	CREATE INDEX IF NOT EXISTS idx_records_lot ON consumption_records(lot_id);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		customer_name TEXT NOT NULL,
		description TEXT,
		sale_date TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		installment_count INTEGER NOT NULL DEFAULT 1,
		first_due_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		description TEXT,
		amount TEXT NOT NULL,
		pays_with_miles INTEGER NOT NULL DEFAULT 0,
		program_id TEXT,
		miles_required INTEGER NOT NULL DEFAULT 0,
		miles_cost TEXT NOT NULL,
		cost_per_thousand TEXT NOT NULL,
		shortfall INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id, position);

	CREATE TABLE IF NOT EXISTS installments (
		sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (sale_id, number)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS - Non-transactional access
// =============================================================================

func (s *Store) direct() ops { return ops{q: s.db} }

func (s *Store) GetLot(ctx context.Context, id miles.LotID) (miles.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetLot(ctx, id)
}

func (s *Store) ListLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListLots(ctx, programID)
}

func (s *Store) ListAvailableLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListAvailableLots(ctx, programID)
}

func (s *Store) CreateLot(ctx context.Context, lot miles.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateLot(ctx, lot)
}

func (s *Store) UpdateLotQuantity(ctx context.Context, u miles.LotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().UpdateLotQuantity(ctx, u)
}

func (s *Store) RecordsBySale(ctx context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().RecordsBySale(ctx, saleID)
}

func (s *Store) RecordsByLot(ctx context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().RecordsByLot(ctx, lotID)
}

func (s *Store) InsertRecord(ctx context.Context, rec miles.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertRecord(ctx, rec)
}

func (s *Store) DeleteSaleRecords(ctx context.Context, saleID miles.SaleID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().DeleteSaleRecords(ctx, saleID)
}

// SaveSale runs in its own transaction since it touches two tables.
func (s *Store) SaveSale(ctx context.Context, sale sales.Sale) error {
	return s.WithTx(ctx, func(tx sales.Store) error {
		return tx.SaveSale(ctx, sale)
	})
}

func (s *Store) GetSale(ctx context.Context, id miles.SaleID) (sales.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().GetSale(ctx, id)
}

func (s *Store) ListSales(ctx context.Context) ([]sales.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().ListSales(ctx)
}

func (s *Store) DeleteSale(ctx context.Context, id miles.SaleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().DeleteSale(ctx, id)
}

func (s *Store) SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	return s.WithTx(ctx, func(tx sales.Store) error {
		return tx.SaveInstallments(ctx, saleID, installments)
	})
}

func (s *Store) Installments(ctx context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.direct().Installments(ctx, saleID)
}

// =============================================================================
// TRANSACTIONAL STORE (sales.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store sales.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ops{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"installments", "sale_items", "sales", "consumption_records", "lots"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, value)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
