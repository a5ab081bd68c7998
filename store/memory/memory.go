// Package memory provides an in-memory sales.TxStore for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	lots         map[miles.LotID]miles.Lot
	records      []miles.ConsumptionRecord
	sales        map[miles.SaleID]sales.Sale
	installments map[miles.SaleID][]sales.Installment
}

func newState() *state {
	return &state{
		lots:         make(map[miles.LotID]miles.Lot),
		sales:        make(map[miles.SaleID]sales.Sale),
		installments: make(map[miles.SaleID][]sales.Installment),
	}
}

func New() *Memory {
	return &Memory{state: newState()}
}

// Reset drops every lot, record and sale.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

func (m *Memory) GetLot(ctx context.Context, id miles.LotID) (miles.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetLot(ctx, id)
}

func (m *Memory) ListLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListLots(ctx, programID)
}

func (m *Memory) ListAvailableLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAvailableLots(ctx, programID)
}

func (m *Memory) CreateLot(ctx context.Context, lot miles.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateLot(ctx, lot)
}

func (m *Memory) UpdateLotQuantity(ctx context.Context, u miles.LotUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateLotQuantity(ctx, u)
}

func (m *Memory) RecordsBySale(ctx context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RecordsBySale(ctx, saleID)
}

func (m *Memory) RecordsByLot(ctx context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RecordsByLot(ctx, lotID)
}

func (m *Memory) InsertRecord(ctx context.Context, rec miles.ConsumptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertRecord(ctx, rec)
}

func (m *Memory) DeleteSaleRecords(ctx context.Context, saleID miles.SaleID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteSaleRecords(ctx, saleID)
}

func (m *Memory) SaveSale(ctx context.Context, sale sales.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveSale(ctx, sale)
}

func (m *Memory) GetSale(ctx context.Context, id miles.SaleID) (sales.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetSale(ctx, id)
}

func (m *Memory) ListSales(ctx context.Context) ([]sales.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListSales(ctx)
}

func (m *Memory) DeleteSale(ctx context.Context, id miles.SaleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteSale(ctx, id)
}

func (m *Memory) SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveInstallments(ctx, saleID, installments)
}

func (m *Memory) Installments(ctx context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Installments(ctx, saleID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with an exclusive lock, a snapshot and
// a rollback on error. Transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(sales.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.lots {
		c.lots[k] = v
	}
	c.records = append([]miles.ConsumptionRecord(nil), s.records...)
	for k, v := range s.sales {
		c.sales[k] = copySale(v)
	}
	for k, v := range s.installments {
		c.installments[k] = append([]sales.Installment(nil), v...)
	}
	return c
}

// =============================================================================
// UNLOCKED STATE - Callers hold the lock
// =============================================================================

func (s *state) GetLot(_ context.Context, id miles.LotID) (miles.Lot, error) {
	lot, ok := s.lots[id]
	if !ok {
		return miles.Lot{}, miles.ErrLotNotFound
	}
	return lot, nil
}

func (s *state) ListLots(_ context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	var out []miles.Lot
	for _, lot := range s.lots {
		if programID == "" || lot.ProgramID == programID {
			out = append(out, lot)
		}
	}
	miles.SortFIFO(out)
	return out, nil
}

func (s *state) ListAvailableLots(_ context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	var out []miles.Lot
	for _, lot := range s.lots {
		if lot.ProgramID == programID && lot.IsAvailable() {
			out = append(out, lot)
		}
	}
	miles.SortFIFO(out)
	return out, nil
}

func (s *state) CreateLot(_ context.Context, lot miles.Lot) error {
	if _, exists := s.lots[lot.ID]; exists {
		return miles.ErrDuplicateLot
	}
	s.lots[lot.ID] = lot
	return nil
}

func (s *state) UpdateLotQuantity(_ context.Context, u miles.LotUpdate) error {
	lot, ok := s.lots[u.ID]
	if !ok {
		return miles.ErrLotNotFound
	}
	if lot.RemainingQuantity != u.ExpectedRemaining {
		return miles.ErrConcurrentModification
	}
	lot.RemainingQuantity = u.Remaining
	lot.Status = u.Status
	s.lots[u.ID] = lot
	return nil
}

func (s *state) RecordsBySale(_ context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	var out []miles.ConsumptionRecord
	for _, rec := range s.records {
		if rec.SaleID == saleID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *state) RecordsByLot(_ context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	var out []miles.ConsumptionRecord
	for _, rec := range s.records {
		if rec.LotID == lotID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *state) InsertRecord(_ context.Context, rec miles.ConsumptionRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *state) DeleteSaleRecords(_ context.Context, saleID miles.SaleID) (int, error) {
	kept := s.records[:0]
	deleted := 0
	for _, rec := range s.records {
		if rec.SaleID == saleID {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

func (s *state) SaveSale(_ context.Context, sale sales.Sale) error {
	owners := make(map[miles.LineItemID]miles.SaleID)
	for id, other := range s.sales {
		if id == sale.ID {
			continue
		}
		for _, item := range other.LineItems {
			owners[item.ID] = id
		}
	}
	for _, item := range sale.LineItems {
		if _, taken := owners[item.ID]; taken {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateLineItem, item.ID)
		}
		owners[item.ID] = sale.ID
	}
	s.sales[sale.ID] = copySale(sale)
	return nil
}

func (s *state) GetSale(_ context.Context, id miles.SaleID) (sales.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	return copySale(sale), nil
}

func (s *state) ListSales(_ context.Context) ([]sales.Sale, error) {
	out := make([]sales.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		out = append(out, copySale(sale))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) DeleteSale(_ context.Context, id miles.SaleID) error {
	if _, ok := s.sales[id]; !ok {
		return sales.ErrSaleNotFound
	}
	delete(s.sales, id)
	delete(s.installments, id)
	return nil
}

func (s *state) SaveInstallments(_ context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	s.installments[saleID] = append([]sales.Installment(nil), installments...)
	return nil
}

func (s *state) Installments(_ context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	return append([]sales.Installment(nil), s.installments[saleID]...), nil
}

func copySale(sale sales.Sale) sales.Sale {
	sale.LineItems = append([]sales.LineItem(nil), sale.LineItems...)
	return sale
}
