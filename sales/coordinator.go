/*
coordinator.go - Sale lifecycle: create, update, delete

PURPOSE:
  The only entry point that changes sales. It makes sure miles inventory
  follows every sale change exactly, inside one store transaction.

OPERATIONS:
  CreateSale:
    allocate each miles-funded item -> stamp MilesCost / CostPerThousand
    -> persist sale + items -> regenerate installments

  UpdateSale:
    sale must exist -> reverse everything it drew -> create path again
    (same sale id, original CreatedAt kept)

  DeleteSale:
    sale must exist -> reverse everything it drew -> delete sale, items
    and installments

ATOMICITY:
  Each operation is one WithTx call. Any error (not enough miles, a lost
  race that exhausted its retries, a storage failure) rolls back every lot
  decrement, record, item and installment of that call. Callers never see
  a half-applied sale.

UPDATE EXAMPLE:
  Sale S drew 2000 miles. The user edits it to 500.
    reverse(S)   -> lots regain 2000, S's records deleted
    allocate 500 -> lots lose 500, new records
  Net change versus before the edit: 1500 miles back in inventory.

AFTER COMMIT:
  The invalidator (balance cache) is told which programs changed, metrics
  are recorded and one structured log line is written.

SEE ALSO:
  - miles/allocation.go, miles/reversal.go: The engines
  - store.go: TxStore contract
*/
package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interleads/travelagency-system-sub000/logger"
	"github.com/interleads/travelagency-system-sub000/metrics"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/shopspring/decimal"
)

// Invalidator is told which programs' inventory changed after a commit.
type Invalidator interface {
	InvalidatePrograms(ctx context.Context, programs []miles.ProgramID) error
}

// Result is the outcome of a create or update.
type Result struct {
	Sale         Sale
	Allocations  []miles.Allocation
	Reversal     *miles.Reversal
	Installments []Installment
	Warnings     []string
}

type Coordinator struct {
	store       TxStore
	engineOpts  []miles.Option
	log         *logger.Logger
	invalidator Invalidator
	now         func() time.Time
}

type CoordinatorOption func(*Coordinator)

// WithEngineOptions passes options to the allocation and reversal engines.
func WithEngineOptions(opts ...miles.Option) CoordinatorOption {
	return func(c *Coordinator) { c.engineOpts = append(c.engineOpts, opts...) }
}

func WithLogger(l *logger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithInvalidator(inv Invalidator) CoordinatorOption {
	return func(c *Coordinator) { c.invalidator = inv }
}

func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(store TxStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store: store,
		log:   logger.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// WRITE SIDE
// =============================================================================

// CreateSale persists a new sale and allocates miles for its items.
func (c *Coordinator) CreateSale(ctx context.Context, sale Sale, items []LineItem) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveSaleOperation("create", start, err) }()

	if err := Validate(sale, items); err != nil {
		return nil, err
	}
	if sale.ID == "" {
		sale.ID = NewSaleID()
	}
	now := c.now()
	sale.CreatedAt = now
	sale.UpdatedAt = now

	err = c.store.WithTx(ctx, func(tx Store) error {
		// Placing over an existing sale would leave its old draws live.
		_, err := tx.GetSale(ctx, sale.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrDuplicateSale, sale.ID)
		case !errors.Is(err, ErrSaleNotFound):
			return wrapSaleStorage("get sale", err)
		}
		res, err = c.place(ctx, tx, sale, items)
		return err
	})
	if err != nil {
		c.log.Error(c.saleContext(ctx, sale.ID), "sale.create_failed", err)
		return nil, err
	}

	c.afterCommit(ctx, "sale.created", res.Sale.ID, res.Sale.Programs(), res.Warnings)
	return res, nil
}

// UpdateSale reverses the sale's previous allocation and re-allocates from
// the new line items, atomically.
func (c *Coordinator) UpdateSale(ctx context.Context, id miles.SaleID, sale Sale, items []LineItem) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveSaleOperation("update", start, err) }()

	if err := Validate(sale, items); err != nil {
		return nil, err
	}

	var previous Sale
	err = c.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetSale(ctx, id)
		if err != nil {
			return wrapSaleStorage("get sale", err)
		}
		previous = existing

		reversal, err := miles.NewReversalEngine(tx, c.engineOpts...).Reverse(ctx, id)
		if err != nil {
			return fmt.Errorf("reverse sale %s: %w", id, err)
		}

		sale.ID = id
		sale.CreatedAt = existing.CreatedAt
		sale.UpdatedAt = c.now()
		res, err = c.place(ctx, tx, sale, items)
		if err != nil {
			return err
		}
		res.Reversal = &reversal
		return nil
	})
	if err != nil {
		c.log.Error(c.saleContext(ctx, id), "sale.update_failed", err)
		return nil, err
	}

	programs := mergePrograms(previous.Programs(), res.Sale.Programs())
	c.afterCommit(ctx, "sale.updated", id, programs, res.Warnings)
	return res, nil
}

// DeleteSale reverses the sale's allocation and removes it with its items
// and installments.
func (c *Coordinator) DeleteSale(ctx context.Context, id miles.SaleID) (rev *miles.Reversal, err error) {
	start := time.Now()
	defer func() { metrics.ObserveSaleOperation("delete", start, err) }()

	var previous Sale
	err = c.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetSale(ctx, id)
		if err != nil {
			return wrapSaleStorage("get sale", err)
		}
		previous = existing

		reversal, err := miles.NewReversalEngine(tx, c.engineOpts...).Reverse(ctx, id)
		if err != nil {
			return fmt.Errorf("reverse sale %s: %w", id, err)
		}
		if err := tx.DeleteSale(ctx, id); err != nil {
			return wrapSaleStorage("delete sale", err)
		}
		rev = &reversal
		return nil
	})
	if err != nil {
		c.log.Error(c.saleContext(ctx, id), "sale.delete_failed", err)
		return nil, err
	}

	c.afterCommit(ctx, "sale.deleted", id, previous.Programs(), nil)
	return rev, nil
}

// place is the create path shared by create and update. It runs inside tx.
func (c *Coordinator) place(ctx context.Context, tx Store, sale Sale, items []LineItem) (*Result, error) {
	engine := miles.NewAllocationEngine(tx, c.engineOpts...)
	res := &Result{}

	placed := make([]LineItem, len(items))
	total := decimal.Zero
	for i, item := range items {
		if item.ID == "" {
			item.ID = NewLineItemID()
		}
		item.SaleID = sale.ID
		item.MilesCost = decimal.Zero
		item.CostPerThousand = decimal.Zero
		item.Shortfall = 0

		if item.PaysWithMiles {
			alloc, err := engine.Allocate(ctx, item.Requirement())
			if err != nil {
				return nil, fmt.Errorf("allocate item %d (%s): %w", i, item.ProgramID, err)
			}
			item.MilesCost = alloc.TotalCost
			item.CostPerThousand = alloc.AverageCostPerThousand()
			item.Shortfall = alloc.Shortfall
			if !alloc.IsComplete() {
				res.Warnings = append(res.Warnings, fmt.Sprintf(
					"item %d: only %d of %d miles of program %s were available",
					i, alloc.Allocated, item.MilesRequired, item.ProgramID))
			}
			res.Allocations = append(res.Allocations, alloc)
		}

		placed[i] = item
		total = total.Add(item.Amount)
	}

	sale.LineItems = placed
	sale.TotalAmount = total
	if sale.FirstDueDate.IsZero() {
		sale.FirstDueDate = sale.SaleDate
	}
	if err := tx.SaveSale(ctx, sale); err != nil {
		return nil, wrapSaleStorage("save sale", err)
	}

	schedule := Schedule(sale.ID, sale.TotalAmount, sale.InstallmentCount, sale.FirstDueDate)
	if err := tx.SaveInstallments(ctx, sale.ID, schedule); err != nil {
		return nil, wrapSaleStorage("save installments", err)
	}

	res.Sale = sale
	res.Installments = schedule
	return res, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, event string, id miles.SaleID, programs []miles.ProgramID, warnings []string) {
	ctx = c.log.WithFields(c.saleContext(ctx, id), map[string]any{"programs": programs})
	if c.invalidator != nil && len(programs) > 0 {
		if err := c.invalidator.InvalidatePrograms(ctx, programs); err != nil {
			c.log.Error(ctx, "balance_cache.invalidate_failed", err)
		}
	}
	for _, w := range warnings {
		c.log.Warn(c.log.WithField(ctx, "warning", w), "sale.miles_shortfall")
	}
	c.log.Info(ctx, event)
}

func (c *Coordinator) saleContext(ctx context.Context, id miles.SaleID) context.Context {
	return c.log.WithSaleID(ctx, string(id))
}

// =============================================================================
// READ SIDE
// =============================================================================

func (c *Coordinator) GetSale(ctx context.Context, id miles.SaleID) (Sale, error) {
	sale, err := c.store.GetSale(ctx, id)
	if err != nil {
		return Sale{}, wrapSaleStorage("get sale", err)
	}
	return sale, nil
}

func (c *Coordinator) ListSales(ctx context.Context) ([]Sale, error) {
	out, err := c.store.ListSales(ctx)
	if err != nil {
		return nil, wrapSaleStorage("list sales", err)
	}
	return out, nil
}

func (c *Coordinator) Installments(ctx context.Context, id miles.SaleID) ([]Installment, error) {
	if _, err := c.GetSale(ctx, id); err != nil {
		return nil, err
	}
	out, err := c.store.Installments(ctx, id)
	if err != nil {
		return nil, wrapSaleStorage("installments", err)
	}
	return out, nil
}

// Records returns the consumption records of a sale.
func (c *Coordinator) Records(ctx context.Context, id miles.SaleID) ([]miles.ConsumptionRecord, error) {
	return miles.NewLedgerRecorder(c.store).BySale(ctx, id)
}

func wrapSaleStorage(op string, err error) error {
	if errors.Is(err, ErrSaleNotFound) || errors.Is(err, ErrInvalidSale) ||
		errors.Is(err, ErrDuplicateSale) || errors.Is(err, ErrDuplicateLineItem) {
		return err
	}
	return miles.WrapStorage(op, err)
}

func mergePrograms(a, b []miles.ProgramID) []miles.ProgramID {
	seen := make(map[miles.ProgramID]bool, len(a)+len(b))
	var out []miles.ProgramID
	for _, p := range append(append([]miles.ProgramID{}, a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
