/*
allocation.go - FIFO allocation of a miles requirement across lots

PURPOSE:
  Given "this line item needs N miles of program P", decide which lots pay
  for it, decrement them, write one consumption record per lot touched,
  and compute the cost of the miles used.

ALGORITHM:
  1. Load active lots of P with remaining > 0, oldest purchase first
     (ties broken by lot id)
  2. For each lot while need > 0:
       take = min(need, lot.remaining)
       lot.Draw(take)             -> status recomputed by StatusFor
       conditional write of lot   -> CAS on remaining quantity
       record the draw            -> cost copied from the lot
       totalCost += take / 1000 × lot.costPerThousand
  3. Whatever is still needed is the shortfall

EXAMPLE:
  Lots of program "smiles":
    L1  2024-01-01  remaining 1000  @ 20.00/1000
    L2  2024-02-01  remaining 1000  @ 25.00/1000

  Allocate 1500:
    L1 -> 1000 (cost 20.00), now depleted
    L2 ->  500 (cost 12.50), 500 left, active
    TotalCost = 32.50

SHORTFALL POLICY:
  ShortfallReject (default): check the available total before touching
  anything and return *InsufficientInventoryError if it is not enough.
  Nothing is mutated.

  ShortfallPartial: draw what exists, return the allocation with
  Shortfall > 0 and no error. The caller decides what to tell the user.

CONCURRENCY:
  A lot write fails with ErrConcurrentModification when another writer
  changed the lot since it was read. The engine re-reads that lot and
  retries, up to MaxConflictRetries times, then gives up with the
  (retryable) conflict error. Run Allocate inside a store transaction so
  a failure halfway through rolls back the draws already made.

SEE ALSO:
  - ledger.go: Record writing
  - reversal.go: The inverse operation
  - sales/coordinator.go: Calls Allocate per line item inside a transaction
*/
package miles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interleads/travelagency-system-sub000/metrics"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUIREMENT & ALLOCATION
// =============================================================================

// Requirement asks for Quantity miles of ProgramID for one sale line item.
type Requirement struct {
	ProgramID   ProgramID
	Quantity    int64
	SaleID      SaleID
	LineItemID  LineItemID
	Description string
}

func (r Requirement) Validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: requirement of %d miles", ErrInvalidQuantity, r.Quantity)
	}
	if r.ProgramID == "" {
		return fmt.Errorf("%w: program id is required", ErrInvalidRequirement)
	}
	if r.SaleID == "" {
		return fmt.Errorf("%w: sale id is required", ErrInvalidRequirement)
	}
	return nil
}

// Draw is the part of an allocation taken from one lot.
type Draw struct {
	LotID           LotID
	Quantity        int64
	CostPerThousand decimal.Decimal
	Cost            decimal.Decimal
	RecordID        RecordID
	Depleted        bool
}

// Allocation is the outcome of one Allocate call.
type Allocation struct {
	Requirement Requirement
	Draws       []Draw
	Allocated   int64
	TotalCost   decimal.Decimal
	Shortfall   int64
}

// IsComplete reports whether the whole requirement was covered.
func (a Allocation) IsComplete() bool { return a.Shortfall == 0 }

// AverageCostPerThousand is the weighted cost per 1000 miles across draws.
func (a Allocation) AverageCostPerThousand() decimal.Decimal {
	if a.Allocated == 0 {
		return decimal.Zero
	}
	return a.TotalCost.Mul(thousand).Div(decimal.NewFromInt(a.Allocated)).Round(4)
}

// =============================================================================
// OPTIONS
// =============================================================================

type ShortfallPolicy string

const (
	ShortfallReject  ShortfallPolicy = "reject"
	ShortfallPartial ShortfallPolicy = "partial"
)

// ParseShortfallPolicy maps a config string to a policy. Empty means reject.
func ParseShortfallPolicy(s string) (ShortfallPolicy, error) {
	switch ShortfallPolicy(s) {
	case "", ShortfallReject:
		return ShortfallReject, nil
	case ShortfallPartial:
		return ShortfallPartial, nil
	}
	return "", fmt.Errorf("unknown shortfall policy %q", s)
}

// DefaultMaxConflictRetries bounds re-reads of a lot after a lost CAS.
const DefaultMaxConflictRetries = 3

type engineConfig struct {
	shortfall  ShortfallPolicy
	maxRetries int
	now        func() time.Time
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		shortfall:  ShortfallReject,
		maxRetries: DefaultMaxConflictRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Option configures the allocation and reversal engines.
type Option func(*engineConfig)

func WithShortfallPolicy(p ShortfallPolicy) Option {
	return func(c *engineConfig) {
		if p != "" {
			c.shortfall = p
		}
	}
}

func WithMaxConflictRetries(n int) Option {
	return func(c *engineConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// =============================================================================
// ALLOCATION ENGINE
// =============================================================================

type AllocationEngine struct {
	store    Store
	recorder *LedgerRecorder
	cfg      engineConfig
}

func NewAllocationEngine(store Store, opts ...Option) *AllocationEngine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	recorder := NewLedgerRecorder(store)
	recorder.Now = cfg.now
	return &AllocationEngine{store: store, recorder: recorder, cfg: cfg}
}

// ShortfallPolicy returns the policy the engine was built with.
func (e *AllocationEngine) ShortfallPolicy() ShortfallPolicy { return e.cfg.shortfall }

// Allocate draws req.Quantity miles FIFO from the program's lots.
func (e *AllocationEngine) Allocate(ctx context.Context, req Requirement) (Allocation, error) {
	if err := req.Validate(); err != nil {
		return Allocation{}, err
	}

	lots, err := e.store.ListAvailableLots(ctx, req.ProgramID)
	if err != nil {
		return Allocation{}, WrapStorage("list available lots", err)
	}

	var available int64
	for _, lot := range lots {
		available += lot.RemainingQuantity
	}
	if available < req.Quantity && e.cfg.shortfall == ShortfallReject {
		metrics.AllocationsTotal.WithLabelValues(string(req.ProgramID), "rejected").Inc()
		return Allocation{}, &InsufficientInventoryError{
			ProgramID: req.ProgramID,
			Requested: req.Quantity,
			Available: available,
			Shortfall: req.Quantity - available,
		}
	}

	alloc := Allocation{Requirement: req, TotalCost: decimal.Zero}
	need := req.Quantity
	for _, lot := range lots {
		if need == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return Allocation{}, err
		}

		before, after, err := e.drawWithRetry(ctx, lot, need)
		if err != nil {
			return Allocation{}, err
		}
		taken := before.RemainingQuantity - after.RemainingQuantity
		if taken == 0 {
			continue
		}

		rec, err := e.recorder.RecordDraw(ctx, req, before, taken)
		if err != nil {
			return Allocation{}, err
		}

		alloc.Draws = append(alloc.Draws, Draw{
			LotID:           before.ID,
			Quantity:        taken,
			CostPerThousand: rec.CostPerThousand,
			Cost:            rec.TotalValue,
			RecordID:        rec.ID,
			Depleted:        after.Status == LotDepleted,
		})
		alloc.Allocated += taken
		alloc.TotalCost = alloc.TotalCost.Add(rec.TotalValue)
		need -= taken
	}
	alloc.Shortfall = need

	if need > 0 && e.cfg.shortfall == ShortfallReject {
		// Lots were drained by concurrent writers after the availability check.
		metrics.AllocationsTotal.WithLabelValues(string(req.ProgramID), "rejected").Inc()
		return Allocation{}, &InsufficientInventoryError{
			ProgramID: req.ProgramID,
			Requested: req.Quantity,
			Available: alloc.Allocated,
			Shortfall: need,
		}
	}

	outcome := "complete"
	if need > 0 {
		outcome = "partial"
		metrics.ShortfallMiles.WithLabelValues(string(req.ProgramID)).Add(float64(need))
	}
	metrics.AllocationsTotal.WithLabelValues(string(req.ProgramID), outcome).Inc()
	metrics.MilesDrawn.WithLabelValues(string(req.ProgramID)).Add(float64(alloc.Allocated))
	return alloc, nil
}

// drawWithRetry takes up to need miles from lot with a conditional write.
// On a lost CAS it re-reads the lot and tries again. A lot that vanished or
// ran dry in the meantime yields before == after.
func (e *AllocationEngine) drawWithRetry(ctx context.Context, lot Lot, need int64) (Lot, Lot, error) {
	for attempt := 0; ; attempt++ {
		take := min(need, lot.RemainingQuantity)
		if take <= 0 || !lot.IsAvailable() {
			return lot, lot, nil
		}

		after, err := lot.Draw(take)
		if err != nil {
			return lot, lot, err
		}
		err = e.store.UpdateLotQuantity(ctx, UpdateFor(lot, after))
		if err == nil {
			return lot, after, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			if errors.Is(err, ErrLotNotFound) {
				return lot, lot, nil
			}
			return lot, lot, WrapStorage("update lot quantity", err)
		}

		metrics.ConflictsTotal.WithLabelValues("allocate").Inc()
		if attempt >= e.cfg.maxRetries {
			return lot, lot, fmt.Errorf("lot %s: gave up after %d attempts: %w", lot.ID, attempt+1, err)
		}

		lot, err = e.store.GetLot(ctx, lot.ID)
		if errors.Is(err, ErrLotNotFound) {
			return lot, lot, nil
		}
		if err != nil {
			return lot, lot, WrapStorage("reload lot", err)
		}
	}
}
