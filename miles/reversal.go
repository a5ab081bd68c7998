/*
reversal.go - Undo every lot consumption of a sale

PURPOSE:
  Before a sale is re-allocated (update) or removed (delete), everything it
  drew must go back to the lots it came from, and its consumption records
  must disappear. Reverse does exactly that, and only that.

ALGORITHM:
  1. Load the sale's consumption records
  2. For each record:
       lot.Restore(record.quantity)  -> status recomputed by StatusFor
       conditional write of the lot  -> CAS, retried on conflict
  3. Delete the sale's records

IDEMPOTENCE:
  A sale with no records is a no-op. Reversing twice is therefore the same
  as reversing once: the first call deletes the records the second would
  need.

STATUS:
  A restored lot's status follows its new remaining quantity. A lot that
  was depleted by this sale becomes active again; a lot that was already
  depleted before this sale drew from it cannot exist, since drawing needs
  remaining > 0.

TOLERATED:
  A record pointing at a lot that no longer exists is skipped and listed
  in Reversal.MissingLots. The records are still deleted.

REFUSED:
  Restoring more than a lot's original quantity means the ledger and the
  lots disagree. Reverse fails with ErrLedgerInconsistent and the caller's
  transaction rolls back.

SEE ALSO:
  - allocation.go: The operation this undoes
  - sales/coordinator.go: Calls Reverse on update and delete
*/
package miles

import (
	"context"
	"errors"
	"fmt"

	"github.com/interleads/travelagency-system-sub000/metrics"
)

// Restoration is the quantity put back into one lot.
type Restoration struct {
	LotID     LotID
	RecordID  RecordID
	Quantity  int64
	Reopened  bool
	Remaining int64
}

// Reversal is the outcome of one Reverse call.
type Reversal struct {
	SaleID         SaleID
	Restored       []Restoration
	RecordsDeleted int
	MissingLots    []LotID
}

// RestoredQuantity totals the miles put back.
func (r Reversal) RestoredQuantity() int64 {
	var total int64
	for _, res := range r.Restored {
		total += res.Quantity
	}
	return total
}

// IsNoop reports whether the sale had nothing to reverse.
func (r Reversal) IsNoop() bool { return r.RecordsDeleted == 0 && len(r.Restored) == 0 }

type ReversalEngine struct {
	store    Store
	recorder *LedgerRecorder
	cfg      engineConfig
}

func NewReversalEngine(store Store, opts ...Option) *ReversalEngine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	recorder := NewLedgerRecorder(store)
	recorder.Now = cfg.now
	return &ReversalEngine{store: store, recorder: recorder, cfg: cfg}
}

// Reverse restores every lot drawn by saleID and deletes its records.
func (e *ReversalEngine) Reverse(ctx context.Context, saleID SaleID) (Reversal, error) {
	if saleID == "" {
		return Reversal{}, fmt.Errorf("%w: sale id is required", ErrInvalidRequirement)
	}

	recs, err := e.recorder.BySale(ctx, saleID)
	if err != nil {
		return Reversal{}, err
	}
	result := Reversal{SaleID: saleID}
	if len(recs) == 0 {
		return result, nil
	}

	for _, rec := range recs {
		if rec.Kind != RecordSale {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Reversal{}, err
		}

		res, err := e.restoreWithRetry(ctx, rec)
		if errors.Is(err, ErrLotNotFound) {
			result.MissingLots = append(result.MissingLots, rec.LotID)
			continue
		}
		if err != nil {
			return Reversal{}, err
		}
		result.Restored = append(result.Restored, res)
	}

	n, err := e.recorder.Purge(ctx, saleID)
	if err != nil {
		return Reversal{}, err
	}
	result.RecordsDeleted = n

	metrics.ReversalsTotal.Inc()
	metrics.MilesRestored.Add(float64(result.RestoredQuantity()))
	return result, nil
}

func (e *ReversalEngine) restoreWithRetry(ctx context.Context, rec ConsumptionRecord) (Restoration, error) {
	for attempt := 0; ; attempt++ {
		lot, err := e.store.GetLot(ctx, rec.LotID)
		if err != nil {
			if errors.Is(err, ErrLotNotFound) {
				return Restoration{}, err
			}
			return Restoration{}, WrapStorage("get lot", err)
		}

		after, err := lot.Restore(rec.Quantity)
		if err != nil {
			return Restoration{}, fmt.Errorf("reverse record %s: %w", rec.ID, err)
		}

		err = e.store.UpdateLotQuantity(ctx, UpdateFor(lot, after))
		if err == nil {
			return Restoration{
				LotID:     lot.ID,
				RecordID:  rec.ID,
				Quantity:  rec.Quantity,
				Reopened:  lot.Status == LotDepleted && after.Status == LotActive,
				Remaining: after.RemainingQuantity,
			}, nil
		}
		if errors.Is(err, ErrLotNotFound) {
			return Restoration{}, err
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Restoration{}, WrapStorage("update lot quantity", err)
		}

		metrics.ConflictsTotal.WithLabelValues("reverse").Inc()
		if attempt >= e.cfg.maxRetries {
			return Restoration{}, fmt.Errorf("lot %s: gave up after %d attempts: %w", lot.ID, attempt+1, err)
		}
	}
}
