/*
audit.go - Reconcile the ledger against the lots

PURPOSE:
  Walks every lot and checks it against its consumption records. A clean
  store produces zero violations. Anything else means a write bypassed the
  engines or a bug slipped in.

CHECKS (per lot):
  conservation:  remaining + Σ record quantity == original
  status:        status == StatusFor(remaining)
  bounds:        0 <= remaining <= original
  record value:  record.TotalValue == quantity / 1000 × costPerThousand

SEE ALSO:
  - ledger.go: Conservation rule
  - api/scheduler.go: Runs the audit periodically
*/
package miles

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// auditRereads bounds the re-reads of a lot that looked broken.
const auditRereads = 3

type ViolationKind string

const (
	ViolationConservation ViolationKind = "conservation"
	ViolationStatus       ViolationKind = "status"
	ViolationBounds       ViolationKind = "bounds"
	ViolationRecordValue  ViolationKind = "record_value"
)

type Violation struct {
	Kind    ViolationKind `json:"kind"`
	LotID   LotID         `json:"lotId"`
	Message string        `json:"message"`
}

type AuditReport struct {
	CheckedAt   time.Time   `json:"checkedAt"`
	LotsChecked int         `json:"lotsChecked"`
	RecordsSeen int         `json:"recordsSeen"`
	Violations  []Violation `json:"violations"`
}

// Clean reports whether the audit found nothing.
func (r AuditReport) Clean() bool { return len(r.Violations) == 0 }

type Auditor struct {
	Lots   LotReader
	Ledger LedgerReader
	Now    func() time.Time
}

func NewAuditor(lots LotReader, ledger LedgerReader) *Auditor {
	return &Auditor{Lots: lots, Ledger: ledger, Now: func() time.Time { return time.Now().UTC() }}
}

// Audit checks every lot of programID, or every lot when programID is empty.
func (a *Auditor) Audit(ctx context.Context, programID ProgramID) (AuditReport, error) {
	lots, err := a.Lots.ListLots(ctx, programID)
	if err != nil {
		return AuditReport{}, WrapStorage("list lots", err)
	}

	report := AuditReport{CheckedAt: a.Now()}
	for _, lot := range lots {
		recs, err := a.Ledger.RecordsByLot(ctx, lot.ID)
		if err != nil {
			return AuditReport{}, WrapStorage("records by lot", err)
		}
		violations := CheckLot(lot, recs)
		if len(violations) > 0 {
			// The lot row and its records were read at different moments;
			// a sale committing in between looks like a broken lot.
			lot, recs, err = a.stableRead(ctx, lot)
			if errors.Is(err, ErrLotNotFound) {
				continue
			}
			if err != nil {
				return AuditReport{}, err
			}
			violations = CheckLot(lot, recs)
		}
		report.LotsChecked++
		report.RecordsSeen += len(recs)
		report.Violations = append(report.Violations, violations...)
	}
	return report, nil
}

// stableRead re-reads a lot and its records until the lot is unchanged
// across the records read, giving up after auditRereads attempts.
func (a *Auditor) stableRead(ctx context.Context, lot Lot) (Lot, []ConsumptionRecord, error) {
	var recs []ConsumptionRecord
	for attempt := 0; attempt < auditRereads; attempt++ {
		before, err := a.Lots.GetLot(ctx, lot.ID)
		if err != nil {
			if errors.Is(err, ErrLotNotFound) {
				return Lot{}, nil, err
			}
			return Lot{}, nil, WrapStorage("get lot", err)
		}
		recs, err = a.Ledger.RecordsByLot(ctx, lot.ID)
		if err != nil {
			return Lot{}, nil, WrapStorage("records by lot", err)
		}
		after, err := a.Lots.GetLot(ctx, lot.ID)
		if err != nil {
			if errors.Is(err, ErrLotNotFound) {
				return Lot{}, nil, err
			}
			return Lot{}, nil, WrapStorage("get lot", err)
		}
		lot = after
		if before.RemainingQuantity == after.RemainingQuantity && before.Status == after.Status {
			break
		}
	}
	return lot, recs, nil
}

// CheckLot returns every rule lot and its records break.
func CheckLot(lot Lot, recs []ConsumptionRecord) []Violation {
	var out []Violation
	add := func(kind ViolationKind, format string, args ...any) {
		out = append(out, Violation{Kind: kind, LotID: lot.ID, Message: fmt.Sprintf(format, args...)})
	}

	if lot.RemainingQuantity < 0 || lot.RemainingQuantity > lot.OriginalQuantity {
		add(ViolationBounds, "remaining %d outside [0, %d]", lot.RemainingQuantity, lot.OriginalQuantity)
	}
	if lot.Status != StatusFor(lot.RemainingQuantity) {
		add(ViolationStatus, "status %s with remaining %d", lot.Status, lot.RemainingQuantity)
	}

	var drawn int64
	for _, rec := range recs {
		if rec.Kind != RecordSale {
			continue
		}
		drawn += rec.Quantity
		if !rec.TotalValue.Equal(CostOf(rec.Quantity, rec.CostPerThousand)) {
			add(ViolationRecordValue, "record %s value %s for %d miles at %s", rec.ID, rec.TotalValue, rec.Quantity, rec.CostPerThousand)
		}
	}
	if lot.RemainingQuantity+drawn != lot.OriginalQuantity {
		add(ViolationConservation, "remaining %d + drawn %d != original %d", lot.RemainingQuantity, drawn, lot.OriginalQuantity)
	}
	return out
}
