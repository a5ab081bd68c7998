/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically checks every lot against its consumption records
  (conservation, status consistency, bounds, record values) and exports
  the violation count as a Prometheus gauge.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Read-only: violations are reported, never repaired

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(auditor, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual audit)
  - miles/audit.go: Auditor
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/interleads/travelagency-system-sub000/logger"
	"github.com/interleads/travelagency-system-sub000/miles"
)

// AuditScheduler runs the ledger audit on a ticker.
type AuditScheduler struct {
	Auditor       *miles.Auditor
	Log           *logger.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	last    miles.AuditReport
	lastErr error
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(auditor *miles.Auditor, log *logger.Logger) *AuditScheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuditScheduler{
		Auditor:       auditor,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	ctx := as.Log.WithField(context.Background(), "component", "audit_scheduler")
	if !as.Enabled {
		as.Log.Info(ctx, "audit_scheduler.disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run()

	as.Log.Info(as.Log.WithField(ctx, "interval", as.CheckInterval.String()), "audit_scheduler.started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	ticker, stop := as.ticker, as.stop
	as.ticker = nil
	as.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		as.wg.Wait()
		as.Log.Info(context.Background(), "audit_scheduler.stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	as.mu.Lock()
	ticker, stop := as.ticker, as.stop
	as.mu.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			as.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow audits every lot immediately and returns the report.
func (as *AuditScheduler) RunNow(ctx context.Context) (miles.AuditReport, error) {
	ctx = as.Log.WithField(ctx, "component", "audit_scheduler")

	report, err := as.Auditor.Audit(ctx, "")

	as.mu.Lock()
	as.last, as.lastErr = report, err
	as.mu.Unlock()

	if err != nil {
		as.Log.Error(ctx, "audit.failed", err)
		return report, err
	}
	recordAudit(report)

	ctx = as.Log.WithFields(ctx, map[string]any{
		"lots":       report.LotsChecked,
		"records":    report.RecordsSeen,
		"violations": len(report.Violations),
	})
	if report.Clean() {
		as.Log.Info(ctx, "audit.completed")
		return report, nil
	}
	for _, v := range report.Violations {
		as.Log.Warn(as.Log.WithFields(ctx, map[string]any{
			"lot_id": string(v.LotID),
			"kind":   string(v.Kind),
			"detail": v.Message,
		}), "audit.violation")
	}
	return report, nil
}

// LastReport returns the most recent audit result.
func (as *AuditScheduler) LastReport() (miles.AuditReport, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last, as.lastErr
}
