package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxlens/invoiceguard/internal/invoice"
	"github.com/taxlens/invoiceguard/internal/metrics"
)

const rescanBatchSize = 200

// ErrNotRescannable is returned when an invoice is not in the completed
// state and therefore has nothing to rescan.
var ErrNotRescannable = errors.New("invoice is not in a rescannable state")

// Rescan re-runs detection for a completed invoice. Fresh findings
// replace the old unresolved set; findings an operator already resolved
// are kept so their notes survive.
func (p *Processor) Rescan(ctx context.Context, id string) (*invoice.Record, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	if rec.Status != invoice.StatusCompleted {
		return nil, fmt.Errorf("invoice %s is %s: %w", id, rec.Status, ErrNotRescannable)
	}

	p.validateParties(rec)

	fresh, err := p.detector.DetectAnomalies(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	rec.Findings = mergeFindings(rec.Findings, fresh)
	rec.RiskScore = p.detector.RiskScore(rec)

	if err := p.store.UpdateFindings(ctx, rec); err != nil {
		return nil, fmt.Errorf("save findings: %w", err)
	}

	metrics.RescansTotal.Inc()
	metrics.RiskScores.Observe(float64(rec.RiskScore))
	return rec, nil
}

// mergeFindings keeps every resolved finding from the previous scan and
// takes the fresh set for everything else. A fresh finding that matches
// a resolved one (same type and description) is dropped as already
// handled.
func mergeFindings(previous, fresh []invoice.Finding) []invoice.Finding {
	resolved := make([]invoice.Finding, 0, len(previous))
	seen := make(map[string]bool)
	for _, f := range previous {
		if f.Resolved {
			resolved = append(resolved, f)
			seen[string(f.Type)+"|"+f.Description] = true
		}
	}

	merged := resolved
	for _, f := range fresh {
		if seen[string(f.Type)+"|"+f.Description] {
			continue
		}
		merged = append(merged, f)
	}
	return merged
}

// Rescanner periodically re-runs detection over recently completed
// invoices so new corpus history (later duplicates, shifting price
// baselines) is reflected in their findings.
type Rescanner struct {
	processor *Processor
	store     invoice.Store
	logger    *slog.Logger

	interval time.Duration
	lookback time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRescanner creates a rescan worker.
func NewRescanner(processor *Processor, store invoice.Store, interval, lookback time.Duration, logger *slog.Logger) *Rescanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rescanner{
		processor: processor,
		store:     store,
		logger:    logger,
		interval:  interval,
		lookback:  lookback,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the rescan loop.
func (r *Rescanner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (r *Rescanner) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Rescanner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("rescan worker started", "interval", r.interval, "lookback", r.lookback)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.rescanOnce(ctx)
		}
	}
}

func (r *Rescanner) rescanOnce(ctx context.Context) {
	r.recoverStale(ctx)

	since := time.Now().UTC().Add(-r.lookback)
	records, err := r.store.ListCompletedSince(ctx, since, rescanBatchSize)
	if err != nil {
		r.logger.Error("rescan listing failed", "error", err)
		return
	}

	var failed int
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.processor.Rescan(ctx, rec.ID); err != nil {
			failed++
			r.logger.Warn("rescan failed", "invoice_id", rec.ID, "error", err)
		}
	}
	r.logger.Info("rescan pass finished", "scanned", len(records), "failed", failed)
}

// recoverStale re-enqueues invoices stuck in pending or processing: a full
// queue drops pending records at ingestion time, and a crashed worker can
// leave a record in processing. Anything untouched for a full sweep
// interval is not being worked on.
func (r *Rescanner) recoverStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.interval)
	records, err := r.store.ListStale(ctx, cutoff, rescanBatchSize)
	if err != nil {
		r.logger.Error("stale listing failed", "error", err)
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := r.processor.Enqueue(rec.ID); err != nil {
			// Still backlogged; the next sweep tries again.
			r.logger.Warn("stale requeue skipped", "invoice_id", rec.ID, "error", err)
			return
		}
		r.logger.Info("stale invoice requeued", "invoice_id", rec.ID, "status", rec.Status)
	}
}
