// Package pipeline runs invoice records through anomaly detection
// asynchronously: ingestion enqueues an invoice ID, a worker pool picks
// it up, runs the detector, and persists the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taxlens/invoiceguard/internal/anomaly"
	"github.com/taxlens/invoiceguard/internal/gstin"
	"github.com/taxlens/invoiceguard/internal/invoice"
	"github.com/taxlens/invoiceguard/internal/metrics"
	"github.com/taxlens/invoiceguard/internal/realtime"
	"github.com/taxlens/invoiceguard/internal/syncutil"
)

// ErrQueueFull is returned by Enqueue when the detection queue has no
// capacity left. Callers should surface it as backpressure, not retry
// in a tight loop.
var ErrQueueFull = errors.New("detection queue full")

// Processor owns the detection worker pool.
type Processor struct {
	store    invoice.Store
	detector *anomaly.Detector
	hub      *realtime.Hub
	logger   *slog.Logger
	locks    *syncutil.ShardedMutex

	queue   chan string
	workers int

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the detection queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan string, n)
		}
	}
}

// WithHub attaches a realtime hub for event broadcasts.
func WithHub(h *realtime.Hub) Option {
	return func(p *Processor) { p.hub = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a detection processor.
func NewProcessor(store invoice.Store, detector *anomaly.Detector, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		detector: detector,
		logger:   slog.Default(),
		locks:    &syncutil.ShardedMutex{},
		queue:    make(chan string, 256),
		workers:  4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; call Wait to block until they exit.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.logger.Info("detection pipeline started", "workers", p.workers, "queue_size", cap(p.queue))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue schedules an invoice for detection without blocking.
func (p *Processor) Enqueue(id string) error {
	select {
	case p.queue <- id:
		metrics.DetectionQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Processor) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			metrics.DetectionQueueDepth.Set(float64(len(p.queue)))
			if err := p.Process(ctx, id); err != nil {
				p.logger.Error("detection failed",
					"worker", n,
					"invoice_id", id,
					"error", err)
			}
		}
	}
}

// Process runs detection for one invoice and persists the result. It is
// exported so the rescan endpoint can run synchronously against the same
// code path the workers use.
func (p *Processor) Process(ctx context.Context, id string) error {
	// Concurrent rescans of the same invoice would race on findings.
	unlock := p.locks.Lock(id)
	defer unlock()

	start := time.Now()

	if err := p.store.SetStatus(ctx, id, invoice.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}

	p.validateParties(rec)

	findings, err := p.detector.DetectAnomalies(ctx, rec)
	if err != nil {
		p.failInvoice(ctx, rec, err)
		return fmt.Errorf("detect: %w", err)
	}

	rec.Findings = findings
	rec.RiskScore = p.detector.RiskScore(rec)
	rec.Status = invoice.StatusCompleted

	if err := p.store.SaveDetection(ctx, rec); err != nil {
		// Don't leave the record stuck in processing; failed is terminal
		// and visible to the caller.
		p.failInvoice(ctx, rec, err)
		return fmt.Errorf("save detection: %w", err)
	}

	metrics.InvoicesProcessedTotal.WithLabelValues(string(invoice.StatusCompleted)).Inc()
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	metrics.RiskScores.Observe(float64(rec.RiskScore))
	for _, f := range findings {
		metrics.FindingsTotal.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
	}

	if p.hub != nil {
		for _, f := range findings {
			p.hub.BroadcastFinding(rec, f)
		}
		p.hub.BroadcastInvoice(rec)
	}

	p.logger.Info("invoice processed",
		"invoice_id", rec.ID,
		"vendor", rec.VendorGSTIN,
		"findings", len(findings),
		"risk_score", rec.RiskScore,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Resolve marks the finding at index on an invoice as resolved and
// persists the recomputed risk score. It holds the same per-invoice lock
// as Process and Rescan, so a concurrent rescan can neither overwrite
// the resolution nor be clobbered by its stale read.
func (p *Processor) Resolve(ctx context.Context, id string, index int, note string) (*invoice.Record, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}

	if err := p.detector.ResolveFinding(rec, index, note); err != nil {
		return nil, err
	}

	if err := p.store.UpdateFindings(ctx, rec); err != nil {
		return nil, fmt.Errorf("save resolution: %w", err)
	}

	metrics.FindingsResolvedTotal.Inc()
	return rec, nil
}

// validateParties checks both GSTINs and records the outcome on the
// invoice's validation flags. Missing GSTINs leave the flag unset.
func (p *Processor) validateParties(rec *invoice.Record) {
	if rec.VendorGSTIN != "" {
		v := gstin.Valid(rec.VendorGSTIN)
		rec.Validation.VendorGSTINValid = &v
	}
	if rec.BuyerGSTIN != "" {
		v := gstin.Valid(rec.BuyerGSTIN)
		rec.Validation.BuyerGSTINValid = &v
	}
}

func (p *Processor) failInvoice(ctx context.Context, rec *invoice.Record, cause error) {
	if err := p.store.SetStatus(ctx, rec.ID, invoice.StatusFailed); err != nil {
		p.logger.Error("mark failed", "invoice_id", rec.ID, "error", err)
	}
	metrics.InvoicesProcessedTotal.WithLabelValues(string(invoice.StatusFailed)).Inc()
	if p.hub != nil {
		failed := rec.Clone()
		failed.Status = invoice.StatusFailed
		p.hub.BroadcastInvoice(failed)
	}
	p.logger.Warn("invoice failed", "invoice_id", rec.ID, "error", cause)
}
