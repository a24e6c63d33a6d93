// Package anomaly implements the invoice anomaly-detection and risk-scoring
// engine.
//
// Given a freshly extracted invoice record and access to the historical
// corpus, the Detector runs four independent sub-checks — duplicate
// detection, historical price analysis, GST compliance, and pattern
// heuristics — merges their findings, and derives a bounded 0-100 risk
// score from severity weights plus validation-failure penalties. A failure
// in one sub-check never aborts the others: the store being unreachable
// during duplicate search still yields a completed run, just with fewer
// findings.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/invoice"
	"github.com/taxlens/invoiceguard/internal/traces"
)

var (
	// ErrInvalidRecord reports a programming-contract violation (nil record
	// or missing id). Sub-check failures are never surfaced as errors.
	ErrInvalidRecord = errors.New("anomaly: invalid record")
	// ErrFindingNotFound reports a resolution request for an index outside
	// the record's findings.
	ErrFindingNotFound = errors.New("anomaly: finding not found")
)

// CorpusStore is the read-only slice of the invoice store the engine needs:
// candidate duplicates, historical comparables, and per-vendor counts.
type CorpusStore interface {
	FindCandidateDuplicates(ctx context.Context, excludeID, invoiceNumber, vendorGSTIN string, amount decimal.Decimal, from, to time.Time) ([]*invoice.Record, error)
	FindHistoricalItems(ctx context.Context, vendorGSTIN, excludeID string, limit int) ([]*invoice.Record, error)
	CountWeekendInvoices(ctx context.Context, vendorGSTIN string) (int, error)
	CountTotalInvoices(ctx context.Context, vendorGSTIN string) (int, error)
}

// Detector orchestrates the anomaly sub-checks and computes risk scores.
type Detector struct {
	store  CorpusStore
	cfg    Config
	logger *slog.Logger
}

// Option configures the Detector.
type Option func(*Detector)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detection engine over the given corpus.
func NewDetector(store CorpusStore, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectAnomalies runs every sub-check against the record and returns the
// combined findings. The rate-table and arithmetic validation flags on the
// record are set as a side effect; findings are NOT attached to the record.
// Errors are returned only for contract violations.
func (d *Detector) DetectAnomalies(ctx context.Context, rec *invoice.Record) ([]invoice.Finding, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	ctx, span := traces.StartSpan(ctx, "anomaly.detect", traces.InvoiceID(rec.ID))
	defer span.End()

	var findings []invoice.Finding
	findings = append(findings, d.runCheck(ctx, "duplicates", rec, d.detectDuplicates)...)
	findings = append(findings, d.runCheck(ctx, "price_outliers", rec, d.detectPriceOutliers)...)
	findings = append(findings, d.runCheck(ctx, "compliance", rec, d.checkCompliance)...)
	findings = append(findings, d.runCheck(ctx, "patterns", rec, d.detectPatterns)...)
	return findings, nil
}

// runCheck wraps a sub-check with a trace span and panic isolation. A
// panicking sub-check contributes zero findings and does not abort its
// siblings.
func (d *Detector) runCheck(ctx context.Context, name string, rec *invoice.Record, fn func(context.Context, *invoice.Record) []invoice.Finding) (out []invoice.Finding) {
	ctx, span := traces.StartSpan(ctx, "anomaly.check."+name, traces.Check(name))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("anomaly check panicked",
				"check", name, "invoice", rec.ID, "panic", r)
			out = nil
		}
	}()
	return fn(ctx, rec)
}

// checkCompliance runs the pure GST rate and arithmetic checks and records
// their outcomes in the record's validation flags.
func (d *Detector) checkCompliance(_ context.Context, rec *invoice.Record) []invoice.Finding {
	var findings []invoice.Finding

	rateFindings, rateValid := CheckRateCompliance(d.cfg, rec)
	rec.Validation.RateTableValid = &rateValid
	findings = append(findings, rateFindings...)

	arithFindings, arithValid := CheckArithmetic(d.cfg, rec)
	rec.Validation.ArithmeticValid = &arithValid
	findings = append(findings, arithFindings...)

	return findings
}

// RiskScore computes the 0-100 risk score from the record's current
// findings and validation flags. Pure function of the record; resolved
// findings contribute nothing.
func (d *Detector) RiskScore(rec *invoice.Record) int {
	score := 0
	for _, f := range rec.Findings {
		if f.Resolved {
			continue
		}
		score += d.cfg.SeverityWeights[f.Severity]
	}

	score += d.validationPenalties(rec.Validation)

	if rec.ExtractionConfidence < d.cfg.ConfidenceFloor {
		score += d.cfg.PenaltyLowConfidence
	}

	if score > 100 {
		score = 100
	}
	return score
}

// validationPenalties sums penalties for explicitly failed checks. A nil
// flag means the check has not run and contributes nothing.
func (d *Detector) validationPenalties(v invoice.ValidationFlags) int {
	total := 0
	if v.VendorGSTINValid != nil && !*v.VendorGSTINValid {
		total += d.cfg.PenaltyVendorGSTIN
	}
	if v.BuyerGSTINValid != nil && !*v.BuyerGSTINValid {
		total += d.cfg.PenaltyBuyerGSTIN
	}
	if v.RateTableValid != nil && !*v.RateTableValid {
		total += d.cfg.PenaltyRateTable
	}
	if v.ArithmeticValid != nil && !*v.ArithmeticValid {
		total += d.cfg.PenaltyArithmetic
	}
	return total
}

// ResolveFinding marks the finding at index as resolved and recomputes the
// record's risk score. The finding stays on the record; only its weight is
// excluded from the score.
func (d *Detector) ResolveFinding(rec *invoice.Record, index int, note string) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if index < 0 || index >= len(rec.Findings) {
		return fmt.Errorf("%w: index %d of %d findings", ErrFindingNotFound, index, len(rec.Findings))
	}
	rec.Findings[index].Resolved = true
	rec.Findings[index].Resolution = note
	rec.RiskScore = d.RiskScore(rec)
	return nil
}
