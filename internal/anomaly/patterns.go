package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/idgen"
	"github.com/taxlens/invoiceguard/internal/invoice"
)

// detectPatterns runs the low-confidence secondary heuristics: suspiciously
// round totals and out-of-character weekend invoicing. Store failures are
// logged and skipped; these signals are non-critical.
func (d *Detector) detectPatterns(ctx context.Context, rec *invoice.Record) []invoice.Finding {
	var findings []invoice.Finding

	if f := d.roundAmountFinding(rec); f != nil {
		findings = append(findings, *f)
	}
	if f := d.weekendFinding(ctx, rec); f != nil {
		findings = append(findings, *f)
	}
	return findings
}

// roundAmountFinding flags totals above the floor that are exact multiples
// of the round-amount step.
func (d *Detector) roundAmountFinding(rec *invoice.Record) *invoice.Finding {
	floor := decimal.NewFromInt(d.cfg.RoundAmountFloor)
	step := decimal.NewFromInt(d.cfg.RoundAmountStep)

	if !rec.TotalAmount.GreaterThan(floor) {
		return nil
	}
	if !rec.TotalAmount.Mod(step).IsZero() {
		return nil
	}

	amount, _ := rec.TotalAmount.Float64()
	return &invoice.Finding{
		ID:          idgen.WithPrefix("fnd_"),
		Type:        invoice.FindingSuspiciousPattern,
		Severity:    invoice.SeverityLow,
		Description: fmt.Sprintf("suspiciously round invoice total %.2f", amount),
		Confidence:  60,
		Evidence: &invoice.PatternEvidence{
			Pattern: "round_amount",
			Amount:  amount,
		},
		DetectedAt: time.Now().UTC(),
	}
}

// weekendFinding flags weekend invoices from vendors that almost never
// invoice on weekends. Requires enough history to judge the vendor's
// habits.
func (d *Detector) weekendFinding(ctx context.Context, rec *invoice.Record) *invoice.Finding {
	if rec.VendorGSTIN == "" || rec.InvoiceDate.IsZero() || !rec.IsWeekend() {
		return nil
	}

	total, err := d.store.CountTotalInvoices(ctx, rec.VendorGSTIN)
	if err != nil {
		d.logger.Warn("vendor invoice count failed",
			"invoice", rec.ID, "vendor", rec.VendorGSTIN, "error", err)
		return nil
	}
	if total < d.cfg.MinWeekendHistory {
		return nil
	}

	weekend, err := d.store.CountWeekendInvoices(ctx, rec.VendorGSTIN)
	if err != nil {
		d.logger.Warn("vendor weekend count failed",
			"invoice", rec.ID, "vendor", rec.VendorGSTIN, "error", err)
		return nil
	}

	ratio := float64(weekend) / float64(total)
	if ratio >= d.cfg.WeekendRatioThreshold {
		return nil
	}

	return &invoice.Finding{
		ID:       idgen.WithPrefix("fnd_"),
		Type:     invoice.FindingSuspiciousPattern,
		Severity: invoice.SeverityLow,
		Description: fmt.Sprintf("invoice dated %s; vendor invoices on weekends only %.1f%% of the time",
			rec.InvoiceDate.Weekday(), ratio*100),
		Confidence: 70,
		Evidence: &invoice.PatternEvidence{
			Pattern:      "weekend",
			Weekday:      rec.InvoiceDate.Weekday().String(),
			WeekendCount: weekend,
			HistoryCount: total,
			WeekendRatio: ratio,
		},
		DetectedAt: time.Now().UTC(),
	}
}
