package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/taxlens/invoiceguard/internal/idgen"
	"github.com/taxlens/invoiceguard/internal/invoice"
)

// duplicateAmountEpsilon is the reporting-only equality margin for the
// "amount" matched field; the similarity score itself uses graded
// closeness, not this cutoff.
const duplicateAmountEpsilon = 0.01

// detectDuplicates queries the store for candidate duplicates and emits a
// finding for every candidate whose similarity clears the threshold. A
// store failure is logged and yields no findings.
func (d *Detector) detectDuplicates(ctx context.Context, rec *invoice.Record) []invoice.Finding {
	if rec.InvoiceNumber == "" && rec.VendorGSTIN == "" {
		return nil // nothing to match candidates on
	}

	window := time.Duration(d.cfg.DuplicateWindowDays) * 24 * time.Hour
	from := rec.InvoiceDate.Add(-window)
	to := rec.InvoiceDate.Add(window)

	candidates, err := d.store.FindCandidateDuplicates(ctx, rec.ID, rec.InvoiceNumber,
		rec.VendorGSTIN, rec.TotalAmount, from, to)
	if err != nil {
		d.logger.Warn("duplicate candidate query failed",
			"invoice", rec.ID, "error", err)
		return nil
	}

	var findings []invoice.Finding
	for _, cand := range candidates {
		if cand.ID == rec.ID {
			continue // self never counts as its own duplicate
		}
		sim := Similarity(d.cfg, rec, cand)
		if sim < d.cfg.DuplicateThreshold {
			continue
		}

		severity := invoice.SeverityHigh
		if sim > d.cfg.CriticalSimilarity {
			severity = invoice.SeverityCritical
		}

		findings = append(findings, invoice.Finding{
			ID:       idgen.WithPrefix("fnd_"),
			Type:     invoice.FindingDuplicate,
			Severity: severity,
			Description: fmt.Sprintf("possible duplicate of invoice %s (similarity %.2f)",
				cand.InvoiceNumber, sim),
			Confidence: sim * 100,
			Evidence: &invoice.DuplicateEvidence{
				DuplicateID:     cand.ID,
				DuplicateNumber: cand.InvoiceNumber,
				Similarity:      sim,
				MatchedFields:   matchedFields(rec, cand),
			},
			DetectedAt: time.Now().UTC(),
		})
	}
	return findings
}

// matchedFields reports which fields line up between the record and a
// candidate, for finding evidence only.
func matchedFields(a, b *invoice.Record) []string {
	var fields []string
	if a.InvoiceNumber != "" && a.InvoiceNumber == b.InvoiceNumber {
		fields = append(fields, "invoice_number")
	}
	if a.VendorGSTIN != "" && a.VendorGSTIN == b.VendorGSTIN {
		fields = append(fields, "vendor_gstin")
	}
	af, _ := a.TotalAmount.Float64()
	bf, _ := b.TotalAmount.Float64()
	if math.Abs(af-bf) < duplicateAmountEpsilon {
		fields = append(fields, "amount")
	}
	return fields
}
