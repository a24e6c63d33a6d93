package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/taxlens/invoiceguard/internal/idgen"
	"github.com/taxlens/invoiceguard/internal/invoice"
)

// detectPriceOutliers compares each line item's unit rate against the
// vendor's historical rates for comparable items. Items need at least
// MinPriceSamples comparable rates before a finding can be emitted; a
// store failure is logged and yields no findings.
func (d *Detector) detectPriceOutliers(ctx context.Context, rec *invoice.Record) []invoice.Finding {
	if rec.VendorGSTIN == "" || !hasRatedItems(rec) {
		return nil
	}

	history, err := d.store.FindHistoricalItems(ctx, rec.VendorGSTIN, rec.ID, d.cfg.HistoricalSampleLimit)
	if err != nil {
		d.logger.Warn("historical item query failed",
			"invoice", rec.ID, "vendor", rec.VendorGSTIN, "error", err)
		return nil
	}
	if len(history) == 0 {
		return nil
	}

	var findings []invoice.Finding
	for _, item := range rec.LineItems {
		if !item.UnitRate.Valid {
			continue
		}

		rates := comparableRates(item, history)
		if len(rates) < d.cfg.MinPriceSamples {
			continue
		}

		mean, median := meanAndMedian(rates)
		if mean == 0 {
			continue
		}

		rate, _ := item.UnitRate.Decimal.Float64()
		deviation := (rate - mean) / mean * 100
		if math.Abs(deviation) <= d.cfg.PriceDeviationPct {
			continue
		}

		severity := invoice.SeverityMedium
		if math.Abs(deviation) > d.cfg.HighDeviationPct {
			severity = invoice.SeverityHigh
		}

		findings = append(findings, invoice.Finding{
			ID:       idgen.WithPrefix("fnd_"),
			Type:     invoice.FindingPriceOutlier,
			Severity: severity,
			Description: fmt.Sprintf("unit rate %.2f for %q deviates %+.1f%% from historical mean %.2f",
				rate, item.Description, deviation, mean),
			Confidence: math.Min(math.Abs(deviation), 100),
			Evidence: &invoice.PriceOutlierEvidence{
				ItemDescription:  item.Description,
				HSNCode:          item.HSNCode,
				CurrentRate:      rate,
				HistoricalMean:   mean,
				HistoricalMedian: median,
				DeviationPct:     deviation,
				SampleCount:      len(rates),
			},
			DetectedAt: time.Now().UTC(),
		})
	}
	return findings
}

func hasRatedItems(rec *invoice.Record) bool {
	for _, item := range rec.LineItems {
		if item.UnitRate.Valid {
			return true
		}
	}
	return false
}

// comparableRates collects historical unit rates for items judged
// comparable to the given item: an exact HSN code match when both sides
// carry one, otherwise substring containment either way on the normalized
// descriptions.
func comparableRates(item invoice.LineItem, history []*invoice.Record) []float64 {
	desc := normalize(item.Description)

	var rates []float64
	for _, rec := range history {
		for _, h := range rec.LineItems {
			if !h.UnitRate.Valid {
				continue
			}
			if !comparable(item, desc, h) {
				continue
			}
			rate, _ := h.UnitRate.Decimal.Float64()
			rates = append(rates, rate)
		}
	}
	return rates
}

func comparable(item invoice.LineItem, normalizedDesc string, h invoice.LineItem) bool {
	if item.HSNCode != "" && h.HSNCode != "" {
		return item.HSNCode == h.HSNCode
	}
	hDesc := normalize(h.Description)
	if normalizedDesc == "" || hDesc == "" {
		return false
	}
	return strings.Contains(normalizedDesc, hDesc) || strings.Contains(hDesc, normalizedDesc)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// meanAndMedian computes the mean and the floor(n/2)-index median of the
// rates. The floor-index median is biased high for even-length samples;
// it is kept for parity with the historical scoring behavior.
func meanAndMedian(rates []float64) (mean, median float64) {
	sorted := make([]float64, len(rates))
	copy(sorted, rates)
	sort.Float64s(sorted)

	var sum float64
	for _, r := range sorted {
		sum += r
	}
	mean = sum / float64(len(sorted))
	median = sorted[len(sorted)/2]
	return mean, median
}
