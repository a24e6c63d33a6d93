package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/idgen"
	"github.com/taxlens/invoiceguard/internal/invoice"
)

// CheckRateCompliance validates every line item's GST rate against the
// standard rate slabs. Pure over the record. Returns the findings and
// whether all rated items passed.
func CheckRateCompliance(cfg Config, rec *invoice.Record) ([]invoice.Finding, bool) {
	var findings []invoice.Finding
	valid := true

	for _, item := range rec.LineItems {
		if item.GSTRate == nil {
			continue
		}
		if standardRate(cfg, *item.GSTRate) {
			continue
		}
		valid = false
		findings = append(findings, invoice.Finding{
			ID:       idgen.WithPrefix("fnd_"),
			Type:     invoice.FindingRateMismatch,
			Severity: invoice.SeverityMedium,
			Description: fmt.Sprintf("GST rate %.2f%% on %q is not a standard slab rate",
				*item.GSTRate, item.Description),
			Confidence: 90,
			Evidence: &invoice.RateMismatchEvidence{
				ItemDescription: item.Description,
				HSNCode:         item.HSNCode,
				AppliedRate:     *item.GSTRate,
				StandardRates:   cfg.StandardGSTRates,
			},
			DetectedAt: time.Now().UTC(),
		})
	}
	return findings, valid
}

func standardRate(cfg Config, rate float64) bool {
	for _, std := range cfg.StandardGSTRates {
		if math.Abs(rate-std) <= cfg.RateTolerance {
			return true
		}
	}
	return false
}

// CheckArithmetic validates that each line amount equals quantity x unit
// rate within tolerance, and that the invoice total equals the expected
// subtotal plus GST. Pure over the record. Returns the findings and
// whether everything added up.
func CheckArithmetic(cfg Config, rec *invoice.Record) ([]invoice.Finding, bool) {
	var findings []invoice.Finding
	valid := true

	subtotal := decimal.Zero
	tax := decimal.Zero
	contributing := 0

	tolerance := decimal.NewFromFloat(cfg.ArithmeticTolerance)

	for _, item := range rec.LineItems {
		if !item.Quantity.Valid || !item.UnitRate.Valid {
			continue
		}
		contributing++

		expected := item.Quantity.Decimal.Mul(item.UnitRate.Decimal)
		subtotal = subtotal.Add(expected)
		if item.GSTRate != nil {
			rate := decimal.NewFromFloat(*item.GSTRate)
			tax = tax.Add(expected.Mul(rate).Div(decimal.NewFromInt(100)))
		}

		lineTolerance := expected.Abs().Mul(tolerance)
		diff := item.Amount.Sub(expected).Abs()
		if diff.LessThanOrEqual(lineTolerance) {
			continue
		}

		valid = false
		expectedF, _ := expected.Float64()
		actualF, _ := item.Amount.Float64()
		toleranceF, _ := lineTolerance.Float64()
		findings = append(findings, invoice.Finding{
			ID:       idgen.WithPrefix("fnd_"),
			Type:     invoice.FindingArithmeticError,
			Severity: invoice.SeverityMedium,
			Description: fmt.Sprintf("line amount %.2f for %q differs from quantity x rate = %.2f",
				actualF, item.Description, expectedF),
			Confidence: 95,
			Evidence: &invoice.ArithmeticEvidence{
				Level:           "line",
				ItemDescription: item.Description,
				Expected:        expectedF,
				Actual:          actualF,
				Tolerance:       toleranceF,
			},
			DetectedAt: time.Now().UTC(),
		})
	}

	// Invoice-level check only makes sense when at least one line item
	// carried quantity and rate.
	if contributing > 0 {
		expectedTotal := subtotal.Add(tax)
		totalTolerance := rec.TotalAmount.Abs().Mul(tolerance)
		diff := rec.TotalAmount.Sub(expectedTotal).Abs()
		if diff.GreaterThan(totalTolerance) {
			valid = false
			expectedF, _ := expectedTotal.Float64()
			actualF, _ := rec.TotalAmount.Float64()
			toleranceF, _ := totalTolerance.Float64()
			findings = append(findings, invoice.Finding{
				ID:       idgen.WithPrefix("fnd_"),
				Type:     invoice.FindingArithmeticError,
				Severity: invoice.SeverityHigh,
				Description: fmt.Sprintf("invoice total %.2f differs from expected subtotal+GST = %.2f",
					actualF, expectedF),
				Confidence: 90,
				Evidence: &invoice.ArithmeticEvidence{
					Level:     "invoice",
					Expected:  expectedF,
					Actual:    actualF,
					Tolerance: toleranceF,
				},
				DetectedAt: time.Now().UTC(),
			})
		}
	}

	return findings, valid
}
