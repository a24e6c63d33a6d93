package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/invoice"
)

func record(number, vendor string, amount int64, date time.Time) *invoice.Record {
	return &invoice.Record{
		ID:            "inv_" + number,
		InvoiceNumber: number,
		VendorGSTIN:   vendor,
		TotalAmount:   decimal.NewFromInt(amount),
		InvoiceDate:   date,
	}
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSimilarityIdentical(t *testing.T) {
	cfg := DefaultConfig()
	date := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	a := record("INV-100", "27AAPFU0939F1ZV", 5000, date)
	b := record("INV-100", "27AAPFU0939F1ZV", 5000, date)

	if got := Similarity(cfg, a, b); !almost(got, 1.0) {
		t.Errorf("Similarity = %v, want 1.0", got)
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	cfg := DefaultConfig()
	a := record("INV-100", "27AAPFU0939F1ZV", 5000, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
	b := record("INV-200", "29AAGCB7383J1Z4", 4200, time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC))

	if ab, ba := Similarity(cfg, a, b), Similarity(cfg, b, a); !almost(ab, ba) {
		t.Errorf("Similarity not symmetric: %v vs %v", ab, ba)
	}
}

func TestSimilarityComponents(t *testing.T) {
	cfg := DefaultConfig()
	date := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)

	// Same number and vendor, same date, half the amount:
	// 0.4 + 0.3*0.5 + 0.2 + 0.1 = 0.85
	a := record("INV-100", "27AAPFU0939F1ZV", 5000, date)
	b := record("INV-100", "27AAPFU0939F1ZV", 10000, date)
	if got := Similarity(cfg, a, b); !almost(got, 0.85) {
		t.Errorf("half amount: Similarity = %v, want 0.85", got)
	}

	// Different number zeroes that component only.
	c := record("INV-200", "27AAPFU0939F1ZV", 5000, date)
	if got := Similarity(cfg, a, c); !almost(got, 0.6) {
		t.Errorf("different number: Similarity = %v, want 0.6", got)
	}
}

func TestSimilarityDateDecay(t *testing.T) {
	cfg := DefaultConfig()
	date := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	a := record("INV-100", "27AAPFU0939F1ZV", 5000, date)

	// 7 or more days apart removes the full date weight.
	far := record("INV-100", "27AAPFU0939F1ZV", 5000, date.AddDate(0, 0, 10))
	if got := Similarity(cfg, a, far); !almost(got, 0.9) {
		t.Errorf("far date: Similarity = %v, want 0.9", got)
	}

	// 3.5 days apart halves the date weight.
	mid := record("INV-100", "27AAPFU0939F1ZV", 5000, date.Add(84*time.Hour))
	if got := Similarity(cfg, a, mid); !almost(got, 0.95) {
		t.Errorf("mid date: Similarity = %v, want 0.95", got)
	}
}

func TestSimilarityZeroAmounts(t *testing.T) {
	cfg := DefaultConfig()
	date := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	a := record("INV-100", "27AAPFU0939F1ZV", 0, date)
	b := record("INV-100", "27AAPFU0939F1ZV", 0, date)

	// Two zero totals count as fully close, not division by zero.
	if got := Similarity(cfg, a, b); !almost(got, 1.0) {
		t.Errorf("zero amounts: Similarity = %v, want 1.0", got)
	}
}
