package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/invoice"
)

// stubCorpus provides canned corpus responses, or a forced error for
// every query.
type stubCorpus struct {
	candidates []*invoice.Record
	history    []*invoice.Record
	weekend    int
	total      int
	err        error
}

func (s *stubCorpus) FindCandidateDuplicates(context.Context, string, string, string, decimal.Decimal, time.Time, time.Time) ([]*invoice.Record, error) {
	return s.candidates, s.err
}

func (s *stubCorpus) FindHistoricalItems(context.Context, string, string, int) ([]*invoice.Record, error) {
	return s.history, s.err
}

func (s *stubCorpus) CountWeekendInvoices(context.Context, string) (int, error) {
	return s.weekend, s.err
}

func (s *stubCorpus) CountTotalInvoices(context.Context, string) (int, error) {
	return s.total, s.err
}

func newDetector(store CorpusStore) *Detector {
	return NewDetector(store, DefaultConfig())
}

func boolPtr(v bool) *bool { return &v }

func TestDetectAnomaliesRejectsBadRecords(t *testing.T) {
	d := newDetector(&stubCorpus{})

	if _, err := d.DetectAnomalies(context.Background(), nil); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("nil record: err = %v, want ErrInvalidRecord", err)
	}
	if _, err := d.DetectAnomalies(context.Background(), &invoice.Record{}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("empty id: err = %v, want ErrInvalidRecord", err)
	}
}

func TestDetectAnomaliesSurvivesStoreFailure(t *testing.T) {
	d := newDetector(&stubCorpus{err: errors.New("connection refused")})

	// Arithmetic is off, so the pure compliance check must still emit
	// findings even though every store query fails.
	rec := &invoice.Record{
		ID:            "inv_1",
		InvoiceNumber: "INV-1",
		VendorGSTIN:   "27AAPFU0939F1ZV",
		TotalAmount:   decimal.NewFromInt(250),
		InvoiceDate:   time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC), // Sunday
		LineItems:     []invoice.LineItem{item("brackets", 2, 100, 250, nil)},
	}

	findings, err := d.DetectAnomalies(context.Background(), rec)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(findings) == 0 {
		t.Fatal("expected compliance findings despite store failure")
	}
	for _, f := range findings {
		if f.Type != invoice.FindingArithmeticError {
			t.Errorf("unexpected finding type %s", f.Type)
		}
	}
	if rec.Validation.ArithmeticValid == nil || *rec.Validation.ArithmeticValid {
		t.Error("arithmetic flag should be false")
	}
	if rec.Validation.RateTableValid == nil || !*rec.Validation.RateTableValid {
		t.Error("rate table flag should be true")
	}
}

func TestRiskScoreSeverityWeights(t *testing.T) {
	d := newDetector(&stubCorpus{})

	rec := &invoice.Record{
		ExtractionConfidence: 95,
		Findings: []invoice.Finding{
			{Severity: invoice.SeverityCritical},
			{Severity: invoice.SeverityHigh},
			{Severity: invoice.SeverityMedium},
			{Severity: invoice.SeverityLow},
		},
	}
	if got := d.RiskScore(rec); got != 85 {
		t.Errorf("RiskScore = %d, want 85 (40+25+15+5)", got)
	}
}

func TestRiskScoreIgnoresResolvedFindings(t *testing.T) {
	d := newDetector(&stubCorpus{})

	rec := &invoice.Record{
		ExtractionConfidence: 95,
		Findings: []invoice.Finding{
			{Severity: invoice.SeverityCritical, Resolved: true},
			{Severity: invoice.SeverityLow},
		},
	}
	if got := d.RiskScore(rec); got != 5 {
		t.Errorf("RiskScore = %d, want 5", got)
	}
}

func TestRiskScoreValidationPenalties(t *testing.T) {
	d := newDetector(&stubCorpus{})

	cases := []struct {
		name  string
		flags invoice.ValidationFlags
		want  int
	}{
		{"all unset", invoice.ValidationFlags{}, 0},
		{"vendor invalid", invoice.ValidationFlags{VendorGSTINValid: boolPtr(false)}, 20},
		{"buyer invalid", invoice.ValidationFlags{BuyerGSTINValid: boolPtr(false)}, 20},
		{"rates invalid", invoice.ValidationFlags{RateTableValid: boolPtr(false)}, 15},
		{"arithmetic invalid", invoice.ValidationFlags{ArithmeticValid: boolPtr(false)}, 10},
		{"all valid", invoice.ValidationFlags{
			VendorGSTINValid: boolPtr(true),
			BuyerGSTINValid:  boolPtr(true),
			RateTableValid:   boolPtr(true),
			ArithmeticValid:  boolPtr(true),
		}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &invoice.Record{ExtractionConfidence: 95, Validation: tc.flags}
			if got := d.RiskScore(rec); got != tc.want {
				t.Errorf("RiskScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRiskScoreLowConfidencePenalty(t *testing.T) {
	d := newDetector(&stubCorpus{})

	rec := &invoice.Record{ExtractionConfidence: 79.9}
	if got := d.RiskScore(rec); got != 10 {
		t.Errorf("RiskScore = %d, want 10", got)
	}
	rec.ExtractionConfidence = 80
	if got := d.RiskScore(rec); got != 0 {
		t.Errorf("RiskScore = %d, want 0 at the confidence floor", got)
	}
}

func TestRiskScoreCappedAt100(t *testing.T) {
	d := newDetector(&stubCorpus{})

	rec := &invoice.Record{
		ExtractionConfidence: 50,
		Validation: invoice.ValidationFlags{
			VendorGSTINValid: boolPtr(false),
			BuyerGSTINValid:  boolPtr(false),
		},
		Findings: []invoice.Finding{
			{Severity: invoice.SeverityCritical},
			{Severity: invoice.SeverityCritical},
		},
	}
	if got := d.RiskScore(rec); got != 100 {
		t.Errorf("RiskScore = %d, want 100", got)
	}
}

func TestResolveFinding(t *testing.T) {
	d := newDetector(&stubCorpus{})

	rec := &invoice.Record{
		ExtractionConfidence: 95,
		Findings: []invoice.Finding{
			{Severity: invoice.SeverityHigh},
			{Severity: invoice.SeverityLow},
		},
	}
	rec.RiskScore = d.RiskScore(rec)
	if rec.RiskScore != 30 {
		t.Fatalf("initial RiskScore = %d, want 30", rec.RiskScore)
	}

	if err := d.ResolveFinding(rec, 0, "verified against purchase order"); err != nil {
		t.Fatalf("ResolveFinding: %v", err)
	}
	if !rec.Findings[0].Resolved || rec.Findings[0].Resolution == "" {
		t.Error("finding should be marked resolved with a note")
	}
	if rec.RiskScore != 5 {
		t.Errorf("RiskScore after resolve = %d, want 5", rec.RiskScore)
	}

	if err := d.ResolveFinding(rec, 1, "small amount, accepted"); err != nil {
		t.Fatalf("ResolveFinding: %v", err)
	}
	if rec.RiskScore != 0 {
		t.Errorf("RiskScore with all findings resolved = %d, want 0", rec.RiskScore)
	}
}

func TestResolveFindingErrors(t *testing.T) {
	d := newDetector(&stubCorpus{})

	if err := d.ResolveFinding(nil, 0, "x"); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("nil record: err = %v, want ErrInvalidRecord", err)
	}

	rec := &invoice.Record{Findings: []invoice.Finding{{Severity: invoice.SeverityLow}}}
	if err := d.ResolveFinding(rec, 1, "x"); !errors.Is(err, ErrFindingNotFound) {
		t.Errorf("index 1: err = %v, want ErrFindingNotFound", err)
	}
	if err := d.ResolveFinding(rec, -1, "x"); !errors.Is(err, ErrFindingNotFound) {
		t.Errorf("index -1: err = %v, want ErrFindingNotFound", err)
	}
}
