package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taxlens/invoiceguard/internal/invoice"
)

func TestRoundAmountFinding(t *testing.T) {
	d := newDetector(&stubCorpus{})

	cases := []struct {
		name   string
		amount int64
		want   bool
	}{
		{"round and large", 50000, true},
		{"round but at the floor", 10000, false},
		{"round below the floor", 9000, false},
		{"large but not round", 50500, false},
		{"just above the floor", 11000, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := record("INV-1", "27AAPFU0939F1ZV", tc.amount, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC))
			f := d.roundAmountFinding(rec)
			if (f != nil) != tc.want {
				t.Errorf("amount %d: finding = %v, want present=%v", tc.amount, f, tc.want)
			}
			if f != nil {
				if f.Severity != invoice.SeverityLow || f.Type != invoice.FindingSuspiciousPattern {
					t.Errorf("finding = %s/%s, want suspicious_pattern/low", f.Type, f.Severity)
				}
				ev := f.Evidence.(*invoice.PatternEvidence)
				if ev.Pattern != "round_amount" {
					t.Errorf("pattern = %q, want round_amount", ev.Pattern)
				}
			}
		})
	}
}

func TestWeekendFinding(t *testing.T) {
	sunday := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		date    time.Time
		weekend int
		total   int
		want    bool
	}{
		{"rare weekend vendor", sunday, 1, 20, true},
		{"frequent weekend vendor", sunday, 5, 20, false},
		{"not enough history", sunday, 0, 5, false},
		{"weekday invoice", tuesday, 1, 20, false},
		{"ratio exactly at threshold", sunday, 2, 20, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDetector(&stubCorpus{weekend: tc.weekend, total: tc.total})
			rec := record("INV-1", "27AAPFU0939F1ZV", 5000, tc.date)
			f := d.weekendFinding(context.Background(), rec)
			if (f != nil) != tc.want {
				t.Errorf("finding = %v, want present=%v", f, tc.want)
			}
			if f != nil {
				ev := f.Evidence.(*invoice.PatternEvidence)
				if ev.Pattern != "weekend" || ev.WeekendCount != tc.weekend || ev.HistoryCount != tc.total {
					t.Errorf("evidence = %+v", ev)
				}
			}
		})
	}
}

func TestWeekendFindingStoreFailure(t *testing.T) {
	d := newDetector(&stubCorpus{err: errors.New("boom")})
	rec := record("INV-1", "27AAPFU0939F1ZV", 5000, time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC))
	if f := d.weekendFinding(context.Background(), rec); f != nil {
		t.Errorf("store failure should yield no finding, got %+v", f)
	}
}

func TestDetectPatternsCombines(t *testing.T) {
	// Round total on a rare-weekend Sunday: both heuristics fire.
	d := newDetector(&stubCorpus{weekend: 1, total: 20})
	rec := record("INV-1", "27AAPFU0939F1ZV", 50000, time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC))

	findings := d.detectPatterns(context.Background(), rec)
	if len(findings) != 2 {
		t.Fatalf("len(findings) = %d, want 2", len(findings))
	}
	for _, f := range findings {
		if f.Type != invoice.FindingSuspiciousPattern || f.Severity != invoice.SeverityLow {
			t.Errorf("finding = %s/%s, want suspicious_pattern/low", f.Type, f.Severity)
		}
	}
}
