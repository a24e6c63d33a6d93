// Package invoice defines the invoice domain model shared by the ingestion
// pipeline and the anomaly detection engine, plus the store contract the
// engine queries for historical context.
package invoice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks an invoice through the detection lifecycle. It is the only
// cross-task signal a caller can poll while detection runs in the background.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FindingType identifies the kind of anomaly a finding reports.
type FindingType string

const (
	FindingDuplicate         FindingType = "duplicate"
	FindingPriceOutlier      FindingType = "price_outlier"
	FindingRateMismatch      FindingType = "rate_mismatch"
	FindingArithmeticError   FindingType = "arithmetic_error"
	FindingSuspiciousPattern FindingType = "suspicious_pattern"
)

// Severity ranks how strongly a finding should weigh on the risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidationFlags are the four independent compliance checks applied to an
// invoice. nil means the check has not run yet and contributes nothing to
// the risk score.
type ValidationFlags struct {
	VendorGSTINValid *bool `json:"vendorGstinValid"`
	BuyerGSTINValid  *bool `json:"buyerGstinValid"`
	RateTableValid   *bool `json:"rateTableValid"`
	ArithmeticValid  *bool `json:"arithmeticValid"`
}

// LineItem is a single billed line on an invoice. Quantity and UnitRate are
// nullable because extraction does not always recover them; Amount is the
// printed line total and is always present.
type LineItem struct {
	Description string              `json:"description"`
	HSNCode     string              `json:"hsnCode,omitempty"` // 4-8 digit HSN/SAC classification code
	Quantity    decimal.NullDecimal `json:"quantity"`
	UnitRate    decimal.NullDecimal `json:"unitRate"`
	Amount      decimal.Decimal     `json:"amount"`
	GSTRate     *float64            `json:"gstRate,omitempty"` // percent, 0-100
}

// Record is an extracted invoice document. The detection engine mutates only
// Findings, RiskScore, and the rate/arithmetic validation flags; everything
// else is owned by the ingestion pipeline.
type Record struct {
	ID                   string          `json:"id"`
	InvoiceNumber        string          `json:"invoiceNumber"`
	VendorGSTIN          string          `json:"vendorGstin"`
	BuyerGSTIN           string          `json:"buyerGstin"`
	TotalAmount          decimal.Decimal `json:"totalAmount"`
	InvoiceDate          time.Time       `json:"invoiceDate"`
	LineItems            []LineItem      `json:"lineItems"`
	Validation           ValidationFlags `json:"validation"`
	ExtractionConfidence float64         `json:"extractionConfidence"` // 0-100
	Findings             []Finding       `json:"findings"`
	RiskScore            int             `json:"riskScore"` // 0-100, derived
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	// CompletedAt is set when detection first completes and is not bumped
	// by later rescans or resolutions, so the periodic re-scan window can
	// age invoices out.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the record. Stores hand out clones so that
// concurrent detection and resolution never share finding slices.
func (r *Record) Clone() *Record {
	cp := *r
	if r.LineItems != nil {
		cp.LineItems = make([]LineItem, len(r.LineItems))
		copy(cp.LineItems, r.LineItems)
		for i, li := range r.LineItems {
			if li.GSTRate != nil {
				v := *li.GSTRate
				cp.LineItems[i].GSTRate = &v
			}
		}
	}
	if r.Findings != nil {
		cp.Findings = make([]Finding, len(r.Findings))
		copy(cp.Findings, r.Findings)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Validation = r.Validation.clone()
	return &cp
}

func (v ValidationFlags) clone() ValidationFlags {
	cp := ValidationFlags{}
	if v.VendorGSTINValid != nil {
		b := *v.VendorGSTINValid
		cp.VendorGSTINValid = &b
	}
	if v.BuyerGSTINValid != nil {
		b := *v.BuyerGSTINValid
		cp.BuyerGSTINValid = &b
	}
	if v.RateTableValid != nil {
		b := *v.RateTableValid
		cp.RateTableValid = &b
	}
	if v.ArithmeticValid != nil {
		b := *v.ArithmeticValid
		cp.ArithmeticValid = &b
	}
	return cp
}

// Finding is a single detected anomaly. Findings are append-only: a human
// reviewer may later set Resolved and Resolution, which removes the finding's
// weight from the risk score without deleting it.
type Finding struct {
	ID          string      `json:"id"`
	Type        FindingType `json:"type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"` // 0-100
	Evidence    Evidence    `json:"evidence,omitempty"`
	Resolved    bool        `json:"resolved"`
	Resolution  string      `json:"resolution,omitempty"`
	DetectedAt  time.Time   `json:"detectedAt"`
}

// Evidence carries the structured detail backing a finding. Each finding
// type has its own evidence shape rather than an open key/value bag.
type Evidence interface {
	Kind() FindingType
}

// DuplicateEvidence backs a duplicate finding.
type DuplicateEvidence struct {
	DuplicateID     string   `json:"duplicateId"`
	DuplicateNumber string   `json:"duplicateNumber"`
	Similarity      float64  `json:"similarity"`
	MatchedFields   []string `json:"matchedFields"`
}

func (*DuplicateEvidence) Kind() FindingType { return FindingDuplicate }

// PriceOutlierEvidence backs a price outlier finding.
type PriceOutlierEvidence struct {
	ItemDescription  string  `json:"itemDescription"`
	HSNCode          string  `json:"hsnCode,omitempty"`
	CurrentRate      float64 `json:"currentRate"`
	HistoricalMean   float64 `json:"historicalMean"`
	HistoricalMedian float64 `json:"historicalMedian"`
	DeviationPct     float64 `json:"deviationPct"`
	SampleCount      int     `json:"sampleCount"`
}

func (*PriceOutlierEvidence) Kind() FindingType { return FindingPriceOutlier }

// RateMismatchEvidence backs a rate mismatch finding.
type RateMismatchEvidence struct {
	ItemDescription string    `json:"itemDescription"`
	HSNCode         string    `json:"hsnCode,omitempty"`
	AppliedRate     float64   `json:"appliedRate"`
	StandardRates   []float64 `json:"standardRates"`
}

func (*RateMismatchEvidence) Kind() FindingType { return FindingRateMismatch }

// ArithmeticEvidence backs an arithmetic error finding. Level is "line" for
// a single line item mismatch and "invoice" for a total mismatch.
type ArithmeticEvidence struct {
	Level           string  `json:"level"`
	ItemDescription string  `json:"itemDescription,omitempty"`
	Expected        float64 `json:"expected"`
	Actual          float64 `json:"actual"`
	Tolerance       float64 `json:"tolerance"`
}

func (*ArithmeticEvidence) Kind() FindingType { return FindingArithmeticError }

// PatternEvidence backs a suspicious pattern finding. Pattern is
// "round_amount" or "weekend".
type PatternEvidence struct {
	Pattern       string  `json:"pattern"`
	Amount        float64 `json:"amount,omitempty"`
	Weekday       string  `json:"weekday,omitempty"`
	WeekendCount  int     `json:"weekendCount,omitempty"`
	HistoryCount  int     `json:"historyCount,omitempty"`
	WeekendRatio  float64 `json:"weekendRatio,omitempty"`
}

func (*PatternEvidence) Kind() FindingType { return FindingSuspiciousPattern }

// findingJSON is the wire shape of a Finding; evidence is deferred so
// UnmarshalJSON can pick the concrete type from the finding type.
type findingJSON struct {
	ID          string          `json:"id"`
	Type        FindingType     `json:"type"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	Resolved    bool            `json:"resolved"`
	Resolution  string          `json:"resolution,omitempty"`
	DetectedAt  time.Time       `json:"detectedAt"`
}

// MarshalJSON flattens the evidence union into a plain object.
func (f Finding) MarshalJSON() ([]byte, error) {
	out := findingJSON{
		ID:          f.ID,
		Type:        f.Type,
		Severity:    f.Severity,
		Description: f.Description,
		Confidence:  f.Confidence,
		Resolved:    f.Resolved,
		Resolution:  f.Resolution,
		DetectedAt:  f.DetectedAt,
	}
	if f.Evidence != nil {
		raw, err := json.Marshal(f.Evidence)
		if err != nil {
			return nil, err
		}
		out.Evidence = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the concrete evidence type from the finding type.
func (f *Finding) UnmarshalJSON(data []byte) error {
	var in findingJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	f.ID = in.ID
	f.Type = in.Type
	f.Severity = in.Severity
	f.Description = in.Description
	f.Confidence = in.Confidence
	f.Resolved = in.Resolved
	f.Resolution = in.Resolution
	f.DetectedAt = in.DetectedAt
	f.Evidence = nil

	if len(in.Evidence) == 0 {
		return nil
	}

	ev, err := decodeEvidence(in.Type, in.Evidence)
	if err != nil {
		return err
	}
	f.Evidence = ev
	return nil
}

func decodeEvidence(t FindingType, raw json.RawMessage) (Evidence, error) {
	var ev Evidence
	switch t {
	case FindingDuplicate:
		ev = &DuplicateEvidence{}
	case FindingPriceOutlier:
		ev = &PriceOutlierEvidence{}
	case FindingRateMismatch:
		ev = &RateMismatchEvidence{}
	case FindingArithmeticError:
		ev = &ArithmeticEvidence{}
	case FindingSuspiciousPattern:
		ev = &PatternEvidence{}
	default:
		return nil, fmt.Errorf("invoice: unknown finding type %q", t)
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// IsWeekend reports whether the invoice date falls on a Saturday or Sunday.
func (r *Record) IsWeekend() bool {
	wd := r.InvoiceDate.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
