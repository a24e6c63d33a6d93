package anomaly

import "github.com/taxlens/invoiceguard/internal/invoice"

// Config holds every weight and threshold the detection engine uses. It is
// built once at startup and passed into the Detector; nothing in this
// package mutates it afterwards.
type Config struct {
	// Similarity weights, must total 1.0.
	WeightInvoiceNumber float64
	WeightAmount        float64
	WeightVendor        float64
	WeightDate          float64
	// DateProximityDays is the gap at which date proximity decays to zero.
	DateProximityDays float64

	// DuplicateThreshold is the minimum similarity for a duplicate finding;
	// above CriticalSimilarity the finding is critical instead of high.
	DuplicateThreshold  float64
	CriticalSimilarity  float64
	DuplicateWindowDays int

	// Historical price analysis.
	HistoricalSampleLimit int
	MinPriceSamples       int
	PriceDeviationPct     float64 // |deviation| above this emits a finding
	HighDeviationPct      float64 // |deviation| above this is high severity

	// GST rate compliance.
	StandardGSTRates []float64
	RateTolerance    float64

	// Arithmetic compliance tolerance, as a fraction of the expected value.
	ArithmeticTolerance float64

	// Pattern heuristics.
	RoundAmountFloor      int64 // only totals above this are considered
	RoundAmountStep       int64 // totals divisible by this are suspicious
	MinWeekendHistory     int
	WeekendRatioThreshold float64

	// Risk scoring.
	SeverityWeights      map[invoice.Severity]int
	PenaltyVendorGSTIN   int
	PenaltyBuyerGSTIN    int
	PenaltyRateTable     int
	PenaltyArithmetic    int
	PenaltyLowConfidence int
	ConfidenceFloor      float64
}

// DefaultConfig returns the production detection configuration.
func DefaultConfig() Config {
	return Config{
		WeightInvoiceNumber: 0.4,
		WeightAmount:        0.3,
		WeightVendor:        0.2,
		WeightDate:          0.1,
		DateProximityDays:   7,

		DuplicateThreshold:  0.85,
		CriticalSimilarity:  0.95,
		DuplicateWindowDays: 7,

		HistoricalSampleLimit: 50,
		MinPriceSamples:       3,
		PriceDeviationPct:     30,
		HighDeviationPct:      50,

		StandardGSTRates: []float64{0, 5, 12, 18, 28},
		RateTolerance:    0.1,

		ArithmeticTolerance: 0.01,

		RoundAmountFloor:      10000,
		RoundAmountStep:       1000,
		MinWeekendHistory:     10,
		WeekendRatioThreshold: 0.10,

		SeverityWeights: map[invoice.Severity]int{
			invoice.SeverityCritical: 40,
			invoice.SeverityHigh:     25,
			invoice.SeverityMedium:   15,
			invoice.SeverityLow:      5,
		},
		PenaltyVendorGSTIN:   20,
		PenaltyBuyerGSTIN:    20,
		PenaltyRateTable:     15,
		PenaltyArithmetic:    10,
		PenaltyLowConfidence: 10,
		ConfidenceFloor:      80,
	}
}
