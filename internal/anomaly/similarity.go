package anomaly

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/invoice"
)

// Similarity computes a duplicate-likelihood score in [0, 1] between two
// invoice records. Pure function; symmetric in its arguments.
//
// Weighted components: invoice number exact match (0.4), amount closeness
// (0.3), vendor GSTIN exact match (0.2), date proximity (0.1).
func Similarity(cfg Config, a, b *invoice.Record) float64 {
	var score float64
	if a.InvoiceNumber == b.InvoiceNumber {
		score += cfg.WeightInvoiceNumber
	}
	score += cfg.WeightAmount * amountCloseness(a.TotalAmount, b.TotalAmount)
	if a.VendorGSTIN == b.VendorGSTIN {
		score += cfg.WeightVendor
	}
	score += cfg.WeightDate * dateProximity(a.InvoiceDate, b.InvoiceDate, cfg.DateProximityDays)
	return score
}

// amountCloseness is 1 - |a-b| / max(a,b), floored at 0. Two zero amounts
// are defined as fully close to avoid dividing by zero.
func amountCloseness(a, b decimal.Decimal) float64 {
	af, _ := a.Float64()
	bf, _ := b.Float64()
	max := math.Max(af, bf)
	if max == 0 {
		return 1
	}
	closeness := 1 - math.Abs(af-bf)/max
	if closeness < 0 {
		return 0
	}
	return closeness
}

// dateProximity is 1 - |days between| / horizon, floored at 0: identical
// dates score 1, a gap of horizon days or more scores 0.
func dateProximity(a, b time.Time, horizon float64) float64 {
	days := math.Abs(a.Sub(b).Hours()) / 24
	proximity := 1 - days/horizon
	if proximity < 0 {
		return 0
	}
	return proximity
}
