package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/pagination"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("invoice: not found")

// ListQuery filters and paginates invoice listings.
type ListQuery struct {
	VendorGSTIN string
	Status      Status
	Cursor      *pagination.Cursor
	Limit       int
}

// VendorSummary aggregates risk across a vendor's invoices for dashboards.
type VendorSummary struct {
	VendorGSTIN    string              `json:"vendorGstin"`
	InvoiceCount   int                 `json:"invoiceCount"`
	AvgRiskScore   float64             `json:"avgRiskScore"`
	MaxRiskScore   int                 `json:"maxRiskScore"`
	OpenFindings   int                 `json:"openFindings"`
	FindingsByType map[FindingType]int `json:"findingsByType"`
}

// Store is the queryable invoice corpus the detection engine runs against.
// Implementations must be safe for concurrent use; detection and resolution
// may touch different records at the same time.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns up to Limit+1 records so callers can compute a next
	// cursor; ordered by (created_at, id) descending.
	List(ctx context.Context, q ListQuery) ([]*Record, error)
	SetStatus(ctx context.Context, id string, status Status) error
	// SaveDetection persists findings, validation flags, risk score, and
	// status after a detection run.
	SaveDetection(ctx context.Context, rec *Record) error
	// UpdateFindings persists findings and risk score only; used by the
	// resolution workflow.
	UpdateFindings(ctx context.Context, rec *Record) error

	// FindCandidateDuplicates returns records other than excludeID where the
	// invoice number matches exactly, or the vendor matches with an exactly
	// equal amount and an invoice date inside [from, to].
	FindCandidateDuplicates(ctx context.Context, excludeID, invoiceNumber, vendorGSTIN string, amount decimal.Decimal, from, to time.Time) ([]*Record, error)
	// FindHistoricalItems returns up to limit records of the same vendor,
	// excluding excludeID, most recent first.
	FindHistoricalItems(ctx context.Context, vendorGSTIN, excludeID string, limit int) ([]*Record, error)
	CountWeekendInvoices(ctx context.Context, vendorGSTIN string) (int, error)
	CountTotalInvoices(ctx context.Context, vendorGSTIN string) (int, error)

	VendorRiskSummary(ctx context.Context, vendorGSTIN string) (*VendorSummary, error)
	// ListCompletedSince returns completed records whose detection first
	// completed at or after the given time, oldest first; used by the
	// periodic re-scan. Rescans and resolutions do not re-enter a record
	// into the window.
	ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Record, error)
	// ListStale returns pending or processing records last touched before
	// cutoff, oldest first. These are invoices dropped by a full queue or
	// a crashed worker; the re-scan sweep re-enqueues them.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
}
