package invoice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for dev mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) ([]*Record, error) {
	s.mu.RLock()
	all := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if q.VendorGSTIN != "" && rec.VendorGSTIN != q.VendorGSTIN {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		all = append(all, rec)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var out []*Record
	for _, rec := range all {
		if q.Cursor != nil {
			if rec.CreatedAt.After(q.Cursor.CreatedAt) {
				continue
			}
			if rec.CreatedAt.Equal(q.Cursor.CreatedAt) && rec.ID >= q.Cursor.ID {
				continue
			}
		}
		out = append(out, rec.Clone())
		if q.Limit > 0 && len(out) == q.Limit+1 {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveDetection(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	clone := rec.Clone()
	stored.Findings = clone.Findings
	stored.Validation = clone.Validation
	stored.RiskScore = clone.RiskScore
	stored.Status = clone.Status
	stored.UpdatedAt = time.Now().UTC()
	if clone.Status == StatusCompleted {
		now := stored.UpdatedAt
		stored.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateFindings(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	clone := rec.Clone()
	stored.Findings = clone.Findings
	stored.RiskScore = clone.RiskScore
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindCandidateDuplicates(ctx context.Context, excludeID, invoiceNumber, vendorGSTIN string, amount decimal.Decimal, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.ID == excludeID {
			continue
		}
		numberMatch := invoiceNumber != "" && rec.InvoiceNumber == invoiceNumber
		vendorMatch := vendorGSTIN != "" && rec.VendorGSTIN == vendorGSTIN &&
			rec.TotalAmount.Equal(amount) &&
			!rec.InvoiceDate.Before(from) && !rec.InvoiceDate.After(to)
		if numberMatch || vendorMatch {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindHistoricalItems(ctx context.Context, vendorGSTIN, excludeID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	var matched []*Record
	for _, rec := range s.records {
		if rec.ID == excludeID || rec.VendorGSTIN != vendorGSTIN {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].InvoiceDate.After(matched[j].InvoiceDate)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) CountWeekendInvoices(ctx context.Context, vendorGSTIN string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if rec.VendorGSTIN == vendorGSTIN && rec.IsWeekend() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountTotalInvoices(ctx context.Context, vendorGSTIN string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if rec.VendorGSTIN == vendorGSTIN {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) VendorRiskSummary(ctx context.Context, vendorGSTIN string) (*VendorSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &VendorSummary{
		VendorGSTIN:    vendorGSTIN,
		FindingsByType: make(map[FindingType]int),
	}
	var scoreSum int
	for _, rec := range s.records {
		if rec.VendorGSTIN != vendorGSTIN {
			continue
		}
		summary.InvoiceCount++
		scoreSum += rec.RiskScore
		if rec.RiskScore > summary.MaxRiskScore {
			summary.MaxRiskScore = rec.RiskScore
		}
		for _, f := range rec.Findings {
			summary.FindingsByType[f.Type]++
			if !f.Resolved {
				summary.OpenFindings++
			}
		}
	}
	if summary.InvoiceCount > 0 {
		summary.AvgRiskScore = float64(scoreSum) / float64(summary.InvoiceCount)
	}
	return summary, nil
}

func (s *MemoryStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	var matched []*Record
	for _, rec := range s.records {
		if rec.Status == StatusCompleted && rec.CompletedAt != nil && !rec.CompletedAt.Before(since) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CompletedAt.Before(*matched[j].CompletedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	var matched []*Record
	for _, rec := range s.records {
		if (rec.Status == StatusPending || rec.Status == StatusProcessing) && rec.UpdatedAt.Before(cutoff) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}
