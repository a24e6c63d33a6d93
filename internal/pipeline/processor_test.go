package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/anomaly"
	"github.com/taxlens/invoiceguard/internal/invoice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestProcessor(store invoice.Store) *Processor {
	detector := anomaly.NewDetector(store, anomaly.DefaultConfig(), anomaly.WithLogger(testLogger()))
	return NewProcessor(store, detector, WithLogger(testLogger()))
}

func badArithmeticInvoice(id, number string) *invoice.Record {
	now := time.Now().UTC()
	return &invoice.Record{
		ID:                   id,
		InvoiceNumber:        number,
		VendorGSTIN:          "27AAPFU0939F1ZV",
		TotalAmount:          decimal.NewFromInt(250),
		InvoiceDate:          time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), // Wednesday
		ExtractionConfidence: 95,
		Status:               invoice.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		LineItems: []invoice.LineItem{
			{
				Description: "Steel brackets",
				Quantity:    decimal.NewNullDecimal(decimal.NewFromInt(2)),
				UnitRate:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
				Amount:      decimal.NewFromInt(250),
			},
		},
	}
}

func TestProcessCompletesInvoice(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Process(ctx, "inv_1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != invoice.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	var arithmetic bool
	for _, f := range got.Findings {
		if f.Type == invoice.FindingArithmeticError {
			arithmetic = true
		}
	}
	if !arithmetic {
		t.Errorf("expected an arithmetic_error finding, got %+v", got.Findings)
	}
	if got.RiskScore <= 0 || got.RiskScore > 100 {
		t.Errorf("RiskScore = %d, want in (0, 100]", got.RiskScore)
	}
	if got.Validation.VendorGSTINValid == nil || !*got.Validation.VendorGSTINValid {
		t.Error("vendor GSTIN should have been validated as true")
	}
	if got.Validation.ArithmeticValid == nil || *got.Validation.ArithmeticValid {
		t.Error("arithmetic flag should be false")
	}
}

func TestProcessUnknownInvoice(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)

	if err := p.Process(context.Background(), "inv_missing"); err == nil {
		t.Fatal("expected error for unknown invoice")
	}
}

func TestValidatePartiesFlagsInvalidGSTIN(t *testing.T) {
	p := newTestProcessor(invoice.NewMemoryStore())

	rec := &invoice.Record{
		VendorGSTIN: "NOT-A-GSTIN",
		BuyerGSTIN:  "29AAGCB7383J1Z4",
	}
	p.validateParties(rec)

	if rec.Validation.VendorGSTINValid == nil || *rec.Validation.VendorGSTINValid {
		t.Error("vendor flag should be false")
	}
	if rec.Validation.BuyerGSTINValid == nil || !*rec.Validation.BuyerGSTINValid {
		t.Error("buyer flag should be true")
	}
}

func TestValidatePartiesSkipsMissingGSTIN(t *testing.T) {
	p := newTestProcessor(invoice.NewMemoryStore())

	rec := &invoice.Record{}
	p.validateParties(rec)

	if rec.Validation.VendorGSTINValid != nil || rec.Validation.BuyerGSTINValid != nil {
		t.Error("missing GSTINs should leave flags unset")
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	store := invoice.NewMemoryStore()
	detector := anomaly.NewDetector(store, anomaly.DefaultConfig())
	p := NewProcessor(store, detector, WithLogger(testLogger()), WithQueueSize(1))

	if err := p.Enqueue("inv_1"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := p.Enqueue("inv_2"); err != ErrQueueFull {
		t.Errorf("second Enqueue = %v, want ErrQueueFull", err)
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p.Start(ctx)
	if err := p.Enqueue("inv_1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, err := store.Get(ctx, "inv_1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == invoice.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("invoice never completed, status=%s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	p.Wait()
}

func TestRescanPreservesResolvedFindings(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Process(ctx, "inv_1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Findings) == 0 {
		t.Fatal("expected findings before rescan")
	}
	resolvedDesc := got.Findings[0].Description
	got.Findings[0].Resolved = true
	got.Findings[0].Resolution = "vendor issued credit note"
	if err := store.UpdateFindings(ctx, got); err != nil {
		t.Fatalf("UpdateFindings: %v", err)
	}

	after, err := p.Rescan(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	var resolvedKept, duplicated bool
	var unresolvedSame int
	for _, f := range after.Findings {
		if f.Description == resolvedDesc {
			if f.Resolved {
				resolvedKept = true
			} else {
				unresolvedSame++
			}
		}
	}
	duplicated = unresolvedSame > 0
	if !resolvedKept {
		t.Error("resolved finding should survive a rescan")
	}
	if duplicated {
		t.Error("rescan should not re-add an unresolved copy of a resolved finding")
	}
}

func TestRescanRejectsPendingInvoice(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := p.Rescan(ctx, "inv_1"); err == nil {
		t.Fatal("expected error rescanning a pending invoice")
	}
}

func TestResolvePersistsResolution(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Process(ctx, "inv_1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	resolved, err := p.Resolve(ctx, "inv_1", 0, "verified against purchase order")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Findings[0].Resolved || resolved.Findings[0].Resolution == "" {
		t.Errorf("finding 0 should be resolved with a note, got %+v", resolved.Findings[0])
	}

	got, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Findings[0].Resolved {
		t.Error("resolution was not persisted")
	}
	if got.RiskScore != resolved.RiskScore {
		t.Errorf("stored RiskScore = %d, want %d", got.RiskScore, resolved.RiskScore)
	}
}

func TestResolveErrors(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	if _, err := p.Resolve(ctx, "inv_missing", 0, "x"); !errors.Is(err, invoice.ErrNotFound) {
		t.Errorf("unknown invoice: err = %v, want ErrNotFound", err)
	}

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Resolve(ctx, "inv_1", 99, "x"); !errors.Is(err, anomaly.ErrFindingNotFound) {
		t.Errorf("bad index: err = %v, want ErrFindingNotFound", err)
	}
}

// A resolution and a rescan of the same invoice both do read-modify-write
// cycles on the findings; the per-invoice lock must keep either side from
// persisting a stale copy of the other's work.
func TestResolveSurvivesConcurrentRescans(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Process(ctx, "inv_1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	before, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(before.Findings) < 2 {
		t.Fatalf("expected at least 2 findings, got %d", len(before.Findings))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if _, err := p.Rescan(ctx, "inv_1"); err != nil {
				t.Errorf("Rescan: %v", err)
				return
			}
		}
	}()

	if _, err := p.Resolve(ctx, "inv_1", 0, "verified against purchase order"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	<-done

	if _, err := p.Rescan(ctx, "inv_1"); err != nil {
		t.Fatalf("final Rescan: %v", err)
	}
	final, err := store.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var resolvedCount, unresolvedCount int
	for _, f := range final.Findings {
		if f.Resolved {
			resolvedCount++
			if f.Resolution == "" {
				t.Error("resolved finding lost its note")
			}
		} else {
			unresolvedCount++
		}
	}
	if resolvedCount != 1 {
		t.Errorf("resolved findings = %d, want 1 (resolution must survive rescans)", resolvedCount)
	}
	if unresolvedCount == 0 {
		t.Error("rescan findings were lost (stale resolve write clobbered them)")
	}
	if len(final.Findings) != len(before.Findings) {
		t.Errorf("findings = %d, want %d", len(final.Findings), len(before.Findings))
	}
}

func TestRecoverStaleRequeuesDroppedInvoices(t *testing.T) {
	store := invoice.NewMemoryStore()
	p := newTestProcessor(store)
	ctx := context.Background()

	stale := badArithmeticInvoice("inv_stale", "INV-001")
	stale.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fresh := badArithmeticInvoice("inv_fresh", "INV-002")
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := NewRescanner(p, store, time.Hour, 24*time.Hour, testLogger())
	r.rescanOnce(ctx)

	select {
	case id := <-p.queue:
		if id != "inv_stale" {
			t.Errorf("requeued %s, want inv_stale", id)
		}
	default:
		t.Fatal("stale pending invoice was not requeued")
	}
	select {
	case id := <-p.queue:
		t.Errorf("freshly created invoice %s should not be requeued", id)
	default:
	}

	if err := p.Process(ctx, "inv_stale"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := store.Get(ctx, "inv_stale")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != invoice.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

type saveFailStore struct {
	invoice.Store
}

func (s *saveFailStore) SaveDetection(ctx context.Context, rec *invoice.Record) error {
	return errors.New("disk full")
}

func TestProcessMarksFailedWhenSaveFails(t *testing.T) {
	mem := invoice.NewMemoryStore()
	store := &saveFailStore{Store: mem}
	detector := anomaly.NewDetector(store, anomaly.DefaultConfig(), anomaly.WithLogger(testLogger()))
	p := NewProcessor(store, detector, WithLogger(testLogger()))
	ctx := context.Background()

	rec := badArithmeticInvoice("inv_1", "INV-001")
	if err := mem.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Process(ctx, "inv_1"); err == nil {
		t.Fatal("expected error when the detection save fails")
	}

	got, err := mem.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != invoice.StatusFailed {
		t.Errorf("Status = %s, want failed (not stuck in processing)", got.Status)
	}
}

func TestMergeFindings(t *testing.T) {
	old := []invoice.Finding{
		{Type: invoice.FindingArithmeticError, Description: "line total off", Resolved: true, Resolution: "ok"},
		{Type: invoice.FindingSuspiciousPattern, Description: "round amount", Resolved: false},
	}
	fresh := []invoice.Finding{
		{Type: invoice.FindingArithmeticError, Description: "line total off"},
		{Type: invoice.FindingDuplicate, Description: "matches INV-9"},
	}

	merged := mergeFindings(old, fresh)
	if len(merged) != 2 {
		t.Fatalf("len(merged) = %d, want 2: %+v", len(merged), merged)
	}
	if !merged[0].Resolved || merged[0].Type != invoice.FindingArithmeticError {
		t.Errorf("first merged finding should be the resolved arithmetic one, got %+v", merged[0])
	}
	if merged[1].Type != invoice.FindingDuplicate {
		t.Errorf("second merged finding should be the fresh duplicate, got %+v", merged[1])
	}
}
