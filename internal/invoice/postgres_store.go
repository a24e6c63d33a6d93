package invoice

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists invoices in PostgreSQL. Line items, validation
// flags, and findings are stored as JSONB; the columns queried by the
// detection engine (number, vendor, amount, date) are first-class.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

const recordColumns = `id, invoice_number, vendor_gstin, buyer_gstin, total_amount,
	invoice_date, line_items, validation, extraction_confidence, findings,
	risk_score, status, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	lineItems, err := json.Marshal(rec.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}
	validation, err := json.Marshal(rec.Validation)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	findings, err := json.Marshal(rec.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, invoice_number, vendor_gstin, buyer_gstin,
			total_amount, invoice_date, line_items, validation,
			extraction_confidence, findings, risk_score, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.ID, rec.InvoiceNumber, rec.VendorGSTIN, rec.BuyerGSTIN,
		rec.TotalAmount.String(), rec.InvoiceDate, lineItems, validation,
		rec.ExtractionConfidence, findings, rec.RiskScore, string(rec.Status),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM invoices WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, q ListQuery) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM invoices WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if q.VendorGSTIN != "" {
		query += fmt.Sprintf(" AND vendor_gstin = $%d", idx)
		args = append(args, q.VendorGSTIN)
		idx++
	}
	if q.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(q.Status))
		idx++
	}
	if q.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		idx += 2
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, q.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveDetection(ctx context.Context, rec *Record) error {
	findings, err := json.Marshal(rec.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	validation, err := json.Marshal(rec.Validation)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET findings = $1, validation = $2, risk_score = $3, status = $4, updated_at = NOW(),
		    completed_at = CASE WHEN $4 = 'completed' THEN NOW() ELSE completed_at END
		WHERE id = $5
	`, findings, validation, rec.RiskScore, string(rec.Status), rec.ID)
	if err != nil {
		return fmt.Errorf("save detection: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) UpdateFindings(ctx context.Context, rec *Record) error {
	findings, err := json.Marshal(rec.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET findings = $1, risk_score = $2, updated_at = NOW()
		WHERE id = $3
	`, findings, rec.RiskScore, rec.ID)
	if err != nil {
		return fmt.Errorf("update findings: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) FindCandidateDuplicates(ctx context.Context, excludeID, invoiceNumber, vendorGSTIN string, amount decimal.Decimal, from, to time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM invoices
		WHERE id <> $1
		  AND (
			($2 <> '' AND invoice_number = $2)
			OR ($3 <> '' AND vendor_gstin = $3 AND total_amount = $4
				AND invoice_date BETWEEN $5 AND $6)
		  )
	`, excludeID, invoiceNumber, vendorGSTIN, amount.String(), from, to)
	if err != nil {
		return nil, fmt.Errorf("find candidate duplicates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *PostgresStore) FindHistoricalItems(ctx context.Context, vendorGSTIN, excludeID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM invoices
		WHERE vendor_gstin = $1 AND id <> $2
		ORDER BY invoice_date DESC
		LIMIT $3
	`, vendorGSTIN, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("find historical items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *PostgresStore) CountWeekendInvoices(ctx context.Context, vendorGSTIN string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE vendor_gstin = $1 AND EXTRACT(DOW FROM invoice_date) IN (0, 6)
	`, vendorGSTIN).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count weekend invoices: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountTotalInvoices(ctx context.Context, vendorGSTIN string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE vendor_gstin = $1`, vendorGSTIN).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) VendorRiskSummary(ctx context.Context, vendorGSTIN string) (*VendorSummary, error) {
	summary := &VendorSummary{
		VendorGSTIN:    vendorGSTIN,
		FindingsByType: make(map[FindingType]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(risk_score), 0), COALESCE(MAX(risk_score), 0)
		FROM invoices WHERE vendor_gstin = $1
	`, vendorGSTIN).Scan(&summary.InvoiceCount, &summary.AvgRiskScore, &summary.MaxRiskScore)
	if err != nil {
		return nil, fmt.Errorf("vendor risk summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f->>'type', COUNT(*), COUNT(*) FILTER (WHERE NOT (f->>'resolved')::boolean)
		FROM invoices, jsonb_array_elements(findings) AS f
		WHERE vendor_gstin = $1
		GROUP BY f->>'type'
	`, vendorGSTIN)
	if err != nil {
		return nil, fmt.Errorf("vendor finding counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ftype string
		var total, open int
		if err := rows.Scan(&ftype, &total, &open); err != nil {
			return nil, fmt.Errorf("scan finding counts: %w", err)
		}
		summary.FindingsByType[FindingType(ftype)] = total
		summary.OpenFindings += open
	}
	return summary, rows.Err()
}

func (s *PostgresStore) ListCompletedSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM invoices
		WHERE status = 'completed' AND completed_at >= $1
		ORDER BY completed_at ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list completed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM invoices
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var totalAmount string
	var lineItems, validation, findings []byte
	var status string
	var completedAt sql.NullTime

	err := sc.Scan(&rec.ID, &rec.InvoiceNumber, &rec.VendorGSTIN, &rec.BuyerGSTIN,
		&totalAmount, &rec.InvoiceDate, &lineItems, &validation,
		&rec.ExtractionConfidence, &findings, &rec.RiskScore, &status,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	rec.TotalAmount, err = decimal.NewFromString(totalAmount)
	if err != nil {
		return nil, fmt.Errorf("parse total amount: %w", err)
	}
	if err := json.Unmarshal(lineItems, &rec.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshal line items: %w", err)
	}
	if err := json.Unmarshal(validation, &rec.Validation); err != nil {
		return nil, fmt.Errorf("unmarshal validation: %w", err)
	}
	if err := json.Unmarshal(findings, &rec.Findings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
