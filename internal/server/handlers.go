package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/taxlens/invoiceguard/internal/anomaly"
	"github.com/taxlens/invoiceguard/internal/gstin"
	"github.com/taxlens/invoiceguard/internal/idgen"
	"github.com/taxlens/invoiceguard/internal/invoice"
	"github.com/taxlens/invoiceguard/internal/logging"
	"github.com/taxlens/invoiceguard/internal/pagination"
	"github.com/taxlens/invoiceguard/internal/pipeline"
	"github.com/taxlens/invoiceguard/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type lineItemRequest struct {
	Description string           `json:"description"`
	HSNCode     string           `json:"hsnCode"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitRate    *decimal.Decimal `json:"unitRate"`
	Amount      decimal.Decimal  `json:"amount"`
	GSTRate     *float64         `json:"gstRate"`
}

type createInvoiceRequest struct {
	InvoiceNumber        string            `json:"invoiceNumber" binding:"required"`
	VendorGSTIN          string            `json:"vendorGstin"`
	BuyerGSTIN           string            `json:"buyerGstin"`
	InvoiceDate          string            `json:"invoiceDate" binding:"required"`
	TotalAmount          decimal.Decimal   `json:"totalAmount"`
	ExtractionConfidence float64           `json:"extractionConfidence"`
	LineItems            []lineItemRequest `json:"lineItems"`
}

func parseInvoiceDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// createInvoice handles POST /v1/invoices. The invoice is stored as
// pending and queued for asynchronous detection.
func (s *Server) createInvoice(c *gin.Context) {
	ctx := c.Request.Context()

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	invoiceDate, dateErr := parseInvoiceDate(req.InvoiceDate)

	verr := validation.Validate(
		validation.Field("invoiceNumber", validation.IsValidInvoiceNumber(req.InvoiceNumber),
			"must be 1-64 characters of letters, digits, '/', '_', '.', or '-'"),
		validation.Field("invoiceDate", dateErr == nil,
			"must be YYYY-MM-DD or RFC 3339"),
		validation.Field("totalAmount", !req.TotalAmount.IsNegative(),
			"must not be negative"),
		validation.Field("extractionConfidence",
			req.ExtractionConfidence >= 0 && req.ExtractionConfidence <= 100,
			"must be between 0 and 100"),
	)
	for i, item := range req.LineItems {
		if item.HSNCode != "" && !validation.IsValidHSNCode(item.HSNCode) {
			verr = append(verr, validation.ValidationError{
				Field:   "lineItems[" + strconv.Itoa(i) + "].hsnCode",
				Message: "must be 4-8 digits",
			})
		}
	}
	if len(verr) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verr,
		})
		return
	}

	now := time.Now().UTC()
	rec := &invoice.Record{
		ID:                   idgen.WithPrefix("inv_"),
		InvoiceNumber:        req.InvoiceNumber,
		VendorGSTIN:          gstin.Normalize(req.VendorGSTIN),
		BuyerGSTIN:           gstin.Normalize(req.BuyerGSTIN),
		TotalAmount:          req.TotalAmount,
		InvoiceDate:          invoiceDate,
		ExtractionConfidence: req.ExtractionConfidence,
		Status:               invoice.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, item := range req.LineItems {
		li := invoice.LineItem{
			Description: validation.SanitizeString(item.Description, validation.MaxStringLength),
			HSNCode:     item.HSNCode,
			Amount:      item.Amount,
			GSTRate:     item.GSTRate,
		}
		if item.Quantity != nil {
			li.Quantity = decimal.NewNullDecimal(*item.Quantity)
		}
		if item.UnitRate != nil {
			li.UnitRate = decimal.NewNullDecimal(*item.UnitRate)
		}
		rec.LineItems = append(rec.LineItems, li)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		logging.L(ctx).Error("failed to create invoice", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store invoice",
		})
		return
	}

	if err := s.processor.Enqueue(rec.ID); err != nil {
		// The record stays pending; a later rescan pass or resubmission
		// picks it up.
		logging.L(ctx).Warn("detection queue full", "invoice_id", rec.ID)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_full",
			"message": "Invoice stored but detection is backlogged, retry later",
			"invoice": rec,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"invoice": rec})
}

// getInvoice handles GET /v1/invoices/:id
func (s *Server) getInvoice(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to get invoice", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load invoice",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": rec})
}

// listInvoices handles GET /v1/invoices with cursor pagination
func (s *Server) listInvoices(c *gin.Context) {
	ctx := c.Request.Context()

	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	q := invoice.ListQuery{
		VendorGSTIN: gstin.Normalize(c.Query("vendor")),
		Status:      invoice.Status(c.Query("status")),
		Limit:       limit,
	}
	if v := c.Query("cursor"); v != "" {
		cur, err := pagination.Decode(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		q.Cursor = cur
	}

	records, err := s.store.List(ctx, q)
	if err != nil {
		logging.L(ctx).Error("failed to list invoices", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list invoices",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(records, limit, func(r *invoice.Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"invoices":   page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// resolveFinding handles POST /v1/invoices/:id/findings/:index/resolve
func (s *Server) resolveFinding(c *gin.Context) {
	ctx := c.Request.Context()

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_index",
			"message": "finding index must be an integer",
		})
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution note is required",
		})
		return
	}

	note := validation.SanitizeString(req.Resolution, validation.MaxStringLength)
	// The processor serializes the resolution against concurrent detection
	// runs on the same invoice.
	rec, err := s.processor.Resolve(ctx, c.Param("id"), index, note)
	if err != nil {
		switch {
		case errors.Is(err, invoice.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
		case errors.Is(err, anomaly.ErrFindingNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "finding_not_found",
				"message": "No finding at that index",
			})
		default:
			logging.L(ctx).Error("failed to resolve finding", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve finding",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": rec})
}

// rescanInvoice handles POST /v1/invoices/:id/rescan. The rescan runs
// synchronously so the caller gets the refreshed findings back.
func (s *Server) rescanInvoice(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := s.processor.Rescan(ctx, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, invoice.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
		case errors.Is(err, pipeline.ErrNotRescannable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_rescannable",
				"message": "Only completed invoices can be rescanned",
			})
		default:
			logging.L(ctx).Error("rescan failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Rescan failed",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": rec})
}

// vendorRisk handles GET /v1/vendors/:gstin/risk
func (s *Server) vendorRisk(c *gin.Context) {
	ctx := c.Request.Context()

	id := gstin.Normalize(c.Param("gstin"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_gstin",
			"message": "GSTIN is required",
		})
		return
	}

	summary, err := s.store.VendorRiskSummary(ctx, id)
	if err != nil {
		logging.L(ctx).Error("failed to build vendor summary", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build vendor risk summary",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":    summary,
		"gstinValid": gstin.Valid(id),
	})
}
