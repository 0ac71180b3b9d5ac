/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response and JSON serialization, and delegates every rule to the
  billing package. No handler recomputes anything itself.

ENDPOINTS:
  Payments:
    POST   /api/payments                          Submit payment (cascades)
    GET    /api/payments/{id}                     Get payment
    PATCH  /api/payments/{id}                     Amend payment (cascades)
    DELETE /api/payments/{id}                     Retract payment (cascades)

  Invoices:
    POST   /api/invoices                          Issue invoice (cascades)
    GET    /api/invoices/{id}                     Invoice with its payments

  Patients:
    GET    /api/patients/{id}/invoices            Patient invoices
    GET    /api/patients/{id}/account-statement   Per-invoice balances

  Statements:
    GET    /api/statements/monthly/patient/{patientId}[?months=N|?stored=true]
    GET    /api/statements/monthly/patient/{patientId}/{year}/{month}[/export]
    GET    /api/statements/financial
    GET    /api/statements/financial/latest
    GET    /api/statements/financial/{year}/{month}[/export]

  Admin:
    POST   /api/admin/statements/materialize      Persist one month's statements

ERROR HANDLING:
  Errors are returned as JSON {error, code, field, details}:
  - 400: Validation errors (InvalidAmount, NoFieldsProvided, ...)
  - 404: NotFound
  - 409: DuplicatePrescription, concurrent modification (resubmit)
  - 500: Reconciliation failures and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rxbilling/billing"
	"github.com/warp/rxbilling/export"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Reconciler *billing.Reconciler
	Log        *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a new handler over reconciler.
func NewHandler(reconciler *billing.Reconciler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Reconciler: reconciler,
		Log:        log.Named("api"),
		validate:   validator.New(),
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SubmitPayment records a payment and cascades it.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := billing.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	date, err := parseDate("payment_date", req.PaymentDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.Reconciler.SubmitPayment(r.Context(), billing.NewPayment{
		InvoiceID:         billing.InvoiceID(req.InvoiceID),
		Amount:            amount,
		PaymentDate:       date,
		Method:            req.PaymentMethod,
		IsRefund:          req.IsRefund,
		ReferenceNumber:   req.ReferenceNumber,
		Notes:             req.Notes,
		TransactionStatus: billing.TransactionStatus(req.TransactionStatus),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*p))
}

// GetPayment returns one payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Reconciler.Payment(r.Context(), billing.PaymentID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// AmendPayment applies a partial update and cascades it.
func (h *Handler) AmendPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	var req AmendPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	var patch billing.PaymentPatch
	if req.Amount != nil {
		amount, err := billing.ParseAmount(req.Amount)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		patch.Amount = &amount
	}
	if req.PaymentDate != nil {
		date, err := parseDate("payment_date", *req.PaymentDate)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		patch.PaymentDate = &date
	}
	patch.Method = req.PaymentMethod
	patch.IsRefund = req.IsRefund
	patch.Notes = req.Notes

	p, err := h.Reconciler.AmendPayment(r.Context(), billing.PaymentID(id), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// RetractPayment deletes a payment and cascades the removal.
func (h *Handler) RetractPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Reconciler.RetractPayment(r.Context(), billing.PaymentID(id)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// IssueInvoice records an invoice for a dispensed prescription.
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	var req IssueInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	total, err := nonNegativeAmount("total_amount", req.TotalAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	covered, err := nonNegativeAmount("insurance_covered_amount", req.InsuranceCoveredAmount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	invoiceDate, err := parseDate("invoice_date", req.InvoiceDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n := billing.NewInvoice{
		PatientID:              billing.PatientID(req.PatientID),
		PrescriptionID:         billing.PrescriptionID(req.PrescriptionID),
		InvoiceDate:            invoiceDate,
		Description:            req.Description,
		TotalAmount:            total,
		InsuranceCoveredAmount: covered,
	}
	if req.DueDate != "" {
		if n.DueDate, err = parseDate("due_date", req.DueDate); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	out, err := h.Reconciler.IssueInvoice(r.Context(), n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(out.Invoice))
}

// GetInvoice returns an invoice with its payments.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.Reconciler.Invoice(r.Context(), billing.InvoiceID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(detail))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) ListPatientInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	invoices, err := h.Reconciler.Invoices(r.Context(), billing.PatientID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(invoices, func(inv billing.Invoice, _ int) InvoiceDTO { return toInvoiceDTO(inv) }))
}

func (h *Handler) GetAccountStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	stmt, err := h.Reconciler.AccountStatement(r.Context(), billing.PatientID(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(stmt))
}

// =============================================================================
// STATEMENT HANDLERS
// =============================================================================

// ListMonthlyStatements returns the rolling window of the last ?months=N
// months (default 12, newest first, computed where not stored), or only the
// stored rows, oldest first, with ?stored=true.
func (h *Handler) ListMonthlyStatements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "patientId")
	if !ok {
		return
	}
	q := r.URL.Query()

	var (
		stmts []billing.MonthlyStatement
		err   error
	)
	if q.Get("stored") == "true" {
		stmts, err = h.Reconciler.MonthlyStatements(r.Context(), billing.PatientID(id))
	} else {
		months := billing.DefaultStatementWindow
		if raw := q.Get("months"); raw != "" {
			if months, err = strconv.Atoi(raw); err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{
					Error: "Invalid months",
					Code:  string(billing.ReasonInvalidPeriod),
					Field: "months",
				})
				return
			}
		}
		stmts, err = h.Reconciler.RecentMonthlyStatements(r.Context(), billing.PatientID(id), months)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(stmts, func(s billing.MonthlyStatement, _ int) MonthlyStatementDTO { return toMonthlyDTO(s) }))
}

// GetMonthlyStatement returns the stored statement, or one computed on
// demand (stored=false) when the month was never materialized.
func (h *Handler) GetMonthlyStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "patientId")
	if !ok {
		return
	}
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	st, err := h.Reconciler.MonthlyStatementFor(r.Context(), billing.PatientID(id), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthlyDTO(st))
}

func (h *Handler) ExportMonthlyStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "patientId")
	if !ok {
		return
	}
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	format, ok := h.formatParam(w, r)
	if !ok {
		return
	}
	detail, err := h.Reconciler.MonthlyStatementDetail(r.Context(), billing.PatientID(id), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := export.Monthly(format, detail)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeFile(w, format, export.MonthlyFilename(format, detail.Statement), data)
}

func (h *Handler) ListFinancialStatements(w http.ResponseWriter, r *http.Request) {
	stmts, err := h.Reconciler.FinancialStatements(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(stmts, func(s billing.FinancialStatement, _ int) FinancialStatementDTO { return toFinancialDTO(s) }))
}

func (h *Handler) GetLatestFinancialStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Reconciler.LatestFinancialStatement(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialDTO(st))
}

func (h *Handler) GetFinancialStatement(w http.ResponseWriter, r *http.Request) {
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	st, err := h.Reconciler.FinancialStatementFor(r.Context(), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialDTO(st))
}

func (h *Handler) ExportFinancialStatement(w http.ResponseWriter, r *http.Request) {
	month, ok := h.monthParam(w, r)
	if !ok {
		return
	}
	format, ok := h.formatParam(w, r)
	if !ok {
		return
	}
	detail, err := h.Reconciler.FinancialStatementDetail(r.Context(), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := export.Financial(format, detail)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeFile(w, format, export.FinancialFilename(format, detail.Statement), data)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// MaterializeStatements persists every statement of one closed month.
func (h *Handler) MaterializeStatements(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if !h.decode(w, r, &req) {
		return
	}
	month, err := billing.NewMonth(req.Year, req.Month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.Reconciler.MaterializeMonth(r.Context(), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCascadeDTO(out))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeFile(w http.ResponseWriter, format export.Format, filename string, data []byte) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decode reads a JSON body into dst and runs its validator tags. Numbers are
// kept as json.Number so amounts never pass through float64.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		resp := ErrorResponse{Error: "Invalid request", Code: string(billing.ReasonMissingField), Details: err.Error()}
		if errors.As(err, &verrs) && len(verrs) > 0 {
			resp.Field = verrs[0].Field()
			if verrs[0].Tag() == "gt" {
				resp.Code = string(billing.ReasonInvalidID)
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("Invalid %s", name),
			Code:  string(billing.ReasonInvalidID),
			Field: name,
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) monthParam(w http.ResponseWriter, r *http.Request) (billing.Month, bool) {
	year, yerr := strconv.Atoi(chi.URLParam(r, "year"))
	month, merr := strconv.Atoi(chi.URLParam(r, "month"))
	if yerr != nil || merr != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "Invalid statement period",
			Code:  string(billing.ReasonInvalidPeriod),
		})
		return billing.Month{}, false
	}
	m, err := billing.NewMonth(year, month)
	if err != nil {
		h.writeError(w, r, err)
		return billing.Month{}, false
	}
	return m, true
}

func (h *Handler) formatParam(w http.ResponseWriter, r *http.Request) (export.Format, bool) {
	raw := r.URL.Query().Get("format")
	if raw == "" {
		return export.FormatPDF, true
	}
	f, err := export.ParseFormat(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unsupported export format", Field: "format", Details: err.Error()})
		return "", false
	}
	return f, true
}

// nonNegativeAmount parses an optional invoice amount. Zero is allowed.
func nonNegativeAmount(field string, v any) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(fmt.Sprint(v)))
	if err != nil || d.IsNegative() {
		return decimal.Zero, &billing.ValidationError{
			Code:    billing.ReasonInvalidAmount,
			Field:   field,
			Message: field + " must be a non-negative number",
		}
	}
	return d, nil
}

// writeError maps billing errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		resp := ErrorResponse{Error: verr.Message, Code: string(verr.Code), Field: verr.Field}
		switch verr.Code {
		case billing.ReasonNotFound:
			return http.StatusNotFound, resp
		case billing.ReasonDuplicatePrescription:
			return http.StatusConflict, resp
		default:
			return http.StatusBadRequest, resp
		}
	}

	switch {
	case billing.IsRetryable(err):
		return http.StatusConflict, ErrorResponse{
			Error:   "Concurrent modification, resubmit the request",
			Code:    "ConcurrentModification",
			Details: err.Error(),
		}
	case errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest, ErrorResponse{Error: "Unsupported export format", Details: err.Error()}
	case errors.Is(err, billing.ErrReconciliation):
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "Reconciliation failed, nothing was applied",
			Code:    "ReconciliationFailed",
			Details: err.Error(),
		}
	case billing.IsNotFound(err):
		return http.StatusNotFound, ErrorResponse{Error: "Not found", Code: string(billing.ReasonNotFound), Details: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Details: err.Error()}
	}
}
