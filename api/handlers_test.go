/*
handlers_test.go - HTTP tests for the billing API

Tests run the full router over a SQLite :memory: store, so every request goes
through validation, the reconciler cascade and real SQL.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/rxbilling/billing"
	"github.com/warp/rxbilling/metrics"
	"github.com/warp/rxbilling/store/sqlite"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router     *chi.Mux
	reconciler *billing.Reconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := sqlite.New(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := metrics.New()
	reconciler := billing.NewReconciler(store,
		billing.WithClock(fixedClock{now}),
		billing.WithLogger(log),
		billing.WithObserver(rec))

	h := NewHandler(reconciler, log)
	return &testServer{
		router:     NewRouter(h, RouterOptions{Metrics: rec.Handler()}),
		reconciler: reconciler,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// issueInvoice creates an invoice whose patient portion is portion (insurance
// covers a fixed 50.00 on top).
func (s *testServer) issueInvoice(t *testing.T, patient, rx int64, date, portion string) InvoiceDTO {
	t.Helper()
	var total float64
	_, err := fmt.Sscan(portion, &total)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"patient_id":               patient,
		"prescription_id":          rx,
		"invoice_date":             date,
		"description":              "Atorvastatin 20mg",
		"total_amount":             fmt.Sprintf("%.2f", total+50),
		"insurance_covered_amount": "50.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[InvoiceDTO](t, rec)
}

func (s *testServer) pay(t *testing.T, invoiceID int64, amount any, date string, refund bool) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/payments", map[string]any{
		"invoice_id":     invoiceID,
		"amount":         amount,
		"payment_date":   date,
		"payment_method": "card",
		"is_refund":      refund,
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestSubmitPayment_UpdatesInvoice(t *testing.T) {
	s := newTestServer(t)

	// GIVEN an invoice with a 100.00 patient portion
	inv := s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")
	assert.Equal(t, "100.00", inv.PatientPortion)
	assert.Equal(t, "pending", inv.Status)

	// WHEN 60.00 is paid
	rec := s.pay(t, inv.ID, 60, "2025-01-20", false)

	// THEN the payment is created and the invoice is partially paid
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeAs[PaymentDTO](t, rec)
	assert.Equal(t, "60.00", p.Amount)
	assert.Equal(t, int64(1), p.PatientID)
	assert.Equal(t, "completed", p.TransactionStatus)
	assert.NotEmpty(t, p.ReferenceNumber)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", inv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[InvoiceDTO](t, rec)
	assert.Equal(t, "60.00", got.AmountPaid)
	assert.Equal(t, "40.00", got.Balance)
	assert.Equal(t, "partially_paid", got.Status)
	require.Len(t, got.Payments, 1)
}

func TestSubmitPayment_Rejections(t *testing.T) {
	s := newTestServer(t)
	inv := s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"zero amount", map[string]any{"invoice_id": inv.ID, "amount": 0, "payment_date": "2025-01-20", "payment_method": "card"}, 400, "InvalidAmount"},
		{"negative string amount", map[string]any{"invoice_id": inv.ID, "amount": "-5", "payment_date": "2025-01-20", "payment_method": "card"}, 400, "InvalidAmount"},
		{"unparsable amount", map[string]any{"invoice_id": inv.ID, "amount": "ten", "payment_date": "2025-01-20", "payment_method": "card"}, 400, "InvalidAmount"},
		{"sub-cent string amount", map[string]any{"invoice_id": inv.ID, "amount": "0.004", "payment_date": "2025-01-20", "payment_method": "card"}, 400, "InvalidAmount"},
		{"sub-cent number amount", map[string]any{"invoice_id": inv.ID, "amount": 0.001, "payment_date": "2025-01-20", "payment_method": "card"}, 400, "InvalidAmount"},
		{"unknown invoice", map[string]any{"invoice_id": 999, "amount": 5, "payment_date": "2025-01-20", "payment_method": "card"}, 404, "NotFound"},
		{"missing method", map[string]any{"invoice_id": inv.ID, "amount": 5, "payment_date": "2025-01-20"}, 400, "MissingField"},
		{"missing invoice", map[string]any{"amount": 5, "payment_date": "2025-01-20", "payment_method": "card"}, 400, "MissingField"},
		{"bad date", map[string]any{"invoice_id": inv.ID, "amount": 5, "payment_date": "20/01/2025", "payment_method": "card"}, 400, "MissingField"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/payments", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeAs[ErrorResponse](t, rec).Code)
		})
	}

	// Nothing was recorded by any rejected request
	got := decodeAs[InvoiceDTO](t, s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", inv.ID), nil))
	assert.Empty(t, got.Payments)
	assert.Equal(t, "0.00", got.AmountPaid)
}

func TestAmendAndRetractPayment(t *testing.T) {
	s := newTestServer(t)
	inv := s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")
	p := decodeAs[PaymentDTO](t, s.pay(t, inv.ID, "60.00", "2025-01-20", false))

	// WHEN the amount is amended to cover the invoice
	rec := s.do(t, http.MethodPatch, fmt.Sprintf("/api/payments/%d", p.ID), map[string]any{"amount": "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "100.00", decodeAs[PaymentDTO](t, rec).Amount)

	// THEN the invoice is paid
	got := decodeAs[InvoiceDTO](t, s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", inv.ID), nil))
	assert.Equal(t, "paid", got.Status)

	// WHEN an empty patch is sent
	rec = s.do(t, http.MethodPatch, fmt.Sprintf("/api/payments/%d", p.ID), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NoFieldsProvided", decodeAs[ErrorResponse](t, rec).Code)

	// WHEN the payment is retracted
	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/api/payments/%d", p.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// THEN it is gone and the invoice is back to pending
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%d", p.ID), nil).Code)
	got = decodeAs[InvoiceDTO](t, s.do(t, http.MethodGet, fmt.Sprintf("/api/invoices/%d", inv.ID), nil))
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "0.00", got.AmountPaid)

	// Retracting again is NotFound
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, fmt.Sprintf("/api/payments/%d", p.ID), nil).Code)
}

func TestPaymentIDs_MustBePositive(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/payments/abc", "/api/payments/0", "/api/invoices/-1"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "InvalidID", decodeAs[ErrorResponse](t, rec).Code)
	}
}

// =============================================================================
// INVOICES & PATIENTS
// =============================================================================

func TestIssueInvoice_DuplicateAndZeroPortion(t *testing.T) {
	s := newTestServer(t)
	s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")

	rec := s.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"patient_id": 1, "prescription_id": 1001, "invoice_date": "2025-01-11", "total_amount": "10.00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DuplicatePrescription", decodeAs[ErrorResponse](t, rec).Code)

	// Fully covered by insurance: paid from issuance
	rec = s.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"patient_id": 1, "prescription_id": 1002, "invoice_date": "2025-01-12",
		"total_amount": "80.00", "insurance_covered_amount": "80.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeAs[InvoiceDTO](t, rec)
	assert.Equal(t, "0.00", inv.PatientPortion)
	assert.Equal(t, "paid", inv.Status)
	assert.Equal(t, "2025-02-11T00:00:00Z", inv.DueDate)
}

func TestAccountStatement(t *testing.T) {
	s := newTestServer(t)
	a := s.issueInvoice(t, 7, 1, "2025-01-10", "100.00")
	s.issueInvoice(t, 7, 2, "2025-02-10", "30.00")
	s.issueInvoice(t, 8, 3, "2025-02-11", "999.00")
	require.Equal(t, http.StatusCreated, s.pay(t, a.ID, 60, "2025-01-20", false).Code)

	rec := s.do(t, http.MethodGet, "/api/patients/7/account-statement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stmt := decodeAs[AccountStatementDTO](t, rec)

	require.Len(t, stmt.Lines, 2)
	assert.Equal(t, int64(2), stmt.Lines[0].PrescriptionID, "newest first")
	assert.Equal(t, "40.00", stmt.Lines[1].Balance)
	assert.Equal(t, "70.00", stmt.TotalBalance)

	invoices := decodeAs[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/patients/7/invoices", nil))
	assert.Len(t, invoices, 2)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func TestStatements_MaterializeQueryAndCascade(t *testing.T) {
	s := newTestServer(t)
	inv := s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")

	// GIVEN January and February materialized
	for _, m := range []int{1, 2} {
		rec := s.do(t, http.MethodPost, "/api/admin/statements/materialize", map[string]any{"year": 2025, "month": m})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	feb := decodeAs[MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1/2025/2", nil))
	assert.True(t, feb.Stored)
	assert.Equal(t, "100.00", feb.OpeningBalance)

	// WHEN a payment is backdated into January
	require.Equal(t, http.StatusCreated, s.pay(t, inv.ID, 30, "2025-01-25", false).Code)

	// THEN February's stored opening balance follows
	feb = decodeAs[MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1/2025/2", nil))
	assert.Equal(t, "70.00", feb.OpeningBalance)
	assert.Equal(t, "70.00", feb.ClosingBalance)

	list := decodeAs[[]MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1?stored=true", nil))
	require.Len(t, list, 2)
	assert.Equal(t, "2025-01", list[0].Period)
	assert.Equal(t, list[0].ClosingBalance, list[1].OpeningBalance)

	// The default listing is the last twelve months, newest first
	window := decodeAs[[]MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1", nil))
	require.Len(t, window, 12)
	assert.Equal(t, "2025-06", window[0].Period)
	assert.False(t, window[0].Stored)
	assert.Equal(t, "70.00", window[0].ClosingBalance)
	assert.Equal(t, "2025-02", window[4].Period)
	assert.True(t, window[4].Stored)
	assert.Equal(t, "2024-07", window[11].Period)
	assert.Equal(t, "0.00", window[11].ClosingBalance)

	short := decodeAs[[]MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1?months=3", nil))
	require.Len(t, short, 3)
	assert.Equal(t, "2025-04", short[2].Period)

	rec := s.do(t, http.MethodGet, "/api/statements/monthly/patient/1?months=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidPeriod", decodeAs[ErrorResponse](t, rec).Code)

	// An unmaterialized month is computed on demand
	mar := decodeAs[MonthlyStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/monthly/patient/1/2025/3", nil))
	assert.False(t, mar.Stored)
	assert.Equal(t, "70.00", mar.OpeningBalance)

	latest := decodeAs[FinancialStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/financial/latest", nil))
	assert.Equal(t, "2025-02", latest.Period)
	assert.Equal(t, "70.00", latest.OutstandingBalance)

	jan := decodeAs[FinancialStatementDTO](t, s.do(t, http.MethodGet, "/api/statements/financial/2025/1", nil))
	assert.Equal(t, "150.00", jan.TotalRevenue)
	assert.Equal(t, "30.00", jan.PatientPayments)
}

func TestStatements_InvalidPeriod(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/statements/financial/2025/13", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidPeriod", decodeAs[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/admin/statements/materialize", map[string]any{"year": 2030, "month": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "future months cannot be materialized")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/statements/financial/latest", nil).Code)
}

func TestStatements_Export(t *testing.T) {
	s := newTestServer(t)
	s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")

	rec := s.do(t, http.MethodGet, "/api/statements/monthly/patient/1/2025/1/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "statement-patient-1-2025-01.pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))

	rec = s.do(t, http.MethodGet, "/api/statements/financial/2025/1/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "financial-statement-2025-01.xlsx")
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/api/statements/financial/2025/1/export?format=csv", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCHEDULER, METRICS, ERRORS
// =============================================================================

func TestScheduler_MaterializesPreviousMonthOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	may := billing.Month{Year: 2025, Month: time.May}

	// GIVEN patient 1 owes 100.00 from April and has no May activity
	s.issueInvoice(t, 1, 1001, "2025-04-10", "100.00")
	// AND patient 2 is invoiced in May, which already stores May's global row
	s.issueInvoice(t, 2, 2001, "2025-05-10", "40.00")
	global, err := s.reconciler.FinancialStatementFor(ctx, may)
	require.NoError(t, err)
	require.True(t, global.Stored())
	carried, err := s.reconciler.MonthlyStatementFor(ctx, 1, may)
	require.NoError(t, err)
	require.False(t, carried.Stored())

	sched := NewStatementScheduler(s.reconciler, zaptest.NewLogger(t))
	sched.Clock = fixedClock{now}

	// WHEN the scheduler runs in June
	out, err := sched.RunNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)

	// THEN the carried balance gets its May statement
	carried, err = s.reconciler.MonthlyStatementFor(ctx, 1, may)
	require.NoError(t, err)
	assert.True(t, carried.Stored())
	assert.Equal(t, "100.00", carried.OpeningBalance.StringFixed(2))
	assert.Equal(t, "100.00", carried.ClosingBalance.StringFixed(2))

	active, err := s.reconciler.MonthlyStatementFor(ctx, 2, may)
	require.NoError(t, err)
	assert.True(t, active.Stored())
	assert.Equal(t, "40.00", active.ClosingBalance.StringFixed(2))

	// AND a second run in the same month is a no-op
	out, err = sched.RunNow(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)

	// AND the next month is picked up once it closes
	sched.Clock = fixedClock{time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)}
	out, err = sched.RunNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	june, err := s.reconciler.MonthlyStatementFor(ctx, 1, billing.Month{Year: 2025, Month: time.June})
	require.NoError(t, err)
	assert.True(t, june.Stored())
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sched := NewStatementScheduler(s.reconciler, zaptest.NewLogger(t))
	sched.Clock = fixedClock{now}
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	assert.Nil(t, sched.ticker)
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.issueInvoice(t, 1, 1001, "2025-01-10", "100.00")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rxbilling_cascade_total{event="issue_invoice",result="success"} 1`)
}

func TestErrorResponse_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &billing.ValidationError{Code: billing.ReasonInvalidAmount}, 400, "InvalidAmount"},
		{"not found reason", &billing.ValidationError{Code: billing.ReasonNotFound}, 404, "NotFound"},
		{"duplicate", &billing.ValidationError{Code: billing.ReasonDuplicatePrescription}, 409, "DuplicatePrescription"},
		{"concurrent", &billing.ReconcileError{Op: "create", Err: errors.Mark(errors.New("busy"), billing.ErrConcurrentModification)}, 409, "ConcurrentModification"},
		{"reconcile", &billing.ReconcileError{Op: "create", Err: errors.New("disk")}, 500, "ReconciliationFailed"},
		{"internal", errors.New("boom"), 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}
