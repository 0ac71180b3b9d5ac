/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract. Amounts are rendered as
  strings with two decimals so no client ever sees a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required, ids positive). Money and business rules are validated by the
  billing package, which returns reason codes.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/warp/rxbilling/billing"
)

// =============================================================================
// REQUESTS
// =============================================================================

// SubmitPaymentRequest is the body of POST /api/payments.
// Amount accepts a JSON number or a decimal string.
type SubmitPaymentRequest struct {
	InvoiceID         int64  `json:"invoice_id" validate:"required,gt=0"`
	Amount            any    `json:"amount" validate:"required"`
	PaymentDate       string `json:"payment_date" validate:"required"`
	PaymentMethod     string `json:"payment_method" validate:"required"`
	IsRefund          bool   `json:"is_refund"`
	ReferenceNumber   string `json:"reference_number" validate:"max=64"`
	Notes             string `json:"notes"`
	TransactionStatus string `json:"transaction_status" validate:"omitempty,oneof=completed pending failed"`
}

// AmendPaymentRequest is the body of PATCH /api/payments/{id}. Absent fields
// are left unchanged.
type AmendPaymentRequest struct {
	Amount        any     `json:"amount"`
	PaymentDate   *string `json:"payment_date"`
	PaymentMethod *string `json:"payment_method"`
	IsRefund      *bool   `json:"is_refund"`
	Notes         *string `json:"notes"`
}

// IssueInvoiceRequest is the body of POST /api/invoices.
type IssueInvoiceRequest struct {
	PatientID              int64  `json:"patient_id" validate:"required,gt=0"`
	PrescriptionID         int64  `json:"prescription_id" validate:"required,gt=0"`
	InvoiceDate            string `json:"invoice_date" validate:"required"`
	DueDate                string `json:"due_date"`
	Description            string `json:"description" validate:"max=255"`
	TotalAmount            any    `json:"total_amount" validate:"required"`
	InsuranceCoveredAmount any    `json:"insurance_covered_amount"`
}

// MaterializeRequest is the body of POST /api/admin/statements/materialize.
type MaterializeRequest struct {
	Year  int `json:"year" validate:"required,gte=1900,lte=9999"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

type PaymentDTO struct {
	ID                int64  `json:"id"`
	InvoiceID         int64  `json:"invoice_id"`
	PatientID         int64  `json:"patient_id"`
	Amount            string `json:"amount"`
	PaymentDate       string `json:"payment_date"`
	PaymentMethod     string `json:"payment_method"`
	IsRefund          bool   `json:"is_refund"`
	TransactionStatus string `json:"transaction_status"`
	ReferenceNumber   string `json:"reference_number"`
	Notes             string `json:"notes,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type InvoiceDTO struct {
	ID                     int64        `json:"id"`
	PatientID              int64        `json:"patient_id"`
	PrescriptionID         int64        `json:"prescription_id"`
	InvoiceDate            string       `json:"invoice_date"`
	DueDate                string       `json:"due_date"`
	Description            string       `json:"description"`
	TotalAmount            string       `json:"total_amount"`
	InsuranceCoveredAmount string       `json:"insurance_covered_amount"`
	PatientPortion         string       `json:"patient_portion"`
	AmountPaid             string       `json:"amount_paid"`
	Balance                string       `json:"balance"`
	Status                 string       `json:"status"`
	Payments               []PaymentDTO `json:"payments,omitempty"`
}

type MonthlyStatementDTO struct {
	ID             int64  `json:"id,omitempty"`
	PatientID      int64  `json:"patient_id"`
	Period         string `json:"period"`
	PeriodStart    string `json:"period_start"`
	PeriodEnd      string `json:"period_end"`
	OpeningBalance string `json:"opening_balance"`
	TotalCharges   string `json:"total_charges"`
	TotalPayments  string `json:"total_payments"`
	ClosingBalance string `json:"closing_balance"`
	Stored         bool   `json:"stored"`
}

type FinancialStatementDTO struct {
	ID                 int64  `json:"id,omitempty"`
	Period             string `json:"period"`
	PeriodStart        string `json:"period_start"`
	PeriodEnd          string `json:"period_end"`
	TotalRevenue       string `json:"total_revenue"`
	InsurancePayments  string `json:"insurance_payments"`
	PatientPayments    string `json:"patient_payments"`
	OutstandingBalance string `json:"outstanding_balance"`
	Stored             bool   `json:"stored"`
}

type AccountLineDTO struct {
	InvoiceID      int64  `json:"invoice_id"`
	PrescriptionID int64  `json:"prescription_id"`
	InvoiceDate    string `json:"invoice_date"`
	Description    string `json:"description"`
	PatientPortion string `json:"patient_portion"`
	AmountPaid     string `json:"amount_paid"`
	Balance        string `json:"balance"`
	Status         string `json:"status"`
}

type AccountStatementDTO struct {
	PatientID    int64            `json:"patient_id"`
	Lines        []AccountLineDTO `json:"lines"`
	TotalBalance string           `json:"total_balance"`
}

// CascadeDTO summarizes which months a unit of work recomputed.
type CascadeDTO struct {
	RunID   string   `json:"run_id"`
	Event   string   `json:"event"`
	Monthly []string `json:"monthly_recomputed"`
	Global  []string `json:"global_recomputed"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                int64(p.ID),
		InvoiceID:         int64(p.InvoiceID),
		PatientID:         int64(p.PatientID),
		Amount:            p.Amount.StringFixed(2),
		PaymentDate:       stamp(p.PaymentDate),
		PaymentMethod:     p.Method,
		IsRefund:          p.IsRefund,
		TransactionStatus: string(p.TransactionStatus),
		ReferenceNumber:   p.ReferenceNumber,
		Notes:             p.Notes,
		CreatedAt:         stamp(p.CreatedAt),
		UpdatedAt:         stamp(p.UpdatedAt),
	}
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:                     int64(inv.ID),
		PatientID:              int64(inv.PatientID),
		PrescriptionID:         int64(inv.PrescriptionID),
		InvoiceDate:            stamp(inv.InvoiceDate),
		DueDate:                stamp(inv.DueDate),
		Description:            inv.Description,
		TotalAmount:            inv.TotalAmount.StringFixed(2),
		InsuranceCoveredAmount: inv.InsuranceCoveredAmount.StringFixed(2),
		PatientPortion:         inv.PatientPortion.StringFixed(2),
		AmountPaid:             inv.AmountPaid.StringFixed(2),
		Balance:                inv.Balance().StringFixed(2),
		Status:                 string(inv.Status),
	}
}

func toInvoiceDetailDTO(d billing.InvoiceDetail) InvoiceDTO {
	dto := toInvoiceDTO(d.Invoice)
	dto.Payments = lo.Map(d.Payments, func(p billing.Payment, _ int) PaymentDTO { return toPaymentDTO(p) })
	return dto
}

func toMonthlyDTO(s billing.MonthlyStatement) MonthlyStatementDTO {
	return MonthlyStatementDTO{
		ID:             s.ID,
		PatientID:      int64(s.PatientID),
		Period:         s.Month().String(),
		PeriodStart:    stamp(s.PeriodStart),
		PeriodEnd:      stamp(s.PeriodEnd),
		OpeningBalance: s.OpeningBalance.StringFixed(2),
		TotalCharges:   s.TotalCharges.StringFixed(2),
		TotalPayments:  s.TotalPayments.StringFixed(2),
		ClosingBalance: s.ClosingBalance.StringFixed(2),
		Stored:         s.Stored(),
	}
}

func toFinancialDTO(s billing.FinancialStatement) FinancialStatementDTO {
	return FinancialStatementDTO{
		ID:                 s.ID,
		Period:             s.Month().String(),
		PeriodStart:        stamp(s.PeriodStart),
		PeriodEnd:          stamp(s.PeriodEnd),
		TotalRevenue:       s.TotalRevenue.StringFixed(2),
		InsurancePayments:  s.InsurancePayments.StringFixed(2),
		PatientPayments:    s.PatientPayments.StringFixed(2),
		OutstandingBalance: s.OutstandingBalance.StringFixed(2),
		Stored:             s.Stored(),
	}
}

func toAccountDTO(a billing.AccountStatement) AccountStatementDTO {
	return AccountStatementDTO{
		PatientID: int64(a.PatientID),
		Lines: lo.Map(a.Lines, func(l billing.AccountLine, _ int) AccountLineDTO {
			return AccountLineDTO{
				InvoiceID:      int64(l.InvoiceID),
				PrescriptionID: int64(l.PrescriptionID),
				InvoiceDate:    stamp(l.InvoiceDate),
				Description:    l.Description,
				PatientPortion: l.PatientPortion.StringFixed(2),
				AmountPaid:     l.AmountPaid.StringFixed(2),
				Balance:        l.Balance.StringFixed(2),
				Status:         string(l.Status),
			}
		}),
		TotalBalance: a.TotalBalance.StringFixed(2),
	}
}

func toCascadeDTO(o *billing.Outcome) CascadeDTO {
	months := func(ms []billing.Month) []string {
		return lo.Map(ms, func(m billing.Month, _ int) string { return m.String() })
	}
	return CascadeDTO{
		RunID:   o.RunID,
		Event:   string(o.Kind),
		Monthly: months(o.Monthly),
		Global:  months(o.Global),
	}
}

// parseDate accepts a calendar date (2006-01-02, midnight UTC) or RFC 3339.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &billing.ValidationError{
			Code:    billing.ReasonMissingField,
			Field:   field,
			Message: field + " must be YYYY-MM-DD or RFC 3339",
		}
	}
	return t.UTC(), nil
}
