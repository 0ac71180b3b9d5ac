package billing

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// =============================================================================
// READ SIDE - Lookups and reports
// =============================================================================
// Nothing here writes. Statements that are not stored yet are computed on
// demand from the ledger and returned with a zero ID.

// InvoiceDetail is an invoice with every payment posted against it.
type InvoiceDetail struct {
	Invoice  Invoice
	Payments []Payment
}

// Payment returns one payment.
func (r *Reconciler) Payment(ctx context.Context, id PaymentID) (Payment, error) {
	if id <= 0 {
		return Payment{}, newValidationError(ReasonInvalidID, "payment_id", "invalid payment id %d", id)
	}
	p, err := r.store.Payment(ctx, id)
	if err != nil {
		return Payment{}, notFoundOr(err, "payment_id", "payment %d not found", id)
	}
	return p, nil
}

// Invoice returns one invoice with its payments, in any transaction status.
func (r *Reconciler) Invoice(ctx context.Context, id InvoiceID) (InvoiceDetail, error) {
	if id <= 0 {
		return InvoiceDetail{}, newValidationError(ReasonInvalidID, "invoice_id", "invalid invoice id %d", id)
	}
	inv, err := r.store.Invoice(ctx, id)
	if err != nil {
		return InvoiceDetail{}, notFoundOr(err, "invoice_id", "invoice %d not found", id)
	}
	payments, err := r.store.Payments(ctx, PaymentFilter{InvoiceID: id})
	if err != nil {
		return InvoiceDetail{}, errors.Wrapf(err, "load payments of invoice %d", id)
	}
	return InvoiceDetail{Invoice: inv, Payments: payments}, nil
}

// Invoices lists a patient's invoices, oldest first.
func (r *Reconciler) Invoices(ctx context.Context, patientID PatientID) ([]Invoice, error) {
	if patientID <= 0 {
		return nil, newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", patientID)
	}
	return r.store.Invoices(ctx, InvoiceFilter{PatientID: patientID})
}

// =============================================================================
// STATEMENTS
// =============================================================================

// MonthlyStatements lists a patient's stored statements, oldest first.
func (r *Reconciler) MonthlyStatements(ctx context.Context, patientID PatientID) ([]MonthlyStatement, error) {
	if patientID <= 0 {
		return nil, newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", patientID)
	}
	return r.store.MonthlyStatements(ctx, StatementFilter{PatientID: patientID})
}

// DefaultStatementWindow is how many months RecentMonthlyStatements returns
// when the caller does not choose.
const DefaultStatementWindow = 12

// maxStatementWindow bounds a window to ten years of months.
const maxStatementWindow = 120

// RecentMonthlyStatements returns the patient's statements for the current
// month and the months-1 before it, newest first. Stored months are returned
// as stored; the rest are computed and not persisted.
func (r *Reconciler) RecentMonthlyStatements(ctx context.Context, patientID PatientID, months int) ([]MonthlyStatement, error) {
	if patientID <= 0 {
		return nil, newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", patientID)
	}
	if months < 1 || months > maxStatementWindow {
		return nil, newValidationError(ReasonInvalidPeriod, "months", "window must be 1 to %d months, got %d", maxStatementWindow, months)
	}
	out := make([]MonthlyStatement, 0, months)
	m := MonthOf(r.clock.Now())
	for i := 0; i < months; i++ {
		st, err := r.MonthlyStatementFor(ctx, patientID, m)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
		m = m.Prev()
	}
	return out, nil
}

// MonthlyStatementFor returns the stored statement for month, or computes it
// without storing it.
func (r *Reconciler) MonthlyStatementFor(ctx context.Context, patientID PatientID, month Month) (MonthlyStatement, error) {
	if patientID <= 0 {
		return MonthlyStatement{}, newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", patientID)
	}
	if month.IsZero() {
		return MonthlyStatement{}, newValidationError(ReasonInvalidPeriod, "period", "period is required")
	}
	s, err := r.store.MonthlyStatement(ctx, patientID, month.Start())
	if err == nil {
		return s, nil
	}
	if !IsNotFound(err) {
		return MonthlyStatement{}, errors.Wrapf(err, "load statement %s of patient %d", month, patientID)
	}
	return r.calc.ComputeMonth(ctx, r.store, patientID, month)
}

// MonthlyStatementDetail is a patient statement with the ledger rows behind
// its charges and payments.
type MonthlyStatementDetail struct {
	Statement MonthlyStatement
	Charges   []Invoice
	Payments  []Payment // completed only
}

// MonthlyStatementDetail loads the statement for month (stored or computed)
// together with the invoices and completed payments dated inside it.
func (r *Reconciler) MonthlyStatementDetail(ctx context.Context, patientID PatientID, month Month) (MonthlyStatementDetail, error) {
	st, err := r.MonthlyStatementFor(ctx, patientID, month)
	if err != nil {
		return MonthlyStatementDetail{}, err
	}
	charges, err := r.store.Invoices(ctx, InvoiceFilter{PatientID: patientID, From: month.Start(), Until: month.Next().Start()})
	if err != nil {
		return MonthlyStatementDetail{}, errors.Wrapf(err, "load charges %s of patient %d", month, patientID)
	}
	payments, err := r.store.Payments(ctx, PaymentFilter{
		PatientID:     patientID,
		From:          month.Start(),
		Until:         month.Next().Start(),
		CompletedOnly: true,
	})
	if err != nil {
		return MonthlyStatementDetail{}, errors.Wrapf(err, "load payments %s of patient %d", month, patientID)
	}
	return MonthlyStatementDetail{Statement: st, Charges: charges, Payments: payments}, nil
}

// FinancialStatementDetail is a financial statement with the invoices
// issued during its month.
type FinancialStatementDetail struct {
	Statement FinancialStatement
	Invoices  []Invoice
}

func (r *Reconciler) FinancialStatementDetail(ctx context.Context, month Month) (FinancialStatementDetail, error) {
	st, err := r.FinancialStatementFor(ctx, month)
	if err != nil {
		return FinancialStatementDetail{}, err
	}
	invoices, err := r.store.Invoices(ctx, InvoiceFilter{From: month.Start(), Until: month.Next().Start()})
	if err != nil {
		return FinancialStatementDetail{}, errors.Wrapf(err, "load invoices %s", month)
	}
	return FinancialStatementDetail{Statement: st, Invoices: invoices}, nil
}

// FinancialStatements lists the stored financial statements, oldest first.
func (r *Reconciler) FinancialStatements(ctx context.Context) ([]FinancialStatement, error) {
	return r.store.FinancialStatements(ctx, StatementFilter{})
}

// FinancialStatementFor returns the stored financial statement for month, or
// computes it without storing it.
func (r *Reconciler) FinancialStatementFor(ctx context.Context, month Month) (FinancialStatement, error) {
	if month.IsZero() {
		return FinancialStatement{}, newValidationError(ReasonInvalidPeriod, "period", "period is required")
	}
	s, err := r.store.FinancialStatement(ctx, month.Start())
	if err == nil {
		return s, nil
	}
	if !IsNotFound(err) {
		return FinancialStatement{}, errors.Wrapf(err, "load financial statement %s", month)
	}
	return r.calc.ComputeGlobalMonth(ctx, r.store, month)
}

// LatestFinancialStatement returns the most recent stored financial statement.
func (r *Reconciler) LatestFinancialStatement(ctx context.Context) (FinancialStatement, error) {
	s, err := r.store.LatestFinancialStatement(ctx)
	if err != nil {
		return FinancialStatement{}, notFoundOr(err, "period", "no financial statement stored")
	}
	return s, nil
}

// =============================================================================
// ACCOUNT STATEMENT
// =============================================================================

// AccountLine is one invoice on a patient's account.
type AccountLine struct {
	InvoiceID      InvoiceID
	PrescriptionID PrescriptionID
	InvoiceDate    time.Time
	Description    string
	PatientPortion decimal.Decimal
	AmountPaid     decimal.Decimal
	Balance        decimal.Decimal
	Status         InvoiceStatus
}

// AccountStatement is every invoice of a patient, newest first, with the
// balance still owed across all of them.
type AccountStatement struct {
	PatientID    PatientID
	Lines        []AccountLine
	TotalBalance decimal.Decimal
}

// AccountStatement builds the patient's account statement from the current
// derived invoice balances.
func (r *Reconciler) AccountStatement(ctx context.Context, patientID PatientID) (AccountStatement, error) {
	if patientID <= 0 {
		return AccountStatement{}, newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", patientID)
	}
	invoices, err := r.store.Invoices(ctx, InvoiceFilter{PatientID: patientID})
	if err != nil {
		return AccountStatement{}, errors.Wrapf(err, "load invoices of patient %d", patientID)
	}
	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].InvoiceDate.After(invoices[j].InvoiceDate)
	})

	stmt := AccountStatement{PatientID: patientID, TotalBalance: decimal.Zero}
	for _, inv := range invoices {
		balance := cents(inv.Balance())
		stmt.Lines = append(stmt.Lines, AccountLine{
			InvoiceID:      inv.ID,
			PrescriptionID: inv.PrescriptionID,
			InvoiceDate:    inv.InvoiceDate,
			Description:    inv.Description,
			PatientPortion: inv.PatientPortion,
			AmountPaid:     inv.AmountPaid,
			Balance:        balance,
			Status:         inv.Status,
		})
		stmt.TotalBalance = stmt.TotalBalance.Add(balance)
	}
	return stmt, nil
}

func notFoundOr(err error, field, format string, args ...any) error {
	if IsNotFound(err) {
		return newValidationError(ReasonNotFound, field, format, args...)
	}
	return err
}
