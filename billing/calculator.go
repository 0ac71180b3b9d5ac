/*
calculator.go - The three recompute steps of a cascade

PURPOSE:
  Each calculator re-derives one kind of aggregate from ledger rows read
  through the caller's unit of work, then writes it back through the same
  unit of work. None of them triggers anything else: sequencing is the
  Reconciler's job.

CALCULATORS:
  RecomputeInvoice:     amountPaid + status of one invoice
  RecomputeMonth:       one patient's statement for one calendar month
  RecomputeGlobalMonth: the organization-wide statement for one month

OPENING BALANCE:
  The opening balance of a patient month is computed fresh from the ledger
  every time: patient portion of every invoice dated before the month minus
  the net completed payments dated before the month. It is never read from a
  previously stored statement, so the result does not depend on call order
  and closing(M) == opening(M+1) holds by construction.

IDEMPOTENCY:
  Calling RecomputeMonth or RecomputeGlobalMonth twice with no ledger change
  in between produces identical statements (the upsert keeps ID and CreatedAt).
*/
package billing

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Calculator re-derives invoices and statements from the ledger.
type Calculator struct {
	Clock Clock
}

// NewCalculator returns a calculator stamping rows with clock.
func NewCalculator(clock Clock) *Calculator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Calculator{Clock: clock}
}

// =============================================================================
// INVOICE BALANCE
// =============================================================================

// RecomputeInvoice nets the completed payments of an invoice and writes
// amountPaid and status back through uow. Returns ErrNotFound if the invoice
// does not exist.
func (c *Calculator) RecomputeInvoice(ctx context.Context, uow Store, id InvoiceID) (Invoice, error) {
	inv, err := uow.Invoice(ctx, id)
	if err != nil {
		return Invoice{}, errors.Wrapf(err, "load invoice %d", id)
	}

	payments, err := uow.Payments(ctx, PaymentFilter{InvoiceID: id, CompletedOnly: true})
	if err != nil {
		return Invoice{}, errors.Wrapf(err, "load payments of invoice %d", id)
	}

	paid := NetPayments(payments)
	status := StatusFor(inv.PatientPortion, paid)
	now := c.Clock.Now()

	if err := uow.UpdateInvoiceBalance(ctx, id, paid, status, now); err != nil {
		return Invoice{}, errors.Wrapf(err, "update invoice %d", id)
	}

	inv.AmountPaid = paid
	inv.Status = status
	inv.UpdatedAt = now
	return inv, nil
}

// =============================================================================
// MONTHLY STATEMENT (per patient)
// =============================================================================

// ComputeMonth derives a patient's statement for a month without writing it.
func (c *Calculator) ComputeMonth(ctx context.Context, uow LedgerStore, patientID PatientID, month Month) (MonthlyStatement, error) {
	if month.IsZero() {
		return MonthlyStatement{}, errors.Wrap(ErrInvalidPeriod, "compute monthly statement")
	}
	start, next := month.Start(), month.Next().Start()

	priorInvoices, err := uow.Invoices(ctx, InvoiceFilter{PatientID: patientID, Until: start})
	if err != nil {
		return MonthlyStatement{}, errors.Wrap(err, "load prior invoices")
	}
	priorPayments, err := uow.Payments(ctx, PaymentFilter{PatientID: patientID, Until: start, CompletedOnly: true})
	if err != nil {
		return MonthlyStatement{}, errors.Wrap(err, "load prior payments")
	}
	invoices, err := uow.Invoices(ctx, InvoiceFilter{PatientID: patientID, From: start, Until: next})
	if err != nil {
		return MonthlyStatement{}, errors.Wrap(err, "load period invoices")
	}
	payments, err := uow.Payments(ctx, PaymentFilter{PatientID: patientID, From: start, Until: next, CompletedOnly: true})
	if err != nil {
		return MonthlyStatement{}, errors.Wrap(err, "load period payments")
	}

	opening := SumPatientPortion(priorInvoices).Sub(NetPayments(priorPayments))
	charges := SumPatientPortion(invoices)
	paid := NetPayments(payments)

	return MonthlyStatement{
		PatientID:      patientID,
		PeriodStart:    start,
		PeriodEnd:      month.End(),
		OpeningBalance: cents(opening),
		TotalCharges:   charges,
		TotalPayments:  paid,
		ClosingBalance: cents(opening.Add(charges).Sub(paid)),
	}, nil
}

// RecomputeMonth derives and upserts a patient's statement for a month.
func (c *Calculator) RecomputeMonth(ctx context.Context, uow Store, patientID PatientID, month Month) (MonthlyStatement, error) {
	stmt, err := c.ComputeMonth(ctx, uow, patientID, month)
	if err != nil {
		return MonthlyStatement{}, err
	}
	stmt.CreatedAt = c.Clock.Now()
	if err := uow.UpsertMonthlyStatement(ctx, &stmt); err != nil {
		return MonthlyStatement{}, errors.Wrapf(err, "upsert statement %s for patient %d", month, patientID)
	}
	return stmt, nil
}

// =============================================================================
// FINANCIAL STATEMENT (global)
// =============================================================================

// ComputeGlobalMonth derives the organization-wide statement for a month
// without writing it.
func (c *Calculator) ComputeGlobalMonth(ctx context.Context, uow LedgerStore, month Month) (FinancialStatement, error) {
	if month.IsZero() {
		return FinancialStatement{}, errors.Wrap(ErrInvalidPeriod, "compute financial statement")
	}
	start, next := month.Start(), month.Next().Start()

	invoices, err := uow.Invoices(ctx, InvoiceFilter{From: start, Until: next})
	if err != nil {
		return FinancialStatement{}, errors.Wrap(err, "load period invoices")
	}
	payments, err := uow.Payments(ctx, PaymentFilter{From: start, Until: next, CompletedOnly: true})
	if err != nil {
		return FinancialStatement{}, errors.Wrap(err, "load period payments")
	}
	open, err := uow.Invoices(ctx, InvoiceFilter{Until: next, Unpaid: true})
	if err != nil {
		return FinancialStatement{}, errors.Wrap(err, "load unpaid invoices")
	}

	return FinancialStatement{
		PeriodStart:        start,
		PeriodEnd:          month.End(),
		TotalRevenue:       SumTotalAmount(invoices),
		InsurancePayments:  SumInsuranceCovered(invoices),
		PatientPayments:    NetPayments(payments),
		OutstandingBalance: OutstandingBalance(open),
	}, nil
}

// RecomputeGlobalMonth derives and upserts the financial statement for a month.
func (c *Calculator) RecomputeGlobalMonth(ctx context.Context, uow Store, month Month) (FinancialStatement, error) {
	stmt, err := c.ComputeGlobalMonth(ctx, uow, month)
	if err != nil {
		return FinancialStatement{}, err
	}
	stmt.CreatedAt = c.Clock.Now()
	if err := uow.UpsertFinancialStatement(ctx, &stmt); err != nil {
		return FinancialStatement{}, errors.Wrapf(err, "upsert financial statement %s", month)
	}
	return stmt, nil
}

// balanceChanged reports whether a recompute moved the invoice's derived fields.
func balanceChanged(before, after Invoice) bool {
	return !before.AmountPaid.Equal(after.AmountPaid) || before.Status != after.Status
}
