/*
Package billing provides the payment reconciliation engine.

PURPOSE:
  Payments are recorded against invoices generated from dispensed prescriptions.
  Several aggregates are derived from that ledger and must stay consistent with it:
  the invoice paid amount and status, per-patient monthly statements, and the
  organization-wide monthly financial statements. This package re-derives all of
  them atomically whenever a ledger event touches a past or present period.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice: one per dispensed prescription, the patient owes PatientPortion
  - Payment: ledger entry against exactly one invoice (refunds net negatively)
  - MonthlyStatement: per patient, per calendar month (opening/closing balance)
  - FinancialStatement: organization-wide, per calendar month

DESIGN PRINCIPLES:
  1. The ledger (invoices + payments) is the source of truth
  2. Every aggregate is recomputed from the ledger, never patched incrementally
  3. Precision: uses decimal.Decimal, rounded to cents
  4. One payment event plus everything it cascades into is one unit of work

SEE ALSO:
  - store.go: Unit-of-work interfaces
  - calculator.go: Invoice, monthly and global calculators
  - reconciler.go: Cascade orchestration
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID int64
type InvoiceID int64
type PaymentID int64
type PrescriptionID int64

// =============================================================================
// INVOICE
// =============================================================================

// InvoiceStatus is derived from AmountPaid and PatientPortion after every
// recompute. Transitions are not monotonic: a refund can reopen a paid invoice.
type InvoiceStatus string

const (
	StatusPending       InvoiceStatus = "pending"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
)

// Invoice is billed once per dispensed prescription.
// AmountPaid and Status are derived; only the invoice calculator writes them.
type Invoice struct {
	ID                     InvoiceID
	PatientID              PatientID
	PrescriptionID         PrescriptionID
	InvoiceDate            time.Time
	DueDate                time.Time
	Description            string
	TotalAmount            decimal.Decimal
	InsuranceCoveredAmount decimal.Decimal
	PatientPortion         decimal.Decimal
	AmountPaid             decimal.Decimal
	Status                 InvoiceStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Balance is what the patient still owes on this invoice.
func (i Invoice) Balance() decimal.Decimal {
	return i.PatientPortion.Sub(i.AmountPaid)
}

// Month returns the statement period the invoice is charged in.
func (i Invoice) Month() Month { return MonthOf(i.InvoiceDate) }

// =============================================================================
// PAYMENT
// =============================================================================

// TransactionStatus of a payment. Only completed payments participate in any
// aggregate; everything else is ignored everywhere.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxPending   TransactionStatus = "pending"
	TxFailed    TransactionStatus = "failed"
)

// Payment is a ledger entry against one invoice. Amount is always a positive
// magnitude; IsRefund reverses its sign when netting.
// PatientID is copied from the invoice at creation and never changes.
type Payment struct {
	ID                PaymentID
	InvoiceID         InvoiceID
	PatientID         PatientID
	Amount            decimal.Decimal
	PaymentDate       time.Time
	Method            string
	IsRefund          bool
	TransactionStatus TransactionStatus
	ReferenceNumber   string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Completed reports whether the payment participates in aggregates.
func (p Payment) Completed() bool { return p.TransactionStatus == TxCompleted }

// Signed returns the amount with refunds negated.
func (p Payment) Signed() decimal.Decimal {
	if p.IsRefund {
		return p.Amount.Neg()
	}
	return p.Amount
}

// Month returns the statement period the payment is posted in.
func (p Payment) Month() Month { return MonthOf(p.PaymentDate) }

// =============================================================================
// STATEMENTS - Derived per calendar month
// =============================================================================

// MonthlyStatement is unique per (PatientID, PeriodStart).
// ClosingBalance = OpeningBalance + TotalCharges - TotalPayments.
type MonthlyStatement struct {
	ID             int64
	PatientID      PatientID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	OpeningBalance decimal.Decimal
	TotalCharges   decimal.Decimal
	TotalPayments  decimal.Decimal
	ClosingBalance decimal.Decimal
	CreatedAt      time.Time
}

func (s MonthlyStatement) Month() Month { return MonthOf(s.PeriodStart) }

// Stored reports whether the statement was read from (or written to) the store.
func (s MonthlyStatement) Stored() bool { return s.ID != 0 }

// FinancialStatement is unique per PeriodStart.
type FinancialStatement struct {
	ID                 int64
	PeriodStart        time.Time
	PeriodEnd          time.Time
	TotalRevenue       decimal.Decimal
	InsurancePayments  decimal.Decimal
	PatientPayments    decimal.Decimal
	OutstandingBalance decimal.Decimal
	CreatedAt          time.Time
}

func (s FinancialStatement) Month() Month { return MonthOf(s.PeriodStart) }

func (s FinancialStatement) Stored() bool { return s.ID != 0 }

// StatementKind distinguishes the two statement tables.
type StatementKind string

const (
	KindMonthly StatementKind = "monthly"
	KindGlobal  StatementKind = "global"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
