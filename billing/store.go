/*
store.go - Persistence interfaces for the ledger and the derived statements

PURPOSE:
  Defines the boundary between the reconciliation engine and the database.
  Every calculator receives a Store explicitly: there is no package-level
  connection and no hidden transaction state. Inside TxStore.WithTx the Store
  handed to the callback is bound to one database transaction.

KEY INTERFACES:
  LedgerStore:    Invoices and payments (the source of truth)
  StatementStore: Monthly and financial statements (derived)
  Store:          Both, as seen by one unit of work
  TxStore:        Store plus WithTx for atomic units of work

ISOLATION:
  WithTx must provide serializable (or equivalent) isolation for the rows it
  touches. Implementations that cannot serialize a conflicting transaction
  return ErrConcurrentModification; the engine never retries internally.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory, for tests
  - store/sqlite/sqlite.go: SQLite (BEGIN IMMEDIATE)
  - store/postgres/postgres.go: PostgreSQL (SERIALIZABLE)
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// InvoiceFilter selects invoices by patient and invoice date.
// Zero values leave a dimension unbounded. Results are ordered by
// (InvoiceDate, ID) ascending.
type InvoiceFilter struct {
	PatientID PatientID // 0 = every patient
	From      time.Time // inclusive
	Until     time.Time // exclusive
	Unpaid    bool      // only Status != paid
}

// PaymentFilter selects payments by patient, invoice and payment date.
// Results are ordered by (PaymentDate, ID) ascending.
type PaymentFilter struct {
	PatientID     PatientID
	InvoiceID     InvoiceID
	From          time.Time // inclusive
	Until         time.Time // exclusive
	CompletedOnly bool
}

// StatementFilter pages through stored statements ordered by PeriodStart
// ascending. PatientID only applies to monthly statements.
type StatementFilter struct {
	PatientID PatientID
	After     time.Time // strictly after; zero = from the beginning
	Limit     int       // 0 = no limit
}

// =============================================================================
// STORE - One unit of work
// =============================================================================

// LedgerStore persists invoices and payments.
type LedgerStore interface {
	// Invoice returns ErrNotFound if the invoice does not exist.
	Invoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// LockInvoice reads the invoice and holds a write lock on its row until the
	// surrounding transaction ends. Outside a transaction it behaves like Invoice.
	LockInvoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// InvoiceByPrescription returns ErrNotFound if the prescription is not billed.
	InvoiceByPrescription(ctx context.Context, id PrescriptionID) (Invoice, error)

	Invoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// CreateInvoice assigns inv.ID. Returns ErrDuplicatePrescription when the
	// prescription already has an invoice.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// UpdateInvoiceBalance writes the derived fields of one invoice.
	UpdateInvoiceBalance(ctx context.Context, id InvoiceID, amountPaid decimal.Decimal, status InvoiceStatus, at time.Time) error

	// Payment returns ErrNotFound if the payment does not exist.
	Payment(ctx context.Context, id PaymentID) (Payment, error)

	Payments(ctx context.Context, filter PaymentFilter) ([]Payment, error)

	// CreatePayment assigns p.ID.
	CreatePayment(ctx context.Context, p *Payment) error

	// UpdatePayment overwrites the amendable fields of an existing payment.
	UpdatePayment(ctx context.Context, p Payment) error

	// DeletePayment hard-deletes a payment. Returns ErrNotFound if absent.
	DeletePayment(ctx context.Context, id PaymentID) error

	// PatientsWithActivity returns every patient with an invoice or payment
	// dated before until, ascending.
	PatientsWithActivity(ctx context.Context, until time.Time) ([]PatientID, error)
}

// StatementStore persists the derived statements.
type StatementStore interface {
	// MonthlyStatement returns ErrNotFound if the statement is not stored.
	MonthlyStatement(ctx context.Context, patientID PatientID, periodStart time.Time) (MonthlyStatement, error)

	MonthlyStatements(ctx context.Context, filter StatementFilter) ([]MonthlyStatement, error)

	// UpsertMonthlyStatement creates the statement or overwrites every derived
	// field of the existing one. ID and CreatedAt of an existing row are kept
	// and written back into s.
	UpsertMonthlyStatement(ctx context.Context, s *MonthlyStatement) error

	FinancialStatement(ctx context.Context, periodStart time.Time) (FinancialStatement, error)

	FinancialStatements(ctx context.Context, filter StatementFilter) ([]FinancialStatement, error)

	// LatestFinancialStatement returns ErrNotFound if none is stored.
	LatestFinancialStatement(ctx context.Context) (FinancialStatement, error)

	UpsertFinancialStatement(ctx context.Context, s *FinancialStatement) error
}

// Store is everything one unit of work can read and write.
type Store interface {
	LedgerStore
	StatementStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
