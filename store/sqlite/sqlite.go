/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists the ledger (invoices, payments) and the two derived statement
  tables. The same SQL shape is used by store/postgres; only locking and
  dialect details differ.

KEY TABLES:
  invoices:             One row per dispensed prescription (prescription_id UNIQUE)
  payments:             Ledger entries, FK to invoices
  monthly_statements:   UNIQUE(patient_id, period_start)
  financial_statements: UNIQUE(period_start)

STORAGE FORMATS:
  Money is stored as TEXT with exactly two decimals and parsed into
  decimal.Decimal. Instants are stored as fixed-width UTC text, so string
  order equals time order and range filters can run in SQL.

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate): the write
  lock is taken up front, so two units of work never interleave and a
  read-compute-write of amount_paid cannot lose an update. The pool is
  limited to one connection, which also keeps ":memory:" databases shared.
  SQLITE_BUSY surfaces as billing.ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/rxbilling.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewReconciler(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rxbilling/billing"
)

// timeLayout is fixed width so lexical order is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
}

// Store implements billing.TxStore using SQLite.
type Store struct {
	queries
	db  *sqlx.DB
	mu  sync.Mutex
	log *zap.Logger
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	s := &Store{queries: queries{q: db}, db: db, log: log.Named("sqlite")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id               INTEGER NOT NULL,
	prescription_id          INTEGER NOT NULL UNIQUE,
	invoice_date             TEXT NOT NULL,
	due_date                 TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	total_amount             TEXT NOT NULL,
	insurance_covered_amount TEXT NOT NULL,
	patient_portion          TEXT NOT NULL,
	amount_paid              TEXT NOT NULL DEFAULT '0.00',
	status                   TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'partially_paid', 'paid')),
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_patient_date ON invoices(patient_id, invoice_date);
CREATE INDEX IF NOT EXISTS idx_invoices_date ON invoices(invoice_date);

CREATE TABLE IF NOT EXISTS payments (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	invoice_id         INTEGER NOT NULL REFERENCES invoices(id),
	patient_id         INTEGER NOT NULL,
	amount             TEXT NOT NULL,
	payment_date       TEXT NOT NULL,
	payment_method     TEXT NOT NULL,
	is_refund          INTEGER NOT NULL DEFAULT 0,
	transaction_status TEXT NOT NULL DEFAULT 'completed'
		CHECK (transaction_status IN ('completed', 'pending', 'failed')),
	reference_number   TEXT NOT NULL DEFAULT '',
	notes              TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payments(invoice_id);
CREATE INDEX IF NOT EXISTS idx_payments_patient_date ON payments(patient_id, payment_date);
CREATE INDEX IF NOT EXISTS idx_payments_date ON payments(payment_date);

CREATE TABLE IF NOT EXISTS monthly_statements (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id      INTEGER NOT NULL,
	period_start    TEXT NOT NULL,
	period_end      TEXT NOT NULL,
	opening_balance TEXT NOT NULL,
	total_charges   TEXT NOT NULL,
	total_payments  TEXT NOT NULL,
	closing_balance TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE (patient_id, period_start)
);

CREATE TABLE IF NOT EXISTS financial_statements (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	period_start        TEXT NOT NULL UNIQUE,
	period_end          TEXT NOT NULL,
	total_revenue       TEXT NOT NULL,
	insurance_payments  TEXT NOT NULL,
	patient_payments    TEXT NOT NULL,
	outstanding_balance TEXT NOT NULL,
	created_at          TEXT NOT NULL
);
`

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
// Rolls back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(errors.Wrap(err, "begin transaction"))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			s.log.Error("panic inside transaction, rolled back", zap.Any("panic", p))
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Error("rollback failed", zap.Error(rbErr))
			}
			s.log.Error("transaction rolled back", zap.Error(err))
		}
	}()

	if err = fn(&queries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(errors.Wrap(err, "commit transaction"))
	}
	return nil
}

var _ billing.TxStore = (*Store)(nil)

// =============================================================================
// QUERIES - Shared by the store and its transactions
// =============================================================================

type queries struct {
	q querier
}

var _ billing.Store = (*queries)(nil)

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

type invoiceRow struct {
	ID                     int64  `db:"id"`
	PatientID              int64  `db:"patient_id"`
	PrescriptionID         int64  `db:"prescription_id"`
	InvoiceDate            string `db:"invoice_date"`
	DueDate                string `db:"due_date"`
	Description            string `db:"description"`
	TotalAmount            string `db:"total_amount"`
	InsuranceCoveredAmount string `db:"insurance_covered_amount"`
	PatientPortion         string `db:"patient_portion"`
	AmountPaid             string `db:"amount_paid"`
	Status                 string `db:"status"`
	CreatedAt              string `db:"created_at"`
	UpdatedAt              string `db:"updated_at"`
}

const invoiceColumns = `id, patient_id, prescription_id, invoice_date, due_date, description,
	total_amount, insurance_covered_amount, patient_portion, amount_paid, status, created_at, updated_at`

func (r invoiceRow) toInvoice() (billing.Invoice, error) {
	var p parser
	inv := billing.Invoice{
		ID:                     billing.InvoiceID(r.ID),
		PatientID:              billing.PatientID(r.PatientID),
		PrescriptionID:         billing.PrescriptionID(r.PrescriptionID),
		InvoiceDate:            p.time(r.InvoiceDate),
		DueDate:                p.time(r.DueDate),
		Description:            r.Description,
		TotalAmount:            p.money(r.TotalAmount),
		InsuranceCoveredAmount: p.money(r.InsuranceCoveredAmount),
		PatientPortion:         p.money(r.PatientPortion),
		AmountPaid:             p.money(r.AmountPaid),
		Status:                 billing.InvoiceStatus(r.Status),
		CreatedAt:              p.time(r.CreatedAt),
		UpdatedAt:              p.time(r.UpdatedAt),
	}
	return inv, errors.Wrapf(p.err, "decode invoice %d", r.ID)
}

func (s *queries) Invoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	var row invoiceRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, errors.Wrapf(billing.ErrNotFound, "invoice %d", id)
	}
	if err != nil {
		return billing.Invoice{}, classify(errors.Wrapf(err, "get invoice %d", id))
	}
	return row.toInvoice()
}

// LockInvoice reads the invoice. The transaction already holds SQLite's
// write lock, so no row lock is needed.
func (s *queries) LockInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return s.Invoice(ctx, id)
}

func (s *queries) InvoiceByPrescription(ctx context.Context, id billing.PrescriptionID) (billing.Invoice, error) {
	var row invoiceRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+invoiceColumns+` FROM invoices WHERE prescription_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, errors.Wrapf(billing.ErrNotFound, "invoice for prescription %d", id)
	}
	if err != nil {
		return billing.Invoice{}, classify(errors.Wrapf(err, "get invoice for prescription %d", id))
	}
	return row.toInvoice()
}

func (s *queries) Invoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if !f.From.IsZero() {
		w.add("invoice_date >= ?", formatTime(f.From))
	}
	if !f.Until.IsZero() {
		w.add("invoice_date < ?", formatTime(f.Until))
	}
	if f.Unpaid {
		w.add("status <> ?", string(billing.StatusPaid))
	}

	var rows []invoiceRow
	query := `SELECT ` + invoiceColumns + ` FROM invoices` + w.sql() + ` ORDER BY invoice_date, id`
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, w.args...); err != nil {
		return nil, classify(errors.Wrap(err, "list invoices"))
	}

	out := make([]billing.Invoice, 0, len(rows))
	for _, r := range rows {
		inv, err := r.toInvoice()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *queries) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO invoices
		(patient_id, prescription_id, invoice_date, due_date, description, total_amount,
		 insurance_covered_amount, patient_portion, amount_paid, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.PatientID,
		inv.PrescriptionID,
		formatTime(inv.InvoiceDate),
		formatTime(inv.DueDate),
		inv.Description,
		formatMoney(inv.TotalAmount),
		formatMoney(inv.InsuranceCoveredAmount),
		formatMoney(inv.PatientPortion),
		formatMoney(inv.AmountPaid),
		string(inv.Status),
		formatTime(inv.CreatedAt),
		formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return errors.Wrapf(billing.ErrDuplicatePrescription, "prescription %d", inv.PrescriptionID)
		}
		return classify(errors.Wrap(err, "insert invoice"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "invoice id")
	}
	inv.ID = billing.InvoiceID(id)
	return nil
}

func (s *queries) UpdateInvoiceBalance(ctx context.Context, id billing.InvoiceID, paid decimal.Decimal, status billing.InvoiceStatus, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE invoices SET amount_paid = ?, status = ?, updated_at = ? WHERE id = ?`,
		formatMoney(paid), string(status), formatTime(at), id)
	if err != nil {
		return classify(errors.Wrapf(err, "update invoice %d", id))
	}
	return requireAffected(res, errors.Wrapf(billing.ErrNotFound, "invoice %d", id))
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

type paymentRow struct {
	ID                int64  `db:"id"`
	InvoiceID         int64  `db:"invoice_id"`
	PatientID         int64  `db:"patient_id"`
	Amount            string `db:"amount"`
	PaymentDate       string `db:"payment_date"`
	Method            string `db:"payment_method"`
	IsRefund          bool   `db:"is_refund"`
	TransactionStatus string `db:"transaction_status"`
	ReferenceNumber   string `db:"reference_number"`
	Notes             string `db:"notes"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
}

const paymentColumns = `id, invoice_id, patient_id, amount, payment_date, payment_method, is_refund,
	transaction_status, reference_number, notes, created_at, updated_at`

func (r paymentRow) toPayment() (billing.Payment, error) {
	var p parser
	pay := billing.Payment{
		ID:                billing.PaymentID(r.ID),
		InvoiceID:         billing.InvoiceID(r.InvoiceID),
		PatientID:         billing.PatientID(r.PatientID),
		Amount:            p.money(r.Amount),
		PaymentDate:       p.time(r.PaymentDate),
		Method:            r.Method,
		IsRefund:          r.IsRefund,
		TransactionStatus: billing.TransactionStatus(r.TransactionStatus),
		ReferenceNumber:   r.ReferenceNumber,
		Notes:             r.Notes,
		CreatedAt:         p.time(r.CreatedAt),
		UpdatedAt:         p.time(r.UpdatedAt),
	}
	return pay, errors.Wrapf(p.err, "decode payment %d", r.ID)
}

func (s *queries) Payment(ctx context.Context, id billing.PaymentID) (billing.Payment, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Payment{}, errors.Wrapf(billing.ErrNotFound, "payment %d", id)
	}
	if err != nil {
		return billing.Payment{}, classify(errors.Wrapf(err, "get payment %d", id))
	}
	return row.toPayment()
}

func (s *queries) Payments(ctx context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if f.InvoiceID != 0 {
		w.add("invoice_id = ?", f.InvoiceID)
	}
	if !f.From.IsZero() {
		w.add("payment_date >= ?", formatTime(f.From))
	}
	if !f.Until.IsZero() {
		w.add("payment_date < ?", formatTime(f.Until))
	}
	if f.CompletedOnly {
		w.add("transaction_status = ?", string(billing.TxCompleted))
	}

	var rows []paymentRow
	query := `SELECT ` + paymentColumns + ` FROM payments` + w.sql() + ` ORDER BY payment_date, id`
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, w.args...); err != nil {
		return nil, classify(errors.Wrap(err, "list payments"))
	}

	out := make([]billing.Payment, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPayment()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *queries) CreatePayment(ctx context.Context, p *billing.Payment) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO payments
		(invoice_id, patient_id, amount, payment_date, payment_method, is_refund,
		 transaction_status, reference_number, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.InvoiceID,
		p.PatientID,
		formatMoney(p.Amount),
		formatTime(p.PaymentDate),
		p.Method,
		p.IsRefund,
		string(p.TransactionStatus),
		p.ReferenceNumber,
		p.Notes,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return errors.Wrapf(billing.ErrNotFound, "invoice %d", p.InvoiceID)
		}
		return classify(errors.Wrap(err, "insert payment"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "payment id")
	}
	p.ID = billing.PaymentID(id)
	return nil
}

func (s *queries) UpdatePayment(ctx context.Context, p billing.Payment) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments
		SET amount = ?, payment_date = ?, payment_method = ?, is_refund = ?,
		    transaction_status = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		formatMoney(p.Amount),
		formatTime(p.PaymentDate),
		p.Method,
		p.IsRefund,
		string(p.TransactionStatus),
		p.Notes,
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return classify(errors.Wrapf(err, "update payment %d", p.ID))
	}
	return requireAffected(res, errors.Wrapf(billing.ErrNotFound, "payment %d", p.ID))
}

func (s *queries) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return classify(errors.Wrapf(err, "delete payment %d", id))
	}
	return requireAffected(res, errors.Wrapf(billing.ErrNotFound, "payment %d", id))
}

func (s *queries) PatientsWithActivity(ctx context.Context, until time.Time) ([]billing.PatientID, error) {
	var ids []int64
	at := formatTime(until)
	err := sqlx.SelectContext(ctx, s.q, &ids, `
		SELECT patient_id FROM invoices WHERE invoice_date < ?
		UNION
		SELECT patient_id FROM payments WHERE payment_date < ?
		ORDER BY 1`, at, at)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list active patients"))
	}
	out := make([]billing.PatientID, len(ids))
	for i, id := range ids {
		out[i] = billing.PatientID(id)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Monthly statements
// -----------------------------------------------------------------------------

type monthlyRow struct {
	ID             int64  `db:"id"`
	PatientID      int64  `db:"patient_id"`
	PeriodStart    string `db:"period_start"`
	PeriodEnd      string `db:"period_end"`
	OpeningBalance string `db:"opening_balance"`
	TotalCharges   string `db:"total_charges"`
	TotalPayments  string `db:"total_payments"`
	ClosingBalance string `db:"closing_balance"`
	CreatedAt      string `db:"created_at"`
}

const monthlyColumns = `id, patient_id, period_start, period_end, opening_balance, total_charges,
	total_payments, closing_balance, created_at`

func (r monthlyRow) toStatement() (billing.MonthlyStatement, error) {
	var p parser
	st := billing.MonthlyStatement{
		ID:             r.ID,
		PatientID:      billing.PatientID(r.PatientID),
		PeriodStart:    p.time(r.PeriodStart),
		PeriodEnd:      p.time(r.PeriodEnd),
		OpeningBalance: p.money(r.OpeningBalance),
		TotalCharges:   p.money(r.TotalCharges),
		TotalPayments:  p.money(r.TotalPayments),
		ClosingBalance: p.money(r.ClosingBalance),
		CreatedAt:      p.time(r.CreatedAt),
	}
	return st, errors.Wrapf(p.err, "decode monthly statement %d", r.ID)
}

func (s *queries) MonthlyStatement(ctx context.Context, patientID billing.PatientID, start time.Time) (billing.MonthlyStatement, error) {
	var row monthlyRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT `+monthlyColumns+` FROM monthly_statements WHERE patient_id = ? AND period_start = ?`,
		patientID, formatTime(start))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.MonthlyStatement{}, errors.Wrapf(billing.ErrNotFound, "statement %s of patient %d", billing.MonthOf(start), patientID)
	}
	if err != nil {
		return billing.MonthlyStatement{}, classify(errors.Wrap(err, "get monthly statement"))
	}
	return row.toStatement()
}

func (s *queries) MonthlyStatements(ctx context.Context, f billing.StatementFilter) ([]billing.MonthlyStatement, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = ?", f.PatientID)
	}
	if !f.After.IsZero() {
		w.add("period_start > ?", formatTime(f.After))
	}
	query := `SELECT ` + monthlyColumns + ` FROM monthly_statements` + w.sql() + ` ORDER BY period_start, patient_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}

	var rows []monthlyRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, w.args...); err != nil {
		return nil, classify(errors.Wrap(err, "list monthly statements"))
	}
	out := make([]billing.MonthlyStatement, 0, len(rows))
	for _, r := range rows {
		st, err := r.toStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

type upserted struct {
	ID        int64  `db:"id"`
	CreatedAt string `db:"created_at"`
}

func (s *queries) UpsertMonthlyStatement(ctx context.Context, st *billing.MonthlyStatement) error {
	var res upserted
	err := sqlx.GetContext(ctx, s.q, &res, `
		INSERT INTO monthly_statements
		(patient_id, period_start, period_end, opening_balance, total_charges,
		 total_payments, closing_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_id, period_start) DO UPDATE SET
			period_end      = excluded.period_end,
			opening_balance = excluded.opening_balance,
			total_charges   = excluded.total_charges,
			total_payments  = excluded.total_payments,
			closing_balance = excluded.closing_balance
		RETURNING id, created_at`,
		st.PatientID,
		formatTime(st.PeriodStart),
		formatTime(st.PeriodEnd),
		formatMoney(st.OpeningBalance),
		formatMoney(st.TotalCharges),
		formatMoney(st.TotalPayments),
		formatMoney(st.ClosingBalance),
		formatTime(st.CreatedAt),
	)
	if err != nil {
		return classify(errors.Wrapf(err, "upsert statement %s of patient %d", st.Month(), st.PatientID))
	}
	var p parser
	st.ID = res.ID
	st.CreatedAt = p.time(res.CreatedAt)
	return p.err
}

// -----------------------------------------------------------------------------
// Financial statements
// -----------------------------------------------------------------------------

type financialRow struct {
	ID                 int64  `db:"id"`
	PeriodStart        string `db:"period_start"`
	PeriodEnd          string `db:"period_end"`
	TotalRevenue       string `db:"total_revenue"`
	InsurancePayments  string `db:"insurance_payments"`
	PatientPayments    string `db:"patient_payments"`
	OutstandingBalance string `db:"outstanding_balance"`
	CreatedAt          string `db:"created_at"`
}

const financialColumns = `id, period_start, period_end, total_revenue, insurance_payments,
	patient_payments, outstanding_balance, created_at`

func (r financialRow) toStatement() (billing.FinancialStatement, error) {
	var p parser
	st := billing.FinancialStatement{
		ID:                 r.ID,
		PeriodStart:        p.time(r.PeriodStart),
		PeriodEnd:          p.time(r.PeriodEnd),
		TotalRevenue:       p.money(r.TotalRevenue),
		InsurancePayments:  p.money(r.InsurancePayments),
		PatientPayments:    p.money(r.PatientPayments),
		OutstandingBalance: p.money(r.OutstandingBalance),
		CreatedAt:          p.time(r.CreatedAt),
	}
	return st, errors.Wrapf(p.err, "decode financial statement %d", r.ID)
}

func (s *queries) FinancialStatement(ctx context.Context, start time.Time) (billing.FinancialStatement, error) {
	var row financialRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT `+financialColumns+` FROM financial_statements WHERE period_start = ?`, formatTime(start))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.FinancialStatement{}, errors.Wrapf(billing.ErrNotFound, "financial statement %s", billing.MonthOf(start))
	}
	if err != nil {
		return billing.FinancialStatement{}, classify(errors.Wrap(err, "get financial statement"))
	}
	return row.toStatement()
}

func (s *queries) FinancialStatements(ctx context.Context, f billing.StatementFilter) ([]billing.FinancialStatement, error) {
	var w where
	if !f.After.IsZero() {
		w.add("period_start > ?", formatTime(f.After))
	}
	query := `SELECT ` + financialColumns + ` FROM financial_statements` + w.sql() + ` ORDER BY period_start`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		w.args = append(w.args, f.Limit)
	}
	return s.selectFinancial(ctx, query, w.args...)
}

func (s *queries) LatestFinancialStatement(ctx context.Context) (billing.FinancialStatement, error) {
	out, err := s.selectFinancial(ctx,
		`SELECT `+financialColumns+` FROM financial_statements ORDER BY period_start DESC LIMIT 1`)
	if err != nil {
		return billing.FinancialStatement{}, err
	}
	if len(out) == 0 {
		return billing.FinancialStatement{}, errors.Wrap(billing.ErrNotFound, "financial statement")
	}
	return out[0], nil
}

func (s *queries) selectFinancial(ctx context.Context, query string, args ...any) ([]billing.FinancialStatement, error) {
	var rows []financialRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, classify(errors.Wrap(err, "list financial statements"))
	}
	out := make([]billing.FinancialStatement, 0, len(rows))
	for _, r := range rows {
		st, err := r.toStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *queries) UpsertFinancialStatement(ctx context.Context, st *billing.FinancialStatement) error {
	var res upserted
	err := sqlx.GetContext(ctx, s.q, &res, `
		INSERT INTO financial_statements
		(period_start, period_end, total_revenue, insurance_payments, patient_payments,
		 outstanding_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (period_start) DO UPDATE SET
			period_end          = excluded.period_end,
			total_revenue       = excluded.total_revenue,
			insurance_payments  = excluded.insurance_payments,
			patient_payments    = excluded.patient_payments,
			outstanding_balance = excluded.outstanding_balance
		RETURNING id, created_at`,
		formatTime(st.PeriodStart),
		formatTime(st.PeriodEnd),
		formatMoney(st.TotalRevenue),
		formatMoney(st.InsurancePayments),
		formatMoney(st.PatientPayments),
		formatMoney(st.OutstandingBalance),
		formatTime(st.CreatedAt),
	)
	if err != nil {
		return classify(errors.Wrapf(err, "upsert financial statement %s", st.Month()))
	}
	var p parser
	st.ID = res.ID
	st.CreatedAt = p.time(res.CreatedAt)
	return p.err
}

// =============================================================================
// HELPERS
// =============================================================================

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatMoney(d decimal.Decimal) string { return d.StringFixed(2) }

// parser decodes columns and keeps the first error.
type parser struct {
	err error
}

func (p *parser) time(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "parse time %q", s)
	}
	return t
}

func (p *parser) money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "parse amount %q", s)
	}
	return d
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

// classify marks lock contention as a retryable concurrent modification.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return errors.Mark(err, billing.ErrConcurrentModification)
	}
	return err
}
