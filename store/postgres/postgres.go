/*
Package postgres provides a PostgreSQL implementation of billing.TxStore.

CONCURRENCY:
  Every unit of work runs at SERIALIZABLE isolation and locks its invoice
  row with SELECT ... FOR UPDATE. Two mutations of the same invoice queue on
  the row lock; overlapping statement rewrites that PostgreSQL cannot
  serialize fail with SQLSTATE 40001, surfaced as
  billing.ErrConcurrentModification. Nothing is retried here.

MIGRATIONS:
  Embedded SQL files under migrations/, applied in filename order by Migrate.
  All DDL uses IF NOT EXISTS so migrations are idempotent.

SEE ALSO:
  - store/sqlite: Same tables on SQLite
*/
package postgres

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rxbilling/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.TxStore on a pgx connection pool.
type Store struct {
	queries
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPool creates a pgxpool and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// New connects to dsn and returns a store. Call Migrate before first use.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewFromPool(pool, log), nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{queries: queries{q: pool}, pool: pool, log: log.Named("postgres")}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate runs all embedded SQL migrations in filename order.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		s.log.Info("applying migration", zap.String("migration", name))
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return errors.Wrapf(err, "execute migration %s", name)
		}
	}
	s.log.Info("all migrations applied", zap.Int("count", len(entries)))
	return nil
}

// Truncate empties the ledger and every statement table and resets ids.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE payments, invoices, monthly_statements, financial_statements RESTART IDENTITY`)
	return errors.Wrap(err, "truncate tables")
}

// WithTx executes fn within a SERIALIZABLE transaction.
// Rolls back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(errors.Wrap(err, "begin transaction"))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			s.log.Error("panic inside transaction, rolled back", zap.Any("panic", p))
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.log.Error("rollback failed", zap.Error(rbErr))
			}
			s.log.Error("transaction rolled back", zap.Error(err))
		}
	}()

	if err = fn(&queries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(errors.Wrap(err, "commit transaction"))
	}
	return nil
}

var _ billing.TxStore = (*Store)(nil)

// =============================================================================
// QUERIES
// =============================================================================

type queries struct {
	q dbtx
}

var _ billing.Store = (*queries)(nil)

const invoiceColumns = `id, patient_id, prescription_id, invoice_date, due_date, description,
	total_amount::text, insurance_covered_amount::text, patient_portion::text, amount_paid::text,
	status, created_at, updated_at`

func scanInvoice(row pgx.Row) (billing.Invoice, error) {
	var (
		inv    billing.Invoice
		status string
	)
	err := row.Scan(&inv.ID, &inv.PatientID, &inv.PrescriptionID, &inv.InvoiceDate, &inv.DueDate,
		&inv.Description, &inv.TotalAmount, &inv.InsuranceCoveredAmount, &inv.PatientPortion,
		&inv.AmountPaid, &status, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return billing.Invoice{}, err
	}
	inv.Status = billing.InvoiceStatus(status)
	inv.InvoiceDate = inv.InvoiceDate.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

func (s *queries) getInvoice(ctx context.Context, query string, arg any, what string) (billing.Invoice, error) {
	inv, err := scanInvoice(s.q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Invoice{}, errors.Wrap(billing.ErrNotFound, what)
	}
	if err != nil {
		return billing.Invoice{}, classify(errors.Wrapf(err, "get %s", what))
	}
	return inv, nil
}

func (s *queries) Invoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return s.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id, "invoice "+itoa(int64(id)))
}

// LockInvoice holds the invoice row lock until the transaction ends.
func (s *queries) LockInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return s.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id, "invoice "+itoa(int64(id)))
}

func (s *queries) InvoiceByPrescription(ctx context.Context, id billing.PrescriptionID) (billing.Invoice, error) {
	return s.getInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE prescription_id = $1`, id, "invoice for prescription "+itoa(int64(id)))
}

func (s *queries) Invoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = $%d", f.PatientID)
	}
	if !f.From.IsZero() {
		w.add("invoice_date >= $%d", f.From)
	}
	if !f.Until.IsZero() {
		w.add("invoice_date < $%d", f.Until)
	}
	if f.Unpaid {
		w.add("status <> $%d", string(billing.StatusPaid))
	}

	rows, err := s.q.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices`+w.sql()+` ORDER BY invoice_date, id`, w.args...)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list invoices"))
	}
	defer rows.Close()

	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invoice")
		}
		out = append(out, inv)
	}
	return out, classify(rows.Err())
}

func (s *queries) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO invoices
		(patient_id, prescription_id, invoice_date, due_date, description, total_amount,
		 insurance_covered_amount, patient_portion, amount_paid, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		inv.PatientID, inv.PrescriptionID, inv.InvoiceDate, inv.DueDate, inv.Description,
		inv.TotalAmount, inv.InsuranceCoveredAmount, inv.PatientPortion, inv.AmountPaid,
		string(inv.Status), inv.CreatedAt, inv.UpdatedAt,
	).Scan(&inv.ID)
	if sqlState(err) == "23505" {
		return errors.Wrapf(billing.ErrDuplicatePrescription, "prescription %d", inv.PrescriptionID)
	}
	return classify(errors.Wrap(err, "insert invoice"))
}

func (s *queries) UpdateInvoiceBalance(ctx context.Context, id billing.InvoiceID, paid decimal.Decimal, status billing.InvoiceStatus, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE invoices SET amount_paid = $1, status = $2, updated_at = $3 WHERE id = $4`,
		paid, string(status), at, id)
	if err != nil {
		return classify(errors.Wrapf(err, "update invoice %d", id))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(billing.ErrNotFound, "invoice %d", id)
	}
	return nil
}

const paymentColumns = `id, invoice_id, patient_id, amount::text, payment_date, payment_method, is_refund,
	transaction_status, reference_number, notes, created_at, updated_at`

func scanPayment(row pgx.Row) (billing.Payment, error) {
	var (
		p      billing.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.InvoiceID, &p.PatientID, &p.Amount, &p.PaymentDate, &p.Method,
		&p.IsRefund, &status, &p.ReferenceNumber, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return billing.Payment{}, err
	}
	p.TransactionStatus = billing.TransactionStatus(status)
	p.PaymentDate = p.PaymentDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *queries) Payment(ctx context.Context, id billing.PaymentID) (billing.Payment, error) {
	p, err := scanPayment(s.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Payment{}, errors.Wrapf(billing.ErrNotFound, "payment %d", id)
	}
	if err != nil {
		return billing.Payment{}, classify(errors.Wrapf(err, "get payment %d", id))
	}
	return p, nil
}

func (s *queries) Payments(ctx context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = $%d", f.PatientID)
	}
	if f.InvoiceID != 0 {
		w.add("invoice_id = $%d", f.InvoiceID)
	}
	if !f.From.IsZero() {
		w.add("payment_date >= $%d", f.From)
	}
	if !f.Until.IsZero() {
		w.add("payment_date < $%d", f.Until)
	}
	if f.CompletedOnly {
		w.add("transaction_status = $%d", string(billing.TxCompleted))
	}

	rows, err := s.q.Query(ctx, `SELECT `+paymentColumns+` FROM payments`+w.sql()+` ORDER BY payment_date, id`, w.args...)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list payments"))
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payment")
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (s *queries) CreatePayment(ctx context.Context, p *billing.Payment) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO payments
		(invoice_id, patient_id, amount, payment_date, payment_method, is_refund,
		 transaction_status, reference_number, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		p.InvoiceID, p.PatientID, p.Amount, p.PaymentDate, p.Method, p.IsRefund,
		string(p.TransactionStatus), p.ReferenceNumber, p.Notes, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if sqlState(err) == "23503" {
		return errors.Wrapf(billing.ErrNotFound, "invoice %d", p.InvoiceID)
	}
	return classify(errors.Wrap(err, "insert payment"))
}

func (s *queries) UpdatePayment(ctx context.Context, p billing.Payment) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payments
		SET amount = $1, payment_date = $2, payment_method = $3, is_refund = $4,
		    transaction_status = $5, notes = $6, updated_at = $7
		WHERE id = $8`,
		p.Amount, p.PaymentDate, p.Method, p.IsRefund, string(p.TransactionStatus), p.Notes, p.UpdatedAt, p.ID)
	if err != nil {
		return classify(errors.Wrapf(err, "update payment %d", p.ID))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(billing.ErrNotFound, "payment %d", p.ID)
	}
	return nil
}

func (s *queries) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return classify(errors.Wrapf(err, "delete payment %d", id))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(billing.ErrNotFound, "payment %d", id)
	}
	return nil
}

func (s *queries) PatientsWithActivity(ctx context.Context, until time.Time) ([]billing.PatientID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT patient_id FROM invoices WHERE invoice_date < $1
		UNION
		SELECT patient_id FROM payments WHERE payment_date < $1
		ORDER BY 1`, until)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list active patients"))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, classify(errors.Wrap(err, "scan patient ids"))
	}
	out := make([]billing.PatientID, len(ids))
	for i, id := range ids {
		out[i] = billing.PatientID(id)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Statements
// -----------------------------------------------------------------------------

const monthlyColumns = `id, patient_id, period_start, period_end, opening_balance::text,
	total_charges::text, total_payments::text, closing_balance::text, created_at`

func scanMonthly(row pgx.Row) (billing.MonthlyStatement, error) {
	var st billing.MonthlyStatement
	err := row.Scan(&st.ID, &st.PatientID, &st.PeriodStart, &st.PeriodEnd, &st.OpeningBalance,
		&st.TotalCharges, &st.TotalPayments, &st.ClosingBalance, &st.CreatedAt)
	st.PeriodStart = st.PeriodStart.UTC()
	st.PeriodEnd = st.PeriodEnd.UTC()
	st.CreatedAt = st.CreatedAt.UTC()
	return st, err
}

func (s *queries) MonthlyStatement(ctx context.Context, patientID billing.PatientID, start time.Time) (billing.MonthlyStatement, error) {
	st, err := scanMonthly(s.q.QueryRow(ctx,
		`SELECT `+monthlyColumns+` FROM monthly_statements WHERE patient_id = $1 AND period_start = $2`,
		patientID, start))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.MonthlyStatement{}, errors.Wrapf(billing.ErrNotFound, "statement %s of patient %d", billing.MonthOf(start), patientID)
	}
	if err != nil {
		return billing.MonthlyStatement{}, classify(errors.Wrap(err, "get monthly statement"))
	}
	return st, nil
}

func (s *queries) MonthlyStatements(ctx context.Context, f billing.StatementFilter) ([]billing.MonthlyStatement, error) {
	var w where
	if f.PatientID != 0 {
		w.add("patient_id = $%d", f.PatientID)
	}
	if !f.After.IsZero() {
		w.add("period_start > $%d", f.After)
	}
	query := `SELECT ` + monthlyColumns + ` FROM monthly_statements` + w.sql() + ` ORDER BY period_start, patient_id` + w.limit(f.Limit)

	rows, err := s.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list monthly statements"))
	}
	defer rows.Close()

	var out []billing.MonthlyStatement
	for rows.Next() {
		st, err := scanMonthly(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan monthly statement")
		}
		out = append(out, st)
	}
	return out, classify(rows.Err())
}

func (s *queries) UpsertMonthlyStatement(ctx context.Context, st *billing.MonthlyStatement) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO monthly_statements
		(patient_id, period_start, period_end, opening_balance, total_charges,
		 total_payments, closing_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (patient_id, period_start) DO UPDATE SET
			period_end      = EXCLUDED.period_end,
			opening_balance = EXCLUDED.opening_balance,
			total_charges   = EXCLUDED.total_charges,
			total_payments  = EXCLUDED.total_payments,
			closing_balance = EXCLUDED.closing_balance
		RETURNING id, created_at`,
		st.PatientID, st.PeriodStart, st.PeriodEnd, st.OpeningBalance, st.TotalCharges,
		st.TotalPayments, st.ClosingBalance, st.CreatedAt,
	).Scan(&st.ID, &st.CreatedAt)
	st.CreatedAt = st.CreatedAt.UTC()
	return classify(errors.Wrapf(err, "upsert statement %s of patient %d", st.Month(), st.PatientID))
}

const financialColumns = `id, period_start, period_end, total_revenue::text, insurance_payments::text,
	patient_payments::text, outstanding_balance::text, created_at`

func scanFinancial(row pgx.Row) (billing.FinancialStatement, error) {
	var st billing.FinancialStatement
	err := row.Scan(&st.ID, &st.PeriodStart, &st.PeriodEnd, &st.TotalRevenue, &st.InsurancePayments,
		&st.PatientPayments, &st.OutstandingBalance, &st.CreatedAt)
	st.PeriodStart = st.PeriodStart.UTC()
	st.PeriodEnd = st.PeriodEnd.UTC()
	st.CreatedAt = st.CreatedAt.UTC()
	return st, err
}

func (s *queries) FinancialStatement(ctx context.Context, start time.Time) (billing.FinancialStatement, error) {
	st, err := scanFinancial(s.q.QueryRow(ctx,
		`SELECT `+financialColumns+` FROM financial_statements WHERE period_start = $1`, start))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.FinancialStatement{}, errors.Wrapf(billing.ErrNotFound, "financial statement %s", billing.MonthOf(start))
	}
	if err != nil {
		return billing.FinancialStatement{}, classify(errors.Wrap(err, "get financial statement"))
	}
	return st, nil
}

func (s *queries) FinancialStatements(ctx context.Context, f billing.StatementFilter) ([]billing.FinancialStatement, error) {
	var w where
	if !f.After.IsZero() {
		w.add("period_start > $%d", f.After)
	}
	query := `SELECT ` + financialColumns + ` FROM financial_statements` + w.sql() + ` ORDER BY period_start` + w.limit(f.Limit)
	return s.selectFinancial(ctx, query, w.args...)
}

func (s *queries) LatestFinancialStatement(ctx context.Context) (billing.FinancialStatement, error) {
	out, err := s.selectFinancial(ctx, `SELECT `+financialColumns+` FROM financial_statements ORDER BY period_start DESC LIMIT 1`)
	if err != nil {
		return billing.FinancialStatement{}, err
	}
	if len(out) == 0 {
		return billing.FinancialStatement{}, errors.Wrap(billing.ErrNotFound, "financial statement")
	}
	return out[0], nil
}

func (s *queries) selectFinancial(ctx context.Context, query string, args ...any) ([]billing.FinancialStatement, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(errors.Wrap(err, "list financial statements"))
	}
	defer rows.Close()

	var out []billing.FinancialStatement
	for rows.Next() {
		st, err := scanFinancial(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan financial statement")
		}
		out = append(out, st)
	}
	return out, classify(rows.Err())
}

func (s *queries) UpsertFinancialStatement(ctx context.Context, st *billing.FinancialStatement) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO financial_statements
		(period_start, period_end, total_revenue, insurance_payments, patient_payments,
		 outstanding_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (period_start) DO UPDATE SET
			period_end          = EXCLUDED.period_end,
			total_revenue       = EXCLUDED.total_revenue,
			insurance_payments  = EXCLUDED.insurance_payments,
			patient_payments    = EXCLUDED.patient_payments,
			outstanding_balance = EXCLUDED.outstanding_balance
		RETURNING id, created_at`,
		st.PeriodStart, st.PeriodEnd, st.TotalRevenue, st.InsurancePayments, st.PatientPayments,
		st.OutstandingBalance, st.CreatedAt,
	).Scan(&st.ID, &st.CreatedAt)
	st.CreatedAt = st.CreatedAt.UTC()
	return classify(errors.Wrapf(err, "upsert financial statement %s", st.Month()))
}

// =============================================================================
// HELPERS
// =============================================================================

// where builds a positional-parameter WHERE clause. Clauses carry one %d for
// their placeholder number.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "%d", itoa(int64(len(w.args))), 1))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return " LIMIT $" + itoa(int64(len(w.args)))
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify marks serialization failures and deadlocks as retryable
// concurrent modifications.
func classify(err error) error {
	switch sqlState(err) {
	case "40001", "40P01":
		return errors.Mark(err, billing.ErrConcurrentModification)
	}
	return err
}
