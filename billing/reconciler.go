/*
reconciler.go - Cascade orchestration for payment events

PURPOSE:
  The Reconciler is the entry point invoked on every payment mutation. It
  applies the ledger change and re-derives everything downstream of it inside
  exactly one transaction:

    1. Validate input (no transaction yet)
    2. Insert / update / delete the payment row
    3. Recompute the owning invoice
    4. Determine the affected months
    5. Recompute the patient statement and the global statement of each
    6. Cascade forward through every later stored statement
    7. Commit, then re-read the payment as confirmation

  Any failure in steps 2-6 rolls back the whole unit of work. Nothing is
  retried here: the caller resubmits the original mutation.

AFFECTED MONTHS:
  Create/Retract: the payment's month.
  Amend:          the months before and after the amendment (a payment can
                  move between periods).
  Global only:    the invoice's own month when step 3 changed its amountPaid
                  or status, because the outstanding balance of every global
                  statement ending after the invoice date depends on it.

SEE ALSO:
  - calculator.go: The recompute steps
  - cascade.go: Forward walk over stored statements
  - issue.go: Invoice issuance (same cascade)
*/
package billing

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize bounds how many later statements are read per page while
// cascading forward.
const DefaultPageSize = 100

// Observer receives cascade telemetry. Implemented by the metrics package.
type Observer interface {
	MutationApplied(kind EventKind, err error, elapsed time.Duration)
	StatementsRecomputed(kind StatementKind, n int)
}

type nopObserver struct{}

func (nopObserver) MutationApplied(EventKind, error, time.Duration) {}
func (nopObserver) StatementsRecomputed(StatementKind, int)         {}

// Reconciler applies ledger events and keeps every derived aggregate
// consistent with the ledger.
type Reconciler struct {
	store    TxStore
	calc     *Calculator
	clock    Clock
	log      *zap.Logger
	observer Observer
	pageSize int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithObserver(o Observer) Option { return func(r *Reconciler) { r.observer = o } }

func WithClock(c Clock) Option { return func(r *Reconciler) { r.clock = c } }

// WithPageSize sets the cascade page size. Zero reads all later statements at once.
func WithPageSize(n int) Option { return func(r *Reconciler) { r.pageSize = n } }

// NewReconciler creates a reconciler over store.
func NewReconciler(store TxStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		clock:    SystemClock{},
		log:      zap.NewNop(),
		observer: nopObserver{},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pageSize < 0 {
		r.pageSize = 0
	}
	r.calc = NewCalculator(r.clock)
	return r
}

// Calculator exposes the calculators bound to the reconciler's clock.
func (r *Reconciler) Calculator() *Calculator { return r.calc }

// Outcome describes a committed unit of work.
type Outcome struct {
	RunID   string
	Kind    EventKind
	Payment *Payment // nil after a retract
	Invoice Invoice

	// Months recomputed, in the order they were recomputed.
	Monthly []Month
	Global  []Month
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// SubmitPayment records a new payment against an invoice.
func (r *Reconciler) SubmitPayment(ctx context.Context, p NewPayment) (*Payment, error) {
	out, err := r.Apply(ctx, CreatePayment(p))
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// AmendPayment changes the amendable fields of a payment.
func (r *Reconciler) AmendPayment(ctx context.Context, id PaymentID, patch PaymentPatch) (*Payment, error) {
	out, err := r.Apply(ctx, AmendPayment(id, patch))
	if err != nil {
		return nil, err
	}
	return out.Payment, nil
}

// RetractPayment hard-deletes a payment.
func (r *Reconciler) RetractPayment(ctx context.Context, id PaymentID) error {
	_, err := r.Apply(ctx, RetractPayment(id))
	return err
}

// Apply runs one payment event through the full cascade.
func (r *Reconciler) Apply(ctx context.Context, m Mutation) (out *Outcome, err error) {
	started := r.clock.Now()
	defer func() { r.observer.MutationApplied(m.Kind, err, r.clock.Now().Sub(started)) }()

	m.Create.Method = strings.TrimSpace(m.Create.Method)
	if m.Kind == EventCreate && m.Create.TransactionStatus == "" {
		m.Create.TransactionStatus = TxCompleted
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if err := r.checkReferences(ctx, m); err != nil {
		return nil, err
	}

	out = &Outcome{RunID: uuid.NewString(), Kind: m.Kind}
	log := r.log.With(zap.String("run_id", out.RunID), zap.String("event", string(m.Kind)))

	err = r.store.WithTx(ctx, func(uow Store) error {
		return r.applyInTx(ctx, uow, m, out)
	})
	if err != nil {
		log.Error("payment mutation rolled back", zap.Error(err))
		return nil, reconcileFailure(string(m.Kind), err)
	}

	r.committed(out)

	if out.Payment != nil {
		confirmed, err := r.store.Payment(ctx, out.Payment.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "re-read payment %d", out.Payment.ID)
		}
		out.Payment = &confirmed
	}

	fields := []zap.Field{
		zap.Int64("invoice_id", int64(out.Invoice.ID)),
		zap.Int64("patient_id", int64(out.Invoice.PatientID)),
		zap.String("invoice_status", string(out.Invoice.Status)),
		zap.Int("monthly_recomputed", len(out.Monthly)),
		zap.Int("global_recomputed", len(out.Global)),
		zap.Duration("elapsed", r.clock.Now().Sub(started)),
	}
	if out.Payment != nil {
		fields = append(fields, zap.Int64("payment_id", int64(out.Payment.ID)))
	}
	log.Info("payment mutation committed", fields...)
	return out, nil
}

// checkReferences rejects events pointing at rows that do not exist, before
// any transaction is opened.
func (r *Reconciler) checkReferences(ctx context.Context, m Mutation) error {
	switch m.Kind {
	case EventCreate:
		if _, err := r.store.Invoice(ctx, m.Create.InvoiceID); err != nil {
			if IsNotFound(err) {
				return newValidationError(ReasonNotFound, "invoice_id", "invoice %d not found", m.Create.InvoiceID)
			}
			return errors.Wrapf(err, "look up invoice %d", m.Create.InvoiceID)
		}
	case EventAmend, EventRetract:
		if _, err := r.store.Payment(ctx, m.PaymentID); err != nil {
			if IsNotFound(err) {
				return newValidationError(ReasonNotFound, "payment_id", "payment %d not found", m.PaymentID)
			}
			return errors.Wrapf(err, "look up payment %d", m.PaymentID)
		}
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (r *Reconciler) applyInTx(ctx context.Context, uow Store, m Mutation, out *Outcome) error {
	var (
		invoice  Invoice
		payment  *Payment
		affected []Month
		err      error
	)

	switch m.Kind {
	case EventCreate:
		invoice, err = uow.LockInvoice(ctx, m.Create.InvoiceID)
		if err != nil {
			return errors.Wrapf(err, "lock invoice %d", m.Create.InvoiceID)
		}
		now := r.clock.Now()
		p := Payment{
			InvoiceID:         invoice.ID,
			PatientID:         invoice.PatientID,
			Amount:            cents(m.Create.Amount),
			PaymentDate:       m.Create.PaymentDate.UTC(),
			Method:            m.Create.Method,
			IsRefund:          m.Create.IsRefund,
			TransactionStatus: m.Create.TransactionStatus,
			ReferenceNumber:   m.Create.ReferenceNumber,
			Notes:             m.Create.Notes,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if p.ReferenceNumber == "" {
			p.ReferenceNumber = "PAY-" + strings.ToUpper(uuid.NewString()[:8])
		}
		if err := uow.CreatePayment(ctx, &p); err != nil {
			return errors.Wrap(err, "insert payment")
		}
		payment = &p
		affected = []Month{p.Month()}

	case EventAmend:
		before, err := uow.Payment(ctx, m.PaymentID)
		if err != nil {
			return errors.Wrapf(err, "load payment %d", m.PaymentID)
		}
		invoice, err = uow.LockInvoice(ctx, before.InvoiceID)
		if err != nil {
			return errors.Wrapf(err, "lock invoice %d", before.InvoiceID)
		}
		after := m.Patch.ApplyTo(before)
		after.UpdatedAt = r.clock.Now()
		if err := uow.UpdatePayment(ctx, after); err != nil {
			return errors.Wrapf(err, "update payment %d", after.ID)
		}
		payment = &after
		affected = []Month{before.Month(), after.Month()}

	case EventRetract:
		before, err := uow.Payment(ctx, m.PaymentID)
		if err != nil {
			return errors.Wrapf(err, "load payment %d", m.PaymentID)
		}
		invoice, err = uow.LockInvoice(ctx, before.InvoiceID)
		if err != nil {
			return errors.Wrapf(err, "lock invoice %d", before.InvoiceID)
		}
		if err := uow.DeletePayment(ctx, before.ID); err != nil {
			return errors.Wrapf(err, "delete payment %d", before.ID)
		}
		affected = []Month{before.Month()}

	default:
		return errors.Newf("unknown payment event %q", m.Kind)
	}

	updated, err := r.calc.RecomputeInvoice(ctx, uow, invoice.ID)
	if err != nil {
		return err
	}

	global := affected
	if balanceChanged(invoice, updated) {
		global = append(append([]Month{}, affected...), updated.Month())
	}

	if err := r.cascade(ctx, uow, updated.PatientID, affected, global, out); err != nil {
		return err
	}

	out.Invoice = updated
	out.Payment = payment
	return nil
}
