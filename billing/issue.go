package billing

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// INVOICE ISSUANCE
// =============================================================================
// An invoice adds charges to its month, which moves the opening balance of
// every later month of the patient. Issuance therefore runs the same unit of
// work as a payment: insert, recompute the invoice, recompute its month and
// cascade forward.

// DefaultPaymentTerms is the due date offset applied when none is given.
const DefaultPaymentTerms = 30 * 24 * time.Hour

// NewInvoice holds the fields of an invoice for a dispensed prescription.
type NewInvoice struct {
	PatientID              PatientID
	PrescriptionID         PrescriptionID
	InvoiceDate            time.Time
	DueDate                time.Time // zero = InvoiceDate + DefaultPaymentTerms
	Description            string
	TotalAmount            decimal.Decimal
	InsuranceCoveredAmount decimal.Decimal
}

// PatientPortion is what the patient owes after insurance.
func (n NewInvoice) PatientPortion() decimal.Decimal {
	return cents(n.TotalAmount.Sub(n.InsuranceCoveredAmount))
}

func (n NewInvoice) validate() error {
	if n.PatientID <= 0 {
		return newValidationError(ReasonInvalidID, "patient_id", "invalid patient id %d", n.PatientID)
	}
	if n.PrescriptionID <= 0 {
		return newValidationError(ReasonInvalidID, "prescription_id", "invalid prescription id %d", n.PrescriptionID)
	}
	if n.InvoiceDate.IsZero() {
		return newValidationError(ReasonMissingField, "invoice_date", "invoice date is required")
	}
	if n.TotalAmount.IsNegative() {
		return newValidationError(ReasonInvalidAmount, "total_amount", "total amount cannot be negative")
	}
	if n.InsuranceCoveredAmount.IsNegative() {
		return newValidationError(ReasonInvalidAmount, "insurance_covered_amount", "insurance covered amount cannot be negative")
	}
	if !isWholeCents(n.TotalAmount) {
		return newValidationError(ReasonInvalidAmount, "total_amount", "total amount has more than two decimal places")
	}
	if !isWholeCents(n.InsuranceCoveredAmount) {
		return newValidationError(ReasonInvalidAmount, "insurance_covered_amount", "insurance covered amount has more than two decimal places")
	}
	if !n.DueDate.IsZero() && n.DueDate.Before(n.InvoiceDate) {
		return newValidationError(ReasonMissingField, "due_date", "due date is before invoice date")
	}
	return nil
}

// IssueInvoice records an invoice and re-derives the statements it affects.
// A patient portion of zero or less leaves the invoice paid from the start.
func (r *Reconciler) IssueInvoice(ctx context.Context, n NewInvoice) (out *Outcome, err error) {
	started := r.clock.Now()
	defer func() { r.observer.MutationApplied(EventIssue, err, r.clock.Now().Sub(started)) }()

	if err := n.validate(); err != nil {
		return nil, err
	}
	if existing, err := r.store.InvoiceByPrescription(ctx, n.PrescriptionID); err == nil {
		return nil, newValidationError(ReasonDuplicatePrescription, "prescription_id",
			"prescription %d already billed on invoice %d", n.PrescriptionID, existing.ID)
	} else if !IsNotFound(err) {
		return nil, errors.Wrapf(err, "look up prescription %d", n.PrescriptionID)
	}

	out = &Outcome{RunID: uuid.NewString(), Kind: EventIssue}
	log := r.log.With(zap.String("run_id", out.RunID), zap.String("event", string(EventIssue)))

	err = r.store.WithTx(ctx, func(uow Store) error {
		now := r.clock.Now()
		inv := Invoice{
			PatientID:              n.PatientID,
			PrescriptionID:         n.PrescriptionID,
			InvoiceDate:            n.InvoiceDate.UTC(),
			DueDate:                n.DueDate.UTC(),
			Description:            strings.TrimSpace(n.Description),
			TotalAmount:            cents(n.TotalAmount),
			InsuranceCoveredAmount: cents(n.InsuranceCoveredAmount),
			PatientPortion:         n.PatientPortion(),
			AmountPaid:             decimal.Zero,
			Status:                 StatusPending,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if n.DueDate.IsZero() {
			inv.DueDate = inv.InvoiceDate.Add(DefaultPaymentTerms)
		}
		if err := uow.CreateInvoice(ctx, &inv); err != nil {
			return errors.Wrapf(err, "insert invoice for prescription %d", n.PrescriptionID)
		}

		updated, err := r.calc.RecomputeInvoice(ctx, uow, inv.ID)
		if err != nil {
			return err
		}
		months := []Month{updated.Month()}
		if err := r.cascade(ctx, uow, updated.PatientID, months, months, out); err != nil {
			return err
		}
		out.Invoice = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicatePrescription) {
			return nil, newValidationError(ReasonDuplicatePrescription, "prescription_id",
				"prescription %d already billed", n.PrescriptionID)
		}
		log.Error("invoice issuance rolled back", zap.Error(err))
		return nil, reconcileFailure(string(EventIssue), err)
	}

	r.committed(out)

	log.Info("invoice issued",
		zap.Int64("invoice_id", int64(out.Invoice.ID)),
		zap.Int64("patient_id", int64(out.Invoice.PatientID)),
		zap.String("patient_portion", out.Invoice.PatientPortion.StringFixed(2)),
		zap.String("invoice_status", string(out.Invoice.Status)),
		zap.Int("monthly_recomputed", len(out.Monthly)),
		zap.Int("global_recomputed", len(out.Global)),
	)
	return out, nil
}
