package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT MUTATIONS - Create, Amend, Retract
// =============================================================================

// EventKind names the ledger event that started a cascade.
type EventKind string

const (
	EventCreate      EventKind = "create"
	EventAmend       EventKind = "amend"
	EventRetract     EventKind = "retract"
	EventIssue       EventKind = "issue_invoice"
	EventMaterialize EventKind = "materialize"
)

// NewPayment holds the fields of a payment being submitted.
type NewPayment struct {
	InvoiceID       InvoiceID
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Method          string
	IsRefund        bool
	ReferenceNumber string
	Notes           string

	// TransactionStatus defaults to completed.
	TransactionStatus TransactionStatus
}

// PaymentPatch holds the amendable fields of a payment. Nil means unchanged.
// PatientID and InvoiceID are immutable and cannot be patched.
type PaymentPatch struct {
	Amount      *decimal.Decimal
	PaymentDate *time.Time
	Method      *string
	IsRefund    *bool
	Notes       *string
}

// IsEmpty reports whether the patch changes nothing.
func (p PaymentPatch) IsEmpty() bool {
	return p.Amount == nil && p.PaymentDate == nil && p.Method == nil &&
		p.IsRefund == nil && p.Notes == nil
}

// ApplyTo returns a copy of pay with the patch applied.
func (p PaymentPatch) ApplyTo(pay Payment) Payment {
	if p.Amount != nil {
		pay.Amount = cents(*p.Amount)
	}
	if p.PaymentDate != nil {
		pay.PaymentDate = p.PaymentDate.UTC()
	}
	if p.Method != nil {
		pay.Method = strings.TrimSpace(*p.Method)
	}
	if p.IsRefund != nil {
		pay.IsRefund = *p.IsRefund
	}
	if p.Notes != nil {
		pay.Notes = *p.Notes
	}
	return pay
}

// Mutation is one payment event handed to Reconciler.Apply.
type Mutation struct {
	Kind      EventKind
	InvoiceID InvoiceID // create
	PaymentID PaymentID // amend, retract
	Create    NewPayment
	Patch     PaymentPatch
}

// CreatePayment builds a create event.
func CreatePayment(p NewPayment) Mutation {
	return Mutation{Kind: EventCreate, InvoiceID: p.InvoiceID, Create: p}
}

// AmendPayment builds an amend event.
func AmendPayment(id PaymentID, patch PaymentPatch) Mutation {
	return Mutation{Kind: EventAmend, PaymentID: id, Patch: patch}
}

// RetractPayment builds a retract event.
func RetractPayment(id PaymentID) Mutation {
	return Mutation{Kind: EventRetract, PaymentID: id}
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

// ParseAmount parses a money amount supplied as a string or a number.
// Anything that is not a strictly positive number of whole cents is
// ErrInvalidAmount.
func ParseAmount(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		d = decimal.NewFromFloat(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	case interface{ String() string }:
		d, err = decimal.NewFromString(x.String())
	case nil:
		return decimal.Zero, newValidationError(ReasonMissingField, "amount", "amount is required")
	default:
		return decimal.Zero, newValidationError(ReasonInvalidAmount, "amount", "amount %v is not a number", v)
	}
	if err != nil {
		return decimal.Zero, newValidationError(ReasonInvalidAmount, "amount", "amount %v is not a number", v)
	}
	if err := checkAmount("amount", d); err != nil {
		return decimal.Zero, err
	}
	return cents(d), nil
}

// checkAmount rejects amounts that are not positive or carry fractions of a
// cent. Nothing is rounded into range.
func checkAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return newValidationError(ReasonInvalidAmount, field, "%s must be greater than zero", field)
	}
	if !isWholeCents(d) {
		return newValidationError(ReasonInvalidAmount, field, "%s %s has more than two decimal places", field, d.String())
	}
	return nil
}

func isWholeCents(d decimal.Decimal) bool { return d.Equal(cents(d)) }

func (p NewPayment) validate() error {
	if p.InvoiceID <= 0 {
		return newValidationError(ReasonMissingField, "invoice_id", "invoice id is required")
	}
	if err := checkAmount("amount", p.Amount); err != nil {
		return err
	}
	if p.PaymentDate.IsZero() {
		return newValidationError(ReasonMissingField, "payment_date", "payment date is required")
	}
	if strings.TrimSpace(p.Method) == "" {
		return newValidationError(ReasonMissingField, "payment_method", "payment method is required")
	}
	switch p.TransactionStatus {
	case "", TxCompleted, TxPending, TxFailed:
	default:
		return newValidationError(ReasonMissingField, "transaction_status", "unknown transaction status %q", p.TransactionStatus)
	}
	return nil
}

func (p PaymentPatch) validate() error {
	if p.IsEmpty() {
		return newValidationError(ReasonNoFieldsProvided, "", "no fields provided for update")
	}
	if p.Amount != nil {
		if err := checkAmount("amount", *p.Amount); err != nil {
			return err
		}
	}
	if p.PaymentDate != nil && p.PaymentDate.IsZero() {
		return newValidationError(ReasonMissingField, "payment_date", "payment date cannot be empty")
	}
	if p.Method != nil && strings.TrimSpace(*p.Method) == "" {
		return newValidationError(ReasonMissingField, "payment_method", "payment method cannot be empty")
	}
	return nil
}

func (m Mutation) validate() error {
	switch m.Kind {
	case EventCreate:
		return m.Create.validate()
	case EventAmend:
		if m.PaymentID <= 0 {
			return newValidationError(ReasonInvalidID, "payment_id", "invalid payment id %d", m.PaymentID)
		}
		return m.Patch.validate()
	case EventRetract:
		if m.PaymentID <= 0 {
			return newValidationError(ReasonInvalidID, "payment_id", "invalid payment id %d", m.PaymentID)
		}
		return nil
	default:
		return newValidationError(ReasonMissingField, "kind", "unknown payment event %q", m.Kind)
	}
}
