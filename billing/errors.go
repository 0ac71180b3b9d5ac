/*
errors.go - Centralized error types for the reconciliation engine

ERROR CATEGORIES:
  1. Validation errors - Rejected before any transaction opens, never retried.
     Each carries a ReasonCode (InvalidAmount, NotFound, NoFieldsProvided, ...).
  2. Reconciliation errors - Raised inside the unit of work. The whole cascade
     rolls back and the caller receives the cause wrapped in a ReconcileError.
  3. Store errors - Commit conflicts and I/O failures, surfaced through (2).

USAGE:
  if errors.Is(err, billing.ErrInvalidAmount) { ... }

  var verr *billing.ValidationError
  if errors.As(err, &verr) { code := verr.Code }
*/
package billing

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrNoFieldsProvided       = errors.New("no fields provided")
	ErrMissingField           = errors.New("missing required field")
	ErrInvalidID              = errors.New("invalid id")
	ErrInvalidPeriod          = errors.New("invalid period")
	ErrDuplicatePrescription  = errors.New("prescription already invoiced")
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrReconciliation marks every failure raised inside the unit of work.
	ErrReconciliation = errors.New("reconciliation failed")
)

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// ReasonCode is the machine-readable reason attached to a rejected input.
type ReasonCode string

const (
	ReasonInvalidAmount         ReasonCode = "InvalidAmount"
	ReasonNotFound              ReasonCode = "NotFound"
	ReasonNoFieldsProvided      ReasonCode = "NoFieldsProvided"
	ReasonMissingField          ReasonCode = "MissingField"
	ReasonInvalidID             ReasonCode = "InvalidID"
	ReasonInvalidPeriod         ReasonCode = "InvalidPeriod"
	ReasonDuplicatePrescription ReasonCode = "DuplicatePrescription"
)

var reasonSentinels = map[ReasonCode]error{
	ReasonInvalidAmount:         ErrInvalidAmount,
	ReasonNotFound:              ErrNotFound,
	ReasonNoFieldsProvided:      ErrNoFieldsProvided,
	ReasonMissingField:          ErrMissingField,
	ReasonInvalidID:             ErrInvalidID,
	ReasonInvalidPeriod:         ErrInvalidPeriod,
	ReasonDuplicatePrescription: ErrDuplicatePrescription,
}

// ValidationError is a pure rejection of caller input.
type ValidationError struct {
	Code    ReasonCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
}

func (e *ValidationError) Unwrap() error {
	return reasonSentinels[e.Code]
}

func newValidationError(code ReasonCode, field, format string, args ...any) error {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// RECONCILIATION ERRORS
// =============================================================================

// ReconcileError wraps a failure that aborted a unit of work.
type ReconcileError struct {
	Op  string
	Err error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

func (e *ReconcileError) Is(target error) bool { return target == ErrReconciliation }

func reconcileFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *ReconcileError
	if errors.As(err, &already) {
		return err
	}
	return &ReconcileError{Op: op, Err: errors.Mark(err, ErrReconciliation)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is a rejection of caller input.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if resubmitting the original mutation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// ReasonOf returns the reason code of a validation error, or "".
func ReasonOf(err error) ReasonCode {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}
