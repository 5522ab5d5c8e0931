// Package saga holds the plumbing shared by the marketplace sagas: the error
// taxonomy, progress reporting, the platform gate and balance refresh.
package saga

import (
	"errors"
	"fmt"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
)

// ErrPlatformNotInitialized is returned by sagas that need every platform asset.
var ErrPlatformNotInitialized = errors.New("platform not initialized")

// PreconditionError is a caller-correctable failure detected before any
// external call.
type PreconditionError struct {
	Msg string
	Err error
}

// Precondition builds a *PreconditionError.
func Precondition(format string, args ...any) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

func (e *PreconditionError) Error() string { return e.Msg }

func (e *PreconditionError) Unwrap() error { return e.Err }

// Error is the consolidated failure a saga returns at its boundary.
type Error struct {
	Saga string
	Step string
	Err  error
	// AuditRef is set when the failure happened after the decision was
	// written to the audit topic.
	AuditRef ledger.TxRef
	// TxRef is set when the failure happened after a ledger transfer
	// committed. The transfer stands and is reconciled, never undone.
	TxRef ledger.TxRef
}

func (e *Error) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("%s saga: %s: %v (committed tx %s)", e.Saga, e.Step, e.Err, e.TxRef)
	}
	if e.AuditRef != "" {
		return fmt.Sprintf("%s saga: %s: %v (audit %s)", e.Saga, e.Step, e.Err, e.AuditRef)
	}
	return fmt.Sprintf("%s saga: %s: %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Describe maps err to a short user-facing reason.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var (
		pre *PreconditionError
		se  *Error
	)
	switch {
	case errors.As(err, &se) && se.TxRef != "":
		return fmt.Sprintf("Your transaction %s went through but could not be recorded yet; it will be reconciled. Do not repeat it.", se.TxRef)
	case errors.As(err, &pre):
		return pre.Msg
	case errors.Is(err, ErrPlatformNotInitialized):
		return "The platform has not been initialized yet."
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "Insufficient balance to complete the operation."
	case errors.Is(err, ledger.ErrNotAssociated):
		return "The account is not associated with the token."
	case errors.Is(err, ledger.ErrImmutable):
		return "The token is immutable and cannot be changed."
	case errors.Is(err, ledger.ErrZeroBalanceRequired):
		return "The token balance must be zero first."
	case errors.Is(err, ledger.ErrInvalidSignature):
		return "A required signature is missing."
	case errors.Is(err, mirror.ErrInsufficientQuantity):
		return "Not enough credits remain on this farm."
	case errors.Is(err, mirror.ErrVersionConflict):
		return "The farm is busy; please retry."
	}
	if st, ok := ledger.StatusOf(err); ok {
		return fmt.Sprintf("The ledger rejected the request (%s).", st)
	}
	return "The operation failed. Please try again."
}

// IsPrecondition reports whether err is caller-correctable.
func IsPrecondition(err error) bool {
	var pre *PreconditionError
	return errors.As(err, &pre) || errors.Is(err, ErrPlatformNotInitialized)
}
