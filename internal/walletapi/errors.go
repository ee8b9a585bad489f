package walletapi

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateOperation means the idempotency key already exists.
	// Callers must treat it as success, not failure.
	ErrDuplicateOperation = errors.New("duplicate_operation")

	// ErrInsufficientFunds is returned by the pre-debit availability check.
	ErrInsufficientFunds = errors.New("insufficient_funds")

	// ErrLockTimeout means an advisory or row lock was not available within
	// budget. The operation abstained and is safe to retry later.
	ErrLockTimeout = errors.New("lock_timeout")

	// ErrInvariant marks a state that should be impossible (cap exceeded,
	// derived address mismatch). Fatal to the operation, logged loudly.
	ErrInvariant = errors.New("invariant_violation")

	ErrNotFound = errors.New("not_found")
)

// ValidationError rejects bad caller input before any lock is taken.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	return e.Code
}

func NewValidationError(code string) *ValidationError {
	return &ValidationError{Code: code}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ErrorCode maps an engine error to the structured code exposed to clients.
// Raw internal messages never leave the API surface.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		var v *ValidationError
		errors.As(err, &v)
		return v.Code
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate_operation"
	case errors.Is(err, ErrLockTimeout):
		return "busy_try_later"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvariant}, args...)...)
}
