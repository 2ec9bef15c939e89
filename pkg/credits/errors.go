package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrCapExceeded          = errors.New("credit cap exceeded")
	ErrTouristPassExhausted = errors.New("tourist pass exhausted")
	ErrAccountFrozen        = errors.New("account frozen")
	ErrUnknownProfile       = errors.New("unknown profile")
	ErrUnknownTouristPass   = errors.New("unknown tourist pass")
	ErrNoActiveTouristPass  = errors.New("no active tourist pass")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidTier          = errors.New("invalid tier")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidSource        = errors.New("invalid source")
	ErrInvalidSourceRef     = errors.New("invalid source ref")
	ErrInvalidPolicy        = errors.New("invalid policy")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// InsufficientCreditsError carries the numbers behind a failed spend.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

// Shortfall is the number of credits missing.
func (insufficient *InsufficientCreditsError) Shortfall() int64 {
	return insufficient.Required - insufficient.Available
}

func (insufficient *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d, short %d", ErrInsufficientCredits, insufficient.Required, insufficient.Available, insufficient.Shortfall())
}

// Unwrap returns ErrInsufficientCredits.
func (insufficient *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// CapExceededError carries the numbers behind a refused top-up.
type CapExceededError struct {
	Tier      Tier
	Current   int64
	Requested int64
	Cap       int64
}

// Headroom is the largest top-up that would still fit under the cap.
func (capExceeded *CapExceededError) Headroom() int64 {
	headroom := capExceeded.Cap - capExceeded.Current
	if headroom < 0 {
		return 0
	}
	return headroom
}

func (capExceeded *CapExceededError) Error() string {
	return fmt.Sprintf("%v: tier %s cap %d, current %d, requested %d", ErrCapExceeded, capExceeded.Tier, capExceeded.Cap, capExceeded.Current, capExceeded.Requested)
}

// Unwrap returns ErrCapExceeded.
func (capExceeded *CapExceededError) Unwrap() error {
	return ErrCapExceeded
}
