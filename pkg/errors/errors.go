package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error codes. INSUFFICIENT_FUNDS is reported to users as a validation failure.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrCodeExternalService     = "EXTERNAL_SERVICE_FAILURE"
	ErrCodeInvariantViolation  = "INVARIANT_VIOLATION"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func Conflict(message string) *AppError {
	return New(ErrCodeConcurrencyConflict, message)
}

func Invariant(message string) *AppError {
	return New(ErrCodeInvariantViolation, message)
}

func External(err error, message string) *AppError {
	return Wrap(err, ErrCodeExternalService, message)
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsValidation(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeValidation || code == ErrCodeInsufficientFunds
}

func IsInsufficientFunds(err error) bool {
	return CodeOf(err) == ErrCodeInsufficientFunds
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConcurrencyConflict
}

func IsExternal(err error) bool {
	return CodeOf(err) == ErrCodeExternalService
}

func IsInvariant(err error) bool {
	return CodeOf(err) == ErrCodeInvariantViolation
}
