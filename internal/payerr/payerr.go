package payerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an application error carrying an HTTP status and a stable
// machine-readable code alongside the human message.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error
func New(status int, code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap attaches a cause to a copy of the error
func Wrap(base *Error, err error) *Error {
	return &Error{
		Status:  base.Status,
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// WithMessage returns a copy of the error with a different message
func WithMessage(base *Error, message string) *Error {
	return &Error{
		Status:  base.Status,
		Code:    base.Code,
		Message: message,
	}
}

// Stable error codes
const (
	CodeInvalidHash          = "INVALID_HASH"
	CodeValidation           = "VALIDATION_ERROR"
	CodeDuplicateTransaction = "TRANSACTION_ALREADY_INITIATED"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected     = "PROVIDER_REJECTED"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeAlreadyProcessed     = "ALREADY_PROCESSED"
	CodeUnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	CodeTransactionNotFound  = "TRANSACTION_NOT_FOUND"
	CodeInvalidMerchant      = "INVALID_MERCHANT"
	CodeAlreadySettled       = "ALREADY_SETTLED"
	CodeInternal             = "INTERNAL_ERROR"
)

var (
	ErrInvalidHash          = New(http.StatusBadRequest, CodeInvalidHash, "Invalid request hash")
	ErrValidation           = New(http.StatusBadRequest, CodeValidation, "Validation error")
	ErrDuplicateTransaction = New(http.StatusBadRequest, CodeDuplicateTransaction, "Transaction already initiated")
	ErrProviderUnavailable  = New(http.StatusServiceUnavailable, CodeProviderUnavailable, "Payment provider unavailable")
	ErrProviderRejected     = New(http.StatusBadRequest, CodeProviderRejected, "Payment provider rejected the request")
	ErrInvalidSignature     = New(http.StatusUnauthorized, CodeInvalidSignature, "Invalid webhook signature")
	ErrAlreadyProcessed     = New(http.StatusOK, CodeAlreadyProcessed, "Event already processed")
	ErrUnsupportedProvider  = New(http.StatusBadRequest, CodeUnsupportedProvider, "Unsupported payment provider")
	ErrTransactionNotFound  = New(http.StatusNotFound, CodeTransactionNotFound, "Transaction not found")
	ErrInvalidMerchant      = New(http.StatusBadRequest, CodeInvalidMerchant, "Invalid merchant")
	ErrAlreadySettled       = New(http.StatusBadRequest, CodeAlreadySettled, "Charge already settled")
	ErrInternal             = New(http.StatusInternalServerError, CodeInternal, "Internal server error")
)

// Is reports whether err carries the same code as target
func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// From extracts an *Error from err, falling back to ErrInternal
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternal, err)
}
