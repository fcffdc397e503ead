// Package apperr defines the errors surfaced by admission and billing
// operations. Each typed error unwraps to one sentinel so callers can use
// errors.Is without knowing the concrete type.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrPaymentRequired = errors.New("payment required")
	ErrBillingConfig   = errors.New("billing misconfigured")
)

// ValidationError reports bad caller input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PaymentRequiredError is returned by the billing gate when a course's
// account balance is negative.
type PaymentRequiredError struct {
	AccountID           string
	BalanceMicrodollars int64
}

func (e *PaymentRequiredError) Error() string {
	return "course balance is negative; top up to start processing"
}

func (e *PaymentRequiredError) Unwrap() error { return ErrPaymentRequired }

// BillingConfigError means no active rate exists for a metered operation.
type BillingConfigError struct {
	Metric string
}

func (e *BillingConfigError) Error() string {
	return fmt.Sprintf("no active rate for metric %s", e.Metric)
}

func (e *BillingConfigError) Unwrap() error { return ErrBillingConfig }

// NotFound wraps ErrNotFound with the missing resource name.
func NotFound(resource string) error {
	return fmt.Errorf("%s %w", resource, ErrNotFound)
}

// Conflict wraps ErrConflict with a reason.
func Conflict(reason string) error {
	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

// HTTPStatus maps an error to a response status and error code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, ErrPaymentRequired):
		return http.StatusPaymentRequired, "PAYMENT_REQUIRED"
	case errors.Is(err, ErrBillingConfig):
		return http.StatusUnprocessableEntity, "BILLING_CONFIG"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
