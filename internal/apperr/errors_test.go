package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/kiranshivaraju/gradeflow/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestTypedErrors_UnwrapToSentinel(t *testing.T) {
	assert.ErrorIs(t, apperr.Invalid("quantity", "must be positive"), apperr.ErrValidation)
	assert.ErrorIs(t, &apperr.PaymentRequiredError{BalanceMicrodollars: -1}, apperr.ErrPaymentRequired)
	assert.ErrorIs(t, &apperr.BillingConfigError{Metric: "split_tex"}, apperr.ErrBillingConfig)
	assert.ErrorIs(t, apperr.NotFound("pipeline run"), apperr.ErrNotFound)
	assert.ErrorIs(t, apperr.Conflict("step is not FAILED"), apperr.ErrConflict)
}

func TestValidationError_Message(t *testing.T) {
	err := apperr.Invalid("artifact_kind", "must be PDF or TEX")
	assert.Equal(t, "artifact_kind: must be PDF or TEX", err.Error())

	var ve *apperr.ValidationError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ve))
	assert.Equal(t, "artifact_kind", ve.Field)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Invalid("x", "bad"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{apperr.NotFound("step"), http.StatusNotFound, "NOT_FOUND"},
		{apperr.Conflict("nope"), http.StatusConflict, "CONFLICT"},
		{&apperr.PaymentRequiredError{}, http.StatusPaymentRequired, "PAYMENT_REQUIRED"},
		{fmt.Errorf("charge: %w", &apperr.BillingConfigError{Metric: "m"}), http.StatusUnprocessableEntity, "BILLING_CONFIG"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := apperr.HTTPStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
