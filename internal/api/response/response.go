package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/gradeflow/internal/apperr"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PaginationMeta describes a cursor page. NextCursor is empty on the last page.
type PaginationMeta struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasNext    bool   `json:"has_next"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// FromError writes the envelope for a service error. Unknown errors are
// logged and reported as INTERNAL_ERROR without leaking their text.
func FromError(w http.ResponseWriter, err error) {
	status, code := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		Error(w, status, code, "An unexpected error occurred", nil)
		return
	}

	var details any
	var vErr *apperr.ValidationError
	var payErr *apperr.PaymentRequiredError
	var cfgErr *apperr.BillingConfigError
	switch {
	case errors.As(err, &vErr):
		details = map[string]string{"field": vErr.Field}
	case errors.As(err, &payErr):
		details = map[string]any{
			"account_id":           payErr.AccountID,
			"balance_microdollars": payErr.BalanceMicrodollars,
		}
	case errors.As(err, &cfgErr):
		details = map[string]string{"metric": cfgErr.Metric}
	}
	Error(w, status, code, err.Error(), details)
}
