package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxBodyBytes     = 1 << 20
)

// uuidParam parses a chi URL parameter as a UUID, writing a 400 when it is
// malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			name+" must be a valid UUID", map[string]string{"field": name})
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func pageLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// optionalUUID parses s when present.
func optionalUUID(w http.ResponseWriter, field, s string) (*uuid.UUID, bool) {
	if s == "" {
		return nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			field+" must be a valid UUID", map[string]string{"field": field})
		return nil, false
	}
	return &id, true
}

// requiredUUID parses s, writing a 400 when it is missing or malformed.
func requiredUUID(w http.ResponseWriter, field, s string) (uuid.UUID, bool) {
	if s == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			field+" is required", map[string]string{"field": field})
		return uuid.Nil, false
	}
	id, ok := optionalUUID(w, field, s)
	if !ok {
		return uuid.Nil, false
	}
	return *id, true
}
