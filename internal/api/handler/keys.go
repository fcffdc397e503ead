package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "gf_"

var knownScopes = []string{models.ScopePipelines, models.ScopeBilling, models.ScopeAdmin}

// generateKey returns a new raw API key. It is only ever shown once.
func generateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}

// NewCreateKeyHandler handles POST /api/v1/admin/keys.
func NewCreateKeyHandler(ks store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required",
				map[string]string{"field": "name"})
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{models.ScopePipelines}
		}
		for _, s := range req.Scopes {
			if !slices.Contains(knownScopes, s) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					fmt.Sprintf("unknown scope %q", s), map[string]string{"field": "scopes"})
				return
			}
		}

		rawKey, err := generateKey()
		if err != nil {
			response.FromError(w, err)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.FromError(w, fmt.Errorf("hash key: %w", err))
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			response.FromError(w, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler handles GET /api/v1/admin/keys.
func NewListKeysHandler(ks store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := ks.ListAPIKeys(r.Context())
		if err != nil {
			response.FromError(w, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler handles DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(ks store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}
		if err := ks.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "api key not found", nil)
				return
			}
			response.FromError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
