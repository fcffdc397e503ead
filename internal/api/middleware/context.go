package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	callerKey       contextKey = "caller"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetCaller records the name of the authenticated service key.
func SetCaller(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerKey, name)
}

func GetCaller(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(callerKey).(string)
	return name, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// WithKey returns ctx as Authenticate would leave it for the given key.
// Handler tests use it to skip bcrypt.
func WithKey(ctx context.Context, name, prefix string, scopes []string) context.Context {
	return setScopes(setKeyPrefix(SetCaller(ctx, name), prefix), scopes)
}
