// Package httpapi is the HTTP boundary: gorilla/mux routing, an auth middleware
// resolving Authorization: Bearer <key> / ?apiKey= into a permission tier, and
// thin handlers delegating into the pipeline/decision/store packages.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/cajpany/tinycdp/internal/credential"
	"github.com/cajpany/tinycdp/internal/model"
)

type apiKeyContextKey string

const apiKeyCtxKey apiKeyContextKey = "apiKey"

// apiKeyFromRequest accepts the two auth shapes: an Authorization: Bearer <key>
// header, or a ?apiKey= query parameter fallback, which also works for simple
// browser-triggered GETs like /v1/decide.
func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	return r.URL.Query().Get("apiKey")
}

// RequireAuth builds a middleware enforcing that the resolved API key's kind
// permits `required` (read ⊂ write ⊂ admin). On success the resolved model.APIKey
// is attached to the request context for handlers that need it.
func RequireAuth(auth *credential.Authorizer, required model.APIKeyKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := apiKeyFromRequest(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing_auth", "no API key supplied")
				return
			}
			key, err := auth.Resolve(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_auth", "API key not recognized")
				return
			}
			if !key.Kind.Permits(required) {
				writeError(w, http.StatusForbidden, "insufficient_permission", "API key does not permit this operation")
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey, key))
			next.ServeHTTP(w, r)
		})
	}
}

// keyFromContext returns the APIKey RequireAuth attached to the request, if any.
func keyFromContext(ctx context.Context) (model.APIKey, bool) {
	v, ok := ctx.Value(apiKeyCtxKey).(model.APIKey)
	return v, ok
}
