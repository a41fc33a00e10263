package handler

import (
	"context"
	"net/http"

	"taskauth/internal/autherr"
	"taskauth/internal/token"
)

type contextKey string

const claimsContextKey contextKey = "auth_claims"

// RequireAccessToken verifies the Bearer token and stashes its claims in the
// request context. Only access tokens pass; refresh and challenge tokens are
// rejected even when otherwise valid.
func (h *AuthHandler) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			h.respondWithError(w, autherr.Unauthorized("missing access token"))
			return
		}

		claims, err := h.tokens.Verify(raw, token.TypeAccess)
		if err != nil {
			h.respondWithError(w, autherr.Unauthorized("invalid or expired access token"))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the verified claims set by RequireAccessToken.
// It is nil-safe for handlers reached without the middleware.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*token.Claims); ok {
		return claims
	}
	return &token.Claims{}
}
