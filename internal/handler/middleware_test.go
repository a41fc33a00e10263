package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskauth/internal/audit"
	"taskauth/internal/config"
	"taskauth/internal/token"
)

func newMiddlewareHarness(t *testing.T) (*AuthHandler, *token.Service) {
	t.Helper()
	tokens, err := token.NewService(config.AuthConfig{
		JWTSecret:           "test-secret-test-secret-test-secret",
		Issuer:              "taskauth-test",
		AccessTTL:           time.Hour,
		RememberMeAccessTTL: 2 * time.Hour,
		RefreshTTL:          24 * time.Hour,
		TempChallengeTTL:    10 * time.Minute,
	})
	require.NoError(t, err)

	h := NewAuthHandler(nil, nil, nil, tokens, audit.NopSink{}, zap.NewNop())
	return h, tokens
}

func TestRequireAccessTokenPassesValidToken(t *testing.T) {
	h, tokens := newMiddlewareHarness(t)

	raw, err := tokens.IssueAccess("acct-1", "sess-1", false)
	require.NoError(t, err)

	var seenAccount string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAccount = ClaimsFromContext(r.Context()).AccountID
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	h.RequireAccessToken(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acct-1", seenAccount)
}

func TestRequireAccessTokenRejectsMissingAndMalformed(t *testing.T) {
	h, _ := newMiddlewareHarness(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	for _, header := range []string{"", "Bearer", "Bearer garbage", "Basic dXNlcg=="} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.RequireAccessToken(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestRequireAccessTokenRejectsNonAccessTokens(t *testing.T) {
	h, tokens := newMiddlewareHarness(t)

	refresh, err := tokens.IssueRefresh("acct-1")
	require.NoError(t, err)
	temp, err := tokens.IssueTempChallenge("acct-1", "password", "chal-1")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	for _, raw := range []string{refresh, temp} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.RequireAccessToken(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestClaimsFromContextWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	claims := ClaimsFromContext(req.Context())
	require.NotNil(t, claims)
	assert.Empty(t, claims.AccountID)
}
