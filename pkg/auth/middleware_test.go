package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduitworks/conduit-engine/pkg/audit"
)

const testSecret = "unit-test-secret"

func signTestToken(t *testing.T, secret string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "tester@example.com",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newTestMiddleware(t *testing.T) *Middleware {
	t.Helper()
	verifier, err := NewVerifier(&VerifierConfig{
		EnableVerification: true,
		HMACSecret:         testSecret,
	})
	require.NoError(t, err)
	return NewMiddleware(verifier, nil, zap.NewNop())
}

func TestRequireAuth_ValidToken(t *testing.T) {
	mw := newTestMiddleware(t)

	var gotClaims *Claims
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = GetClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/conduit/auth_query", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, testSecret))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "tester", gotClaims.Subject)
}

func TestRequireAuth_Rejections(t *testing.T) {
	mw := newTestMiddleware(t)
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "garbage token", header: "Bearer invalid.jwt.token"},
		{name: "wrong secret", header: "Bearer " + signTestToken(t, "other-secret")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/conduit/auth_query", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	mw := newTestMiddleware(t)

	var authed bool
	handler := mw.OptionalAuth(func(w http.ResponseWriter, r *http.Request) {
		_, authed = GetClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	// Without a token the request still goes through, unauthenticated.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/conduit/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, authed)

	// With a valid token, claims are attached.
	req := httptest.NewRequest(http.MethodGet, "/api/conduit/status", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, testSecret))
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, authed)
}

func TestVerifyBodyToken(t *testing.T) {
	mw := newTestMiddleware(t)

	claims, err := mw.VerifyBodyToken("/api/conduit/alt_query", signTestToken(t, testSecret))
	require.NoError(t, err)
	assert.Equal(t, "tester", claims.Subject)

	_, err = mw.VerifyBodyToken("/api/conduit/alt_query", "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = mw.VerifyBodyToken("/api/conduit/alt_query", "invalid.jwt.token")
	assert.Error(t, err)
}

func TestVerifyBodyToken_RejectionAudited(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	auditor := audit.NewSecurityAuditor(zap.New(core))

	verifier, err := NewVerifier(&VerifierConfig{
		EnableVerification: true,
		HMACSecret:         testSecret,
	})
	require.NoError(t, err)
	mw := NewMiddleware(verifier, auditor, zap.NewNop())

	_, err = mw.VerifyBodyToken("/api/conduit/alt_query", "invalid.jwt.token")
	require.Error(t, err)

	entries := logs.FilterMessage("Request rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/conduit/alt_query", fields["path"])
	assert.Equal(t, "Invalid token", fields["reason"])
}

func TestUnverifiedParser(t *testing.T) {
	verifier, err := NewVerifier(&VerifierConfig{EnableVerification: false})
	require.NoError(t, err)

	claims, err := verifier.Verify(signTestToken(t, "any-secret-at-all"))
	require.NoError(t, err)
	assert.Equal(t, "tester", claims.Subject)
}
