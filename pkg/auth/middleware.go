package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/audit"
)

// Middleware gates HTTP handlers on bearer token verification. It is
// thin; all validation logic lives in the TokenVerifier.
type Middleware struct {
	verifier TokenVerifier
	auditor  *audit.SecurityAuditor
	logger   *zap.Logger
}

// NewMiddleware creates auth middleware around a verifier. The auditor
// receives rejection events and may be nil.
func NewMiddleware(verifier TokenVerifier, auditor *audit.SecurityAuditor, logger *zap.Logger) *Middleware {
	return &Middleware{verifier: verifier, auditor: auditor, logger: logger.Named("auth")}
}

// BearerToken extracts the bearer token from the Authorization header.
// Returns ErrMissingToken when the header is absent or malformed.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// RequireAuth rejects with 401 before the handler runs unless the request
// carries a valid bearer token. Validated claims go into the context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r)
		if err != nil {
			m.unauthorized(w, r, "Authentication required")
			return
		}
		claims, err := m.verifier.Verify(token)
		if err != nil {
			m.unauthorized(w, r, "Invalid token")
			return
		}
		next(w, r.WithContext(WithClaims(r.Context(), claims)))
	}
}

// OptionalAuth attaches claims when a valid token is present and lets the
// request through either way. Used by the status endpoint, which reveals
// more to authenticated callers.
func (m *Middleware) OptionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token, err := BearerToken(r); err == nil {
			if claims, err := m.verifier.Verify(token); err == nil {
				r = r.WithContext(WithClaims(r.Context(), claims))
			}
		}
		next(w, r)
	}
}

// VerifyBodyToken validates a token supplied in the request body (the
// alt_query endpoints). Rejections reach the auditor like header-path
// rejections; the path identifies the endpoint in the audit event.
func (m *Middleware) VerifyBodyToken(path, token string) (*Claims, error) {
	if token == "" {
		m.rejected(path, "Missing token")
		return nil, ErrMissingToken
	}
	claims, err := m.verifier.Verify(token)
	if err != nil {
		m.rejected(path, "Invalid token")
		return nil, err
	}
	return claims, nil
}

func (m *Middleware) rejected(path, reason string) {
	if m.auditor != nil {
		m.auditor.LogAuthRejection(path, reason)
	}
	m.logger.Debug("request rejected",
		zap.String("path", path),
		zap.String("reason", reason))
}

func (m *Middleware) unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	m.rejected(r.URL.Path, message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "unauthorized",
		"message": message,
	})
}
