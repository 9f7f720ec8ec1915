package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/audit"
	"github.com/conduitworks/conduit-engine/pkg/auth"
	"github.com/conduitworks/conduit-engine/pkg/cache"
	"github.com/conduitworks/conduit-engine/pkg/catalog"
	"github.com/conduitworks/conduit-engine/pkg/dqm"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/params"
	"github.com/conduitworks/conduit-engine/pkg/registry"
	"github.com/conduitworks/conduit-engine/pkg/services"
)

const gatewaySecret = "gateway-test-secret"

// scriptedDriver fails templates containing "1/0" and echoes one row for
// everything else.
type scriptedDriver struct{}

func (d *scriptedDriver) Connect(ctx context.Context) error { return nil }
func (d *scriptedDriver) Ping(ctx context.Context) error    { return nil }
func (d *scriptedDriver) Close() error                      { return nil }

func (d *scriptedDriver) Execute(_ context.Context, sqlTemplate string, args []params.NamedValue) (*models.EngineResult, error) {
	if strings.Contains(sqlTemplate, "1/0") {
		return nil, fmt.Errorf("%w: division by zero", apperrors.ErrEngineFailure)
	}
	return &models.EngineResult{
		Columns:  []string{"one"},
		Rows:     []map[string]any{{"one": int64(1)}},
		RowCount: 1,
	}, nil
}

func newGateway(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := zap.NewNop()

	conn := models.NewDatabaseConnection("main", "sqlite", ":memory:", true, nil)
	conn.SetStatus(models.MigrationCurrent)
	reg, err := registry.New([]*models.DatabaseConnection{conn}, logger)
	require.NoError(t, err)

	cat := catalog.New(logger)
	require.NoError(t, cat.Register(&models.QueryTemplateEntry{
		QueryRef:  53,
		SQL:       "SELECT 1 AS one",
		QueueHint: models.TierFast,
	}))
	require.NoError(t, cat.Register(&models.QueryTemplateEntry{
		QueryRef:  66,
		SQL:       "SELECT 1/0",
		QueueHint: models.TierMedium,
	}))
	require.NoError(t, cat.Register(&models.QueryTemplateEntry{
		QueryRef:     70,
		SQL:          "SELECT name FROM users WHERE id = :user_id",
		QueueHint:    models.TierFast,
		RequiresAuth: true,
		RequiredParams: map[models.ParamGroup][]string{
			models.ParamInteger: {"user_id"},
		},
	}))

	mgr := dqm.NewManager(conn, &scriptedDriver{}, cache.New(16, time.Minute), dqm.Config{}, logger)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	svc := services.NewConduitService(reg, cat, map[string]*dqm.Manager{"main": mgr}, nil, logger)

	verifier, err := auth.NewVerifier(&auth.VerifierConfig{
		EnableVerification: true,
		HMACSecret:         gatewaySecret,
	})
	require.NoError(t, err)
	authMW := auth.NewMiddleware(verifier, nil, logger)

	mux := http.NewServeMux()
	NewConduitHandler(svc, authMW, logger).RegisterRoutes(mux)
	NewStatusHandler(svc, authMW, logger).RegisterRoutes(mux)
	return mux
}

func gatewayToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(gatewaySecret))
	require.NoError(t, err)
	return token
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) *models.QueryResult {
	t.Helper()
	result := &models.QueryResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), result))
	return result
}

func TestQuery_Success(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/query", `{"query_ref": 53, "database": "main"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeResult(t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, 53, result.QueryRef)
	assert.NotEmpty(t, result.QueryID)
	require.NotNil(t, result.Data)
	assert.Equal(t, 1, result.Data.RowCount)
}

func TestQuery_UnknownRefIsSoftFailure(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/query", `{"query_ref": -100, "database": "main"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, "unknown refs are reported in-band, not as transport errors")

	result := decodeResult(t, rec)
	assert.False(t, result.Success)
	assert.Equal(t, -100, result.QueryRef)
	assert.NotEmpty(t, result.Error)
}

func TestQuery_EngineFailure(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/query", `{"query_ref": 66, "database": "main"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	result := decodeResult(t, rec)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "division by zero")
}

func TestQuery_BadRequests(t *testing.T) {
	mux := newGateway(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"query_ref": `},
		{name: "unknown database", body: `{"query_ref": 53, "database": "nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, mux, "/api/conduit/query", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var envelope struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.False(t, envelope.Success)
			assert.NotEmpty(t, envelope.Error)
		})
	}
}

func TestQuery_GetForm(t *testing.T) {
	mux := newGateway(t)

	target := "/api/conduit/query?query_ref=53&database=main&params=" +
		url.QueryEscape(`{"INTEGER":{"limit":10}}`)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)

	// Non-integer query_ref in the query string is malformed input.
	req = httptest.NewRequest(http.MethodGet, "/api/conduit/query?query_ref=abc&database=main", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthQuery(t *testing.T) {
	mux := newGateway(t)
	body := `{"query_ref": 70, "database": "main", "params": {"INTEGER": {"user_id": 42}}}`

	// No token: rejected before any queue work.
	rec := postJSON(t, mux, "/api/conduit/auth_query", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token: same.
	rec = postJSON(t, mux, "/api/conduit/auth_query", body, map[string]string{
		"Authorization": "Bearer not.a.token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token: executes.
	rec = postJSON(t, mux, "/api/conduit/auth_query", body, map[string]string{
		"Authorization": "Bearer " + gatewayToken(t),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)
}

func TestQuery_AuthRequiredTemplateOnAnonymousEndpoint(t *testing.T) {
	mux := newGateway(t)

	// The open endpoint rejects templates flagged requires_auth unless
	// the caller presents a token.
	body := `{"query_ref": 70, "database": "main", "params": {"INTEGER": {"user_id": 42}}}`
	rec := postJSON(t, mux, "/api/conduit/query", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, mux, "/api/conduit/query", body, map[string]string{
		"Authorization": "Bearer " + gatewayToken(t),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAltQuery_TokenInBody(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/alt_query",
		fmt.Sprintf(`{"token": %q, "query_ref": 53, "database": "main"}`, gatewayToken(t)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)

	rec = postJSON(t, mux, "/api/conduit/alt_query",
		`{"token": "bogus", "query_ref": 53, "database": "main"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAltQuery_RejectionAudited(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	auditor := audit.NewSecurityAuditor(zap.New(core))

	verifier, err := auth.NewVerifier(&auth.VerifierConfig{
		EnableVerification: true,
		HMACSecret:         gatewaySecret,
	})
	require.NoError(t, err)
	h := NewConduitHandler(nil, auth.NewMiddleware(verifier, auditor, zap.NewNop()), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/conduit/alt_query",
		strings.NewReader(`{"token": "bogus", "query_ref": 53, "database": "main"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.AltQuery(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	entries := logs.FilterMessage("Request rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/conduit/alt_query", entries[0].ContextMap()["path"])
}

func TestQueries_Batch(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/queries",
		`{"database": "main", "queries": [{"query_ref": 53}, {"query_ref": 53}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	batch := &models.BatchResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), batch))
	assert.True(t, batch.Success)
	require.Len(t, batch.Results, 2)
}

func TestQueries_EmptyBatch(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/queries", `{"database": "main", "queries": []}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	batch := &models.BatchResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), batch))
	assert.False(t, batch.Success)
	assert.Empty(t, batch.Results)
}

func TestQueries_EngineFailureDominates(t *testing.T) {
	mux := newGateway(t)

	rec := postJSON(t, mux, "/api/conduit/queries",
		`{"database": "main", "queries": [{"query_ref": 53}, {"query_ref": 66}]}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	batch := &models.BatchResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), batch))
	assert.False(t, batch.Success)
	require.Len(t, batch.Results, 2)
	assert.True(t, batch.Results[0].Success)
	assert.False(t, batch.Results[1].Success)
}

func TestStatusEndpoint(t *testing.T) {
	mux := newGateway(t)

	// Anonymous: readiness only.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conduit/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Databases map[string]*models.ConnectionStatus `json:"databases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload.Databases, "main")
	assert.True(t, payload.Databases["main"].Ready)
	assert.Equal(t, models.MigrationCurrent, payload.Databases["main"].MigrationStatus)
	assert.Nil(t, payload.Databases["main"].DQMStatistics)

	// Authenticated: queue statistics included, wire order fixed.
	req := httptest.NewRequest(http.MethodGet, "/api/conduit/status", nil)
	req.Header.Set("Authorization", "Bearer "+gatewayToken(t))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	stats := payload.Databases["main"].DQMStatistics
	require.NotNil(t, stats)
	require.Len(t, stats.PerQueueStats, models.TierCount)
	assert.Equal(t, "slow", stats.PerQueueStats[0].QueueType)
	assert.Equal(t, "lead", stats.PerQueueStats[4].QueueType)
	require.NotNil(t, payload.Databases["main"].QueryCacheEntries)
}
