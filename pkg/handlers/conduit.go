package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/apperrors"
	"github.com/conduitworks/conduit-engine/pkg/auth"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/services"
)

// ConduitHandler exposes the query execution endpoints. Three auth
// flavors share the same execution path: query/queries take an optional
// bearer header, auth_query/auth_queries demand one, and
// alt_query/alt_queries carry the token inside the request payload for
// clients that cannot set headers.
type ConduitHandler struct {
	svc    services.ConduitService
	authMW *auth.Middleware
	logger *zap.Logger
}

// NewConduitHandler creates a new ConduitHandler.
func NewConduitHandler(svc services.ConduitService, authMW *auth.Middleware, logger *zap.Logger) *ConduitHandler {
	return &ConduitHandler{svc: svc, authMW: authMW, logger: logger.Named("conduit_handler")}
}

// RegisterRoutes registers the conduit endpoints on the given mux. Every
// endpoint accepts both GET and POST; GET carries query_ref, database and
// a JSON params string in the query string.
func (h *ConduitHandler) RegisterRoutes(mux *http.ServeMux) {
	for _, method := range []string{"GET ", "POST "} {
		mux.HandleFunc(method+"/api/conduit/query", h.authMW.OptionalAuth(h.Query))
		mux.HandleFunc(method+"/api/conduit/queries", h.authMW.OptionalAuth(h.Queries))
		mux.HandleFunc(method+"/api/conduit/auth_query", h.authMW.RequireAuth(h.Query))
		mux.HandleFunc(method+"/api/conduit/auth_queries", h.authMW.RequireAuth(h.Queries))
		mux.HandleFunc(method+"/api/conduit/alt_query", h.AltQuery)
		mux.HandleFunc(method+"/api/conduit/alt_queries", h.AltQueries)
	}
}

// queryPayload is the wire shape shared by all single-query endpoints.
// Token is only honored on the alt_ endpoints.
type queryPayload struct {
	Token    string          `json:"token,omitempty"`
	QueryRef int             `json:"query_ref"`
	Database string          `json:"database"`
	Params   models.ParamMap `json:"params,omitempty"`
}

// batchPayload is the wire shape shared by all batch endpoints.
type batchPayload struct {
	Token    string                  `json:"token,omitempty"`
	Database string                  `json:"database"`
	Queries  []models.BatchQueryItem `json:"queries"`
}

// Query handles GET/POST /api/conduit/query and /auth_query.
func (h *ConduitHandler) Query(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	_, authed := auth.GetClaims(r.Context())
	h.runQuery(w, r, payload, authed)
}

// Queries handles GET/POST /api/conduit/queries and /auth_queries.
func (h *ConduitHandler) Queries(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.parseBatch(w, r)
	if !ok {
		return
	}
	_, authed := auth.GetClaims(r.Context())
	h.runBatch(w, r, payload, authed)
}

// AltQuery handles GET/POST /api/conduit/alt_query: the bearer token
// travels in the payload instead of the Authorization header.
func (h *ConduitHandler) AltQuery(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	if _, err := h.authMW.VerifyBodyToken(r.URL.Path, payload.Token); err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
		return
	}
	h.runQuery(w, r, payload, true)
}

// AltQueries handles GET/POST /api/conduit/alt_queries.
func (h *ConduitHandler) AltQueries(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.parseBatch(w, r)
	if !ok {
		return
	}
	if _, err := h.authMW.VerifyBodyToken(r.URL.Path, payload.Token); err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
		return
	}
	h.runBatch(w, r, payload, true)
}

func (h *ConduitHandler) runQuery(w http.ResponseWriter, r *http.Request, payload *queryPayload, authed bool) {
	result, err := h.svc.ExecuteQuery(r.Context(), &models.QueryRequest{
		QueryRef: payload.QueryRef,
		Database: payload.Database,
		Params:   payload.Params,
	}, authed)
	h.writeOutcome(w, r, result, err)
}

func (h *ConduitHandler) runBatch(w http.ResponseWriter, r *http.Request, payload *batchPayload, authed bool) {
	batch, err := h.svc.ExecuteBatch(r.Context(), &models.QueryBatchRequest{
		Database: payload.Database,
		Queries:  payload.Queries,
	}, authed)
	h.writeOutcome(w, r, batch, err)
}

// writeOutcome maps a service outcome to the wire. The body carries the
// structured result wherever the failure is expected client behavior;
// only transport-level problems get a bare error envelope.
//
//	nil error                     -> 200, body
//	unknown ref / bad parameters  -> 200, body with success false
//	empty batch                   -> 200, body with success false
//	engine runtime failure        -> 422, body with success false
//	unknown or disabled database  -> 400
//	auth failure                  -> 401
//	backpressure / not ready      -> 503, retryable
func (h *ConduitHandler) writeOutcome(w http.ResponseWriter, r *http.Request, body any, err error) {
	switch {
	case err == nil:
		_ = WriteJSON(w, http.StatusOK, body)
	case errors.Is(err, apperrors.ErrUnknownQueryRef),
		errors.Is(err, apperrors.ErrTypeMismatch),
		errors.Is(err, apperrors.ErrUnsafeParameter),
		errors.Is(err, apperrors.ErrEmptyBatch):
		_ = WriteJSON(w, http.StatusOK, body)
	case errors.Is(err, apperrors.ErrEngineFailure):
		_ = WriteJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, apperrors.ErrUnknownDatabase),
		errors.Is(err, apperrors.ErrDatabaseDisabled):
		_ = ErrorResponse(w, http.StatusBadRequest, "unknown_database", err.Error())
	case errors.Is(err, apperrors.ErrUnauthorized):
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, apperrors.ErrQueueFull),
		errors.Is(err, apperrors.ErrDatabaseNotReady):
		_ = RetryableResponse(w, "service_unavailable", err.Error())
	default:
		h.logger.Error("query execution failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "query execution failed")
	}
}

func (h *ConduitHandler) parseQuery(w http.ResponseWriter, r *http.Request) (*queryPayload, bool) {
	payload := &queryPayload{}
	if r.Method == http.MethodGet {
		if !h.parseGetCommon(w, r, &payload.QueryRef, &payload.Database, &payload.Params, &payload.Token) {
			return nil, false
		}
		return payload, true
	}
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Malformed JSON request body")
		return nil, false
	}
	return payload, true
}

func (h *ConduitHandler) parseBatch(w http.ResponseWriter, r *http.Request) (*batchPayload, bool) {
	payload := &batchPayload{}
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		payload.Database = q.Get("database")
		payload.Token = q.Get("token")
		if raw := q.Get("queries"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload.Queries); err != nil {
				_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Malformed queries parameter")
				return nil, false
			}
		}
		return payload, true
	}
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Malformed JSON request body")
		return nil, false
	}
	return payload, true
}

func (h *ConduitHandler) parseGetCommon(w http.ResponseWriter, r *http.Request, queryRef *int, database *string, p *models.ParamMap, token *string) bool {
	q := r.URL.Query()
	ref, err := strconv.Atoi(q.Get("query_ref"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "query_ref must be an integer")
		return false
	}
	*queryRef = ref
	*database = q.Get("database")
	*token = q.Get("token")
	if raw := q.Get("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), p); err != nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Malformed params parameter")
			return false
		}
	}
	return true
}
