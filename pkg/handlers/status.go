package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/auth"
	"github.com/conduitworks/conduit-engine/pkg/services"
)

// StatusHandler reports per-database readiness. Anonymous callers see
// readiness and migration state only; authenticated callers also get
// queue statistics and result cache occupancy.
type StatusHandler struct {
	svc    services.ConduitService
	authMW *auth.Middleware
	logger *zap.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(svc services.ConduitService, authMW *auth.Middleware, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{svc: svc, authMW: authMW, logger: logger.Named("status_handler")}
}

// RegisterRoutes registers the status endpoint on the given mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conduit/status", h.authMW.OptionalAuth(h.Status))
}

// Status handles GET /api/conduit/status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	_, authed := auth.GetClaims(r.Context())
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"databases": h.svc.Status(authed),
	}); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}
