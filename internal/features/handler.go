package features

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/authz"
	"github.com/kubiknyc/supersitehero/internal/platform/httpx"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

// Handler manages feature flag endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	mw      authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw}
}

// MountRoutes registers feature routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/flags", h.listFlags)
	r.Get("/tenants/{tenantID}/features/{code}", h.checkFeature)
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll("features.manage"))
		r.Put("/tenants/{tenantID}/features/{code}", h.setOverride)
		r.Delete("/tenants/{tenantID}/features/{code}", h.clearOverride)
	})
}

func (h *Handler) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.ListFlags(r.Context())
	if err != nil {
		h.logger.Error("list feature flags", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (h *Handler) checkFeature(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	code := chi.URLParam(r, "code")
	enabled := h.service.IsEnabled(r.Context(), tenantID, code)
	httpx.JSON(w, http.StatusOK, map[string]any{"feature": code, "enabled": enabled})
}

type overrideRequest struct {
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	if !h.actorOwnsTenant(r, tenantID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.service.SetTenantOverride(r.Context(), tenantID, chi.URLParam(r, "code"), req.Enabled, req.ExpiresAt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	if !h.actorOwnsTenant(r, tenantID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	if err := h.service.ClearTenantOverride(r.Context(), tenantID, chi.URLParam(r, "code")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actorOwnsTenant keeps feature mutations inside the acting tenant; the
// tenantID in the URL is caller input, not an authorization decision.
func (h *Handler) actorOwnsTenant(r *http.Request, tenantID uuid.UUID) bool {
	actor, ok := shared.ActorFromContext(r.Context())
	return ok && actor.TenantID == tenantID
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
