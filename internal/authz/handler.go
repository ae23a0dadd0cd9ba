package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/platform/httpx"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

// Handler exposes the read surface and the administrative mutations over
// JSON. Every administrative route is gated by the engine itself.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	engine    *Engine
	validator *validator.Validate
	mw        Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engine *Engine, mw Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		engine:    engine,
		validator: validator.New(),
		mw:        mw,
	}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny("permissions.view"))
		r.Get("/permissions", h.listCatalog)
	})

	r.Get("/users/{userID}/permissions", h.listUserPermissions)
	r.Get("/users/{userID}/check", h.checkUserPermission)

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll("roles.manage"))
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Patch("/roles/{roleID}", h.updateRole)
		r.Post("/roles/{roleID}/deactivate", h.deactivateRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Put("/roles/{roleID}/grants/{code}", h.setGrant)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll("permissions.override"))
		r.Post("/users/{userID}/overrides", h.writeOverride)
		r.Delete("/users/{userID}/overrides", h.removeOverride)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll("roles.assign"))
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.unassignRole)
	})
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListCatalog(r.Context())
	if err != nil {
		h.logger.Error("list permission catalog", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)
	meta := shared.NewPagination(page, perPage, len(perms))
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permissions": paginate(perms, meta),
		"pagination":  meta,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func paginate[T any](items []T, meta shared.Pagination) []T {
	start := (meta.Page - 1) * meta.PerPage
	if start >= len(items) {
		return []T{}
	}
	end := start + meta.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// listUserPermissions is self-service for the actor; looking at another user
// requires permissions.view.
func (h *Handler) listUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	if !h.actorMaySee(r, userID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	perms := h.engine.ListPermissions(r.Context(), userID, projectFromRequest(r))
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) checkUserPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	if !h.actorMaySee(r, userID) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("permission"))
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission query parameter required")
		return
	}
	granted := h.engine.Check(r.Context(), userID, code, projectFromRequest(r))
	httpx.JSON(w, http.StatusOK, map[string]any{"permission": code, "granted": granted})
}

type createRoleRequest struct {
	Code         string `json:"code" validate:"required,min=2,max=50"`
	Name         string `json:"name" validate:"required,min=2,max=100"`
	Color        string `json:"color" validate:"omitempty,hexcolor"`
	InheritsFrom string `json:"inherits_from" validate:"omitempty"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roles, err := h.service.ListCustomRoles(r.Context(), actor.TenantID)
	if err != nil {
		h.logger.Error("list custom roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": toRoleResponses(roles)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateCustomRoleInput{
		TenantID: actor.TenantID,
		Code:     req.Code,
		Name:     req.Name,
		Color:    req.Color,
		ActorID:  actor.UserID,
	}
	if req.InheritsFrom != "" {
		role := DefaultRole(req.InheritsFrom)
		input.InheritsFrom = &role
	}
	role, err := h.service.CreateCustomRole(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name  string `json:"name" validate:"required,min=2,max=100"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roleID, ok := h.pathUUID(w, r, "roleID")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateCustomRole(r.Context(), actor, roleID, req.Name, req.Color)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roleID, ok := h.pathUUID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeactivateCustomRole(r.Context(), actor, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roleID, ok := h.pathUUID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteCustomRole(r.Context(), actor, roleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setGrantRequest struct {
	Granted bool `json:"granted"`
}

func (h *Handler) setGrant(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roleID, ok := h.pathUUID(w, r, "roleID")
	if !ok {
		return
	}
	var req setGrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	ref, err := CustomRoleRef(roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetGrant(r.Context(), actor, ref, chi.URLParam(r, "code"), req.Granted); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Permission string     `json:"permission" validate:"required"`
	Action     string     `json:"action" validate:"required,oneof=grant revoke"`
	ProjectID  *uuid.UUID `json:"project_id"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Reason     string     `json:"reason" validate:"max=500"`
}

func (h *Handler) writeOverride(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := OverrideInput{
		TenantID:       actor.TenantID,
		UserID:         userID,
		PermissionCode: req.Permission,
		ProjectID:      req.ProjectID,
		ExpiresAt:      req.ExpiresAt,
		Reason:         req.Reason,
		ActorID:        actor.UserID,
	}
	var (
		override UserOverride
		err      error
	)
	if OverrideAction(req.Action) == OverrideGrant {
		override, err = h.service.GrantOverride(r.Context(), input)
	} else {
		override, err = h.service.RevokeOverride(r.Context(), input)
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOverrideResponse(override))
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("permission"))
	if code == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission query parameter required")
		return
	}
	if err := h.service.RemoveOverride(r.Context(), actor, userID, code, projectFromRequest(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	CustomRoleID uuid.UUID  `json:"custom_role_id" validate:"required"`
	ProjectID    *uuid.UUID `json:"project_id"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignment, err := h.service.AssignCustomRole(r.Context(), actor, userID, req.CustomRoleID, req.ProjectID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAssignmentResponse(assignment))
}

func (h *Handler) unassignRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathUUID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.UnassignCustomRole(r.Context(), actor, userID, roleID, projectFromRequest(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actorMaySee(r *http.Request, userID uuid.UUID) bool {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return false
	}
	if actor.UserID == userID {
		return true
	}
	return h.engine.Check(r.Context(), actor.UserID, "permissions.view", nil)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		detail := err.Error()
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			detail = fieldErrs[0].Error()
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", detail)
		return false
	}
	return true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

type roleResponse struct {
	ID           uuid.UUID `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Color        string    `json:"color,omitempty"`
	IsActive     bool      `json:"is_active"`
	CanBeDeleted bool      `json:"can_be_deleted"`
	InheritsFrom string    `json:"inherits_from,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toRoleResponse(role CustomRole) roleResponse {
	resp := roleResponse{
		ID:           role.ID,
		Code:         role.Code,
		Name:         role.Name,
		Color:        role.Color,
		IsActive:     role.IsActive,
		CanBeDeleted: role.CanBeDeleted,
		CreatedAt:    role.CreatedAt,
	}
	if role.InheritsFrom != nil {
		resp.InheritsFrom = string(*role.InheritsFrom)
	}
	return resp
}

func toRoleResponses(roles []CustomRole) []roleResponse {
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	return out
}

type overrideResponse struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Permission string     `json:"permission"`
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	Action     string     `json:"action"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func toOverrideResponse(o UserOverride) overrideResponse {
	return overrideResponse{
		ID:         o.ID,
		UserID:     o.UserID,
		Permission: o.PermissionCode,
		ProjectID:  o.ProjectID,
		Action:     string(o.Action),
		ExpiresAt:  o.ExpiresAt,
		Reason:     o.Reason,
	}
}

type assignmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	CustomRoleID uuid.UUID  `json:"custom_role_id"`
	ProjectID    *uuid.UUID `json:"project_id,omitempty"`
}

func toAssignmentResponse(a CustomRoleAssignment) assignmentResponse {
	return assignmentResponse{
		ID:           a.ID,
		UserID:       a.UserID,
		CustomRoleID: a.CustomRoleID,
		ProjectID:    a.ProjectID,
	}
}
