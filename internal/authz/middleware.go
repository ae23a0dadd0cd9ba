package authz

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

// Middleware wires authorization helpers for HTTP handlers. The engine
// itself gates the administrative endpoints that mutate it.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequireAny ensures the current actor has at least one of the required
// permissions, scoped to the request's project when one is given.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			projectID := projectFromRequest(r)
			for _, perm := range normalized {
				if m.Engine.Check(r.Context(), actor.UserID, perm, projectID) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current actor has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			projectID := projectFromRequest(r)
			for _, perm := range normalized {
				if !m.Engine.Check(r.Context(), actor.UserID, perm, projectID) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func projectFromRequest(r *http.Request) *uuid.UUID {
	raw := strings.TrimSpace(r.URL.Query().Get("project"))
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
