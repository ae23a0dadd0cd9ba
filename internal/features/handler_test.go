package features

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kubiknyc/supersitehero/internal/authz"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

func newTestHandler(repo *memoryRepo) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(logger, NewService(repo, logger), authz.Middleware{})
}

func featureRequest(t *testing.T, method string, actor shared.Actor, tenantID uuid.UUID, code, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, "/tenants/"+tenantID.String()+"/features/"+code, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tenantID", tenantID.String())
	rctx.URLParams.Add("code", code)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = shared.ContextWithActor(ctx, actor)
	return req.WithContext(ctx)
}

func TestSetOverrideAcrossTenantsForbidden(t *testing.T) {
	repo := newMemoryRepo()
	repo.flags["bim_viewer"] = Flag{Code: "bim_viewer", DefaultEnabled: false}
	h := newTestHandler(repo)
	targetTenant := uuid.New()
	actor := shared.Actor{UserID: uuid.New(), TenantID: uuid.New()}

	rec := httptest.NewRecorder()
	h.setOverride(rec, featureRequest(t, http.MethodPut, actor, targetTenant, "bim_viewer", `{"enabled":true}`))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, repo.overrides)

	// Against the actor's own tenant the same request goes through.
	own := shared.Actor{UserID: actor.UserID, TenantID: targetTenant}
	rec = httptest.NewRecorder()
	h.setOverride(rec, featureRequest(t, http.MethodPut, own, targetTenant, "bim_viewer", `{"enabled":true}`))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, repo.overrides, 1)
}

func TestClearOverrideAcrossTenantsForbidden(t *testing.T) {
	repo := newMemoryRepo()
	repo.flags["bim_viewer"] = Flag{Code: "bim_viewer", DefaultEnabled: false}
	h := newTestHandler(repo)
	targetTenant := uuid.New()
	repo.overrides[overrideKey(targetTenant, "bim_viewer")] = TenantOverride{
		TenantID: targetTenant, Code: "bim_viewer", Enabled: true,
	}
	actor := shared.Actor{UserID: uuid.New(), TenantID: uuid.New()}

	rec := httptest.NewRecorder()
	h.clearOverride(rec, featureRequest(t, http.MethodDelete, actor, targetTenant, "bim_viewer", ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, repo.overrides, 1)
}
