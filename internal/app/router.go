package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kubiknyc/supersitehero/internal/authz"
	"github.com/kubiknyc/supersitehero/internal/features"
	"github.com/kubiknyc/supersitehero/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthzHandler    *authz.Handler
	FeaturesHandler *features.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with SiteHero defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(api)
		}
		if params.FeaturesHandler != nil {
			params.FeaturesHandler.MountRoutes(api)
		}
	})

	return r
}
