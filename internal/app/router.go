package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/forge-mes/forge-mes/internal/issuance"
	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/subcontract"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger               *slog.Logger
	Config               *Config
	PlanningHandler      *planning.Handler
	ManufacturingHandler *manufacturing.Handler
	IssuanceHandler      *issuance.Handler
	SubcontractHandler   *subcontract.Handler
	Metrics              *observability.Metrics
}

// NewRouter constructs the chi.Router with the default middleware chain.
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
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		params.PlanningHandler.MountRoutes(r)
		params.ManufacturingHandler.MountRoutes(r)
		params.IssuanceHandler.MountRoutes(r)
		params.SubcontractHandler.MountRoutes(r)
	})

	return r
}
