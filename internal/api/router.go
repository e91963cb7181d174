package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/genpipe/internal/api/middleware"
	"github.com/phrazzld/genpipe/internal/api/shared"
	"github.com/phrazzld/genpipe/internal/service"
	"github.com/phrazzld/genpipe/internal/service/auth"
)

// RouterConfig holds the dependencies of NewRouter.
type RouterConfig struct {
	Service service.GenerationService
	JWT     auth.JWTService
	// Assets serves /assets/*; nil leaves the route unmounted.
	Assets http.Handler
	// Ping reports dependency health for /health; nil always reports ok.
	Ping   func(ctx context.Context) error
	Logger *slog.Logger
}

// NewRouter builds the HTTP routes of the service.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewTraceMiddleware(cfg.Logger))

	generations := NewGenerationHandler(cfg.Service, cfg.Logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Post("/generations", generations.Submit)
		r.Get("/generations/{id}", generations.Get)
		r.Post("/generations/{id}/cancel", generations.Cancel)
		r.Get("/credits", generations.Balance)
	})

	if cfg.Assets != nil {
		r.Handle("/assets/*", http.StripPrefix("/assets", cfg.Assets))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Ping(ctx); err != nil {
				shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "unavailable", err)
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
	})

	return r
}
