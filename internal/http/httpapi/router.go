package httpapi

import (
	"net/http"
	"time"

	"doodler/internal/http/handlers"
	"doodler/internal/infra"
	custommw "doodler/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the HTTP surface: submission, polling and health.
func NewRouter(app *handlers.App, cfg *infra.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(
		custommw.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		custommw.Logger(app.Logger),
		custommw.CORS(cfg.AllowedOrigins),
		custommw.RateLimit(cfg.RateLimitPerMin, time.Minute),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/", app.GenerateSubmit)
		r.Get("/", app.GeneratePoll)
	})

	return r
}
