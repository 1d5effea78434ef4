package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"scribe/internal/http/handlers"
	"scribe/internal/middleware"
)

func NewRouter(app *handlers.App, rateLimitPerMin int) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.UserID)
	r.Use(middleware.Logger(app.Logger))
	if rateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(rateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/styles", app.StylesList)
	r.Get("/v1/credits", app.CreditsGet)

	r.Route("/v1/batches", func(r chi.Router) {
		r.Post("/", app.BatchesCreate)
		r.Get("/{batch_id}", app.BatchesGet)
		r.Get("/{batch_id}/archive", app.BatchesArchive)
	})

	r.Post("/v1/renders", app.RendersCreate)

	return r
}
