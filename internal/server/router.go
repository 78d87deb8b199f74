package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sevigo/review-council/internal/server/handler"
)

// NewRouter creates and configures a new HTTP router with middleware and API routes.
func NewRouter(deps handler.Deps, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	reviews := handler.NewReviewHandler(deps, logger)
	runs := handler.NewRunHandler(deps, logger)
	events := handler.NewEventHandler(deps, logger)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream carries no request timeout; everything else does.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/reviews", reviews.Create)
			r.Get("/reviews/{id}", reviews.Get)
			r.Post("/reviews/{id}/analyze", reviews.Analyze)
			r.Get("/reviews/{id}/runs", reviews.ListRuns)
			r.Get("/reviews/{id}/suggestions", reviews.ListSuggestions)
			r.Get("/reviews/{id}/staleness", reviews.Staleness)
			r.Post("/reviews/{id}/submit", reviews.Submit)

			r.Get("/runs/{id}", runs.Get)
			r.Get("/runs/{id}/status", runs.Status)
			r.Get("/runs/{id}/children", runs.Children)
			r.Post("/runs/{id}/cancel", runs.Cancel)

			r.Post("/suggestions/{id}/adopt", reviews.AdoptSuggestion)
			r.Post("/suggestions/{id}/dismiss", reviews.DismissSuggestion)
		})

		r.Get("/runs/{id}/events", events.Stream)
	})

	return r
}
