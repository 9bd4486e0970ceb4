/**
 * @description
 * HTTP router for the application-service: checkout, student self-service and
 * moderator endpoints behind JWT authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: browser origin policy.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the service router.
func NewRouter(h *Handlers, verifier TokenVerifier, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(verifier))

		r.Post("/checkout/intent", h.CreateIntentHandler)
		r.Post("/checkout/confirm", h.ConfirmCheckoutHandler)

		r.Get("/applications/mine", h.ListMyApplicationsHandler)
		r.Get("/applications", h.ListApplicationsHandler)
		r.Get("/applications/{id}", h.GetApplicationHandler)
		r.Patch("/applications/{id}", h.UpdateApplicantFieldsHandler)
		r.Delete("/applications/{id}", h.DeleteApplicationHandler)
		r.Put("/applications/{id}/status", h.UpdateStatusHandler)
		r.Put("/applications/{id}/feedback", h.SetFeedbackHandler)

		r.Route("/moderation/staged", func(r chi.Router) {
			r.Get("/", h.GetStagedHandler)
			r.Delete("/", h.ClearStagedHandler)
			r.Post("/commit", h.CommitStagedHandler)
			r.Put("/{id}", h.StageHandler)
			r.Delete("/{id}", h.UnstageHandler)
		})
	})

	return r
}
