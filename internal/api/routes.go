package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// setupRoutes builds the router: health and metrics stay open, webhooks
// authenticate by provider signature, everything else under /api goes
// through the API-key chain (csrf, auth, role, rate limit, content type).
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerAPIKey, headerCSRFToken},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handlers.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Webhook intake verifies provider signatures on the raw body;
		// an API key would add nothing the HMAC does not already prove.
		r.Post("/campaigns/events/webhook", s.handlers.handleWebhook)
		r.Post("/campaigns/events/webhook/{provider}", s.handlers.handleWebhook)

		r.Get("/csrf-token", s.issueCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(s.csrfGuard)
			r.Use(s.authenticate)
			r.Use(s.authorize)
			r.Use(s.rateLimit)
			r.Use(s.enforceJSON)

			r.Route("/campaigns", func(r chi.Router) {
				r.Route("/templates", func(r chi.Router) {
					r.Post("/", s.handlers.createTemplate)
					r.Get("/", s.handlers.listTemplates)
					r.Get("/{id}", s.handlers.getTemplate)
					r.Put("/{id}", s.handlers.updateTemplate)
					r.Post("/{id}/activate", s.handlers.activateTemplate)
					r.Post("/{id}/archive", s.handlers.archiveTemplate)
				})

				r.Route("/instances", func(r chi.Router) {
					r.Post("/", s.handlers.createInstance)
					r.Get("/", s.handlers.listInstances)
					r.Get("/{id}", s.handlers.getInstance)
					r.Post("/{id}/start", s.handlers.startInstance)
					r.Post("/{id}/pause", s.handlers.pauseInstance)
					r.Post("/{id}/resume", s.handlers.resumeInstance)
					r.Post("/{id}/complete", s.handlers.completeInstance)
					r.Post("/{id}/status", s.handlers.transitionInstance)
					r.Get("/{id}/metrics", s.handlers.instanceMetrics)
					r.Post("/{id}/enrollments", s.handlers.enroll)
					r.Post("/{id}/enrollments/bulk", s.handlers.bulkEnroll)
					r.Get("/{id}/enrollments", s.handlers.listEnrollments)
				})

				r.Route("/enrollments", func(r chi.Router) {
					r.Get("/{id}", s.handlers.getEnrollment)
					r.Post("/{id}/pause", s.handlers.pauseEnrollment)
					r.Post("/{id}/resume", s.handlers.resumeEnrollment)
					r.Post("/{id}/unsubscribe", s.handlers.unsubscribeEnrollment)
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Route("/dlq", func(r chi.Router) {
					r.Get("/", s.handlers.listDeadLetters)
					r.Get("/stats", s.handlers.deadLetterStats)
					r.Post("/replay-all", s.handlers.replayAllDeadLetters)
					r.Get("/{id}", s.handlers.getDeadLetter)
					r.Post("/{id}/replay", s.handlers.replayDeadLetter)
					r.Post("/{id}/ignore", s.handlers.ignoreDeadLetter)
				})
				r.Get("/providers", s.handlers.providerStatus)
				r.Get("/workers", s.handlers.workerStatus)
				r.Route("/keys", func(r chi.Router) {
					r.Post("/", s.createAPIKey)
					r.Get("/", s.listAPIKeys)
					r.Post("/{id}/revoke", s.revokeAPIKey)
				})
			})
		})
	})

	return r
}
