/**
 * @description
 * This file sets up the HTTP router for the ticket-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware for authentication, role gating, logging, panic recovery and timeouts.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates and returns the router for the ticket-service.
func NewRouter(h *TicketHandlers, cfg RouterConfig, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.With().Str("component", "http").Logger()))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		r.Get("/tickets/{id}", h.GetTicketHandler)

		r.Route("/partners", func(r chi.Router) {
			r.Use(RequireRole(domain.RolePartner))
			r.Get("/donations/available", h.PartnerAvailableHandler())
			r.Get("/donations/claimed", h.PartnerClaimedHandler())
			r.Post("/donations/{id}/claim", h.ClaimDonationHandler)
			r.Post("/tickets/{id}/confirm", h.ConfirmDeliveryHandler)
		})

		r.Route("/volunteer", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleVolunteer))
			r.Get("/pickups/available", h.VolunteerPickupsHandler())
			r.Get("/tickets/available", h.VolunteerAvailableHandler())
			r.Get("/tickets/active", h.VolunteerActiveHandler())
			r.Get("/tickets/history", h.VolunteerHistoryHandler())
			r.Post("/tickets/{id}/claim", h.ClaimTicketHandler)
			r.Post("/tickets/{id}/status", h.UpdateStatusHandler)
		})
	})

	// Server-to-server calls from the donor flow and operators.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/tickets", h.CreateTicketHandler)
		r.Post("/tickets/{id}/acknowledge", h.AcknowledgeDeliveryHandler)
		r.Post("/tickets/{id}/cancel", h.CancelTicketHandler)
	})

	return r
}
