/**
 * @description
 * This file contains the HTTP handlers for the ticket-service. Handlers decode the
 * request, pull the authenticated actor from the context, call the service layer and
 * encode the result.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app: the ticket service.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

const maxRequestBodyBytes = 1 << 20

// TicketService is the part of app.Service the handlers call.
type TicketService interface {
	CreateTicket(ctx context.Context, input domain.CreateTicketInput) (*domain.Ticket, error)
	GetTicket(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error)
	ClaimTicket(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error)
	ClaimDonation(ctx context.Context, donationID uuid.UUID, actor domain.Actor) (*domain.Ticket, error)
	UpdateStatus(ctx context.Context, ticketID uuid.UUID, actor domain.Actor, requested domain.Status) (*domain.Ticket, error)
	ConfirmDelivery(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error)
	AcknowledgeDelivery(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error)
	CancelTicket(ctx context.Context, ticketID uuid.UUID, reason string) (*domain.Ticket, error)
	ListAvailable(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error)
	ListClaimed(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error)
	ListActive(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error)
	ListHistory(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error)
}

// TicketHandlers holds the dependencies for the ticket handlers.
type TicketHandlers struct {
	service TicketService
	logger  zerolog.Logger
}

// NewTicketHandlers creates a new TicketHandlers.
func NewTicketHandlers(service TicketService, logger zerolog.Logger) *TicketHandlers {
	return &TicketHandlers{
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

type listFunc func(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error)

// listHandler serves a listing under the given envelope key.
func (h *TicketHandlers) listHandler(key string, list listFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		filter, err := listFilterFromQuery(r)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		tickets, err := list(r.Context(), actor, filter)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]domain.Ticket{key: ticketList(tickets)})
	}
}

// PartnerAvailableHandler handles GET /partners/donations/available.
func (h *TicketHandlers) PartnerAvailableHandler() http.HandlerFunc {
	return h.listHandler("donations", h.service.ListAvailable)
}

// PartnerClaimedHandler handles GET /partners/donations/claimed.
func (h *TicketHandlers) PartnerClaimedHandler() http.HandlerFunc {
	return h.listHandler("donations", h.service.ListClaimed)
}

// VolunteerPickupsHandler handles GET /volunteer/pickups/available.
func (h *TicketHandlers) VolunteerPickupsHandler() http.HandlerFunc {
	return h.listHandler("pickups", h.service.ListAvailable)
}

// VolunteerAvailableHandler handles GET /volunteer/tickets/available.
func (h *TicketHandlers) VolunteerAvailableHandler() http.HandlerFunc {
	return h.listHandler("tickets", h.service.ListAvailable)
}

// VolunteerActiveHandler handles GET /volunteer/tickets/active.
func (h *TicketHandlers) VolunteerActiveHandler() http.HandlerFunc {
	return h.listHandler("tickets", h.service.ListActive)
}

// VolunteerHistoryHandler handles GET /volunteer/tickets/history.
func (h *TicketHandlers) VolunteerHistoryHandler() http.HandlerFunc {
	return h.listHandler("history", h.service.ListHistory)
}

// ClaimDonationHandler handles POST /partners/donations/{id}/claim.
func (h *TicketHandlers) ClaimDonationHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	donationID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.ClaimDonation(r.Context(), donationID, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: "Donation claimed successfully"})
}

// ClaimTicketHandler handles POST /volunteer/tickets/{id}/claim.
func (h *TicketHandlers) ClaimTicketHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.ClaimTicket(r.Context(), ticketID, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: "Ticket claimed successfully"})
}

// UpdateStatusHandler handles POST /volunteer/tickets/{id}/status.
func (h *TicketHandlers) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req UpdateStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.UpdateStatus(r.Context(), ticketID, actor, status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: fmt.Sprintf("Ticket status updated to %s", ticket.Status)})
}

// ConfirmDeliveryHandler handles POST /partners/tickets/{id}/confirm.
func (h *TicketHandlers) ConfirmDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.ConfirmDelivery(r.Context(), ticketID, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: "Delivery confirmed"})
}

// GetTicketHandler handles GET /tickets/{id}.
func (h *TicketHandlers) GetTicketHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ticket, err := h.service.GetTicket(r.Context(), ticketID, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket})
}

// CreateTicketHandler handles POST /internal/tickets. The body has the shape of
// the donation.posted event.
func (h *TicketHandlers) CreateTicketHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.DonationPostedEvent
	if err := decodeBody(w, r, &event); err != nil {
		writeError(w, h.logger, err)
		return
	}
	input, err := event.CreateTicketInput()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.CreateTicket(r.Context(), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, TicketResponse{Ticket: ticket})
}

// AcknowledgeDeliveryHandler handles POST /internal/tickets/{id}/acknowledge.
func (h *TicketHandlers) AcknowledgeDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	ticket, err := h.service.AcknowledgeDelivery(r.Context(), ticketID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: "Delivery acknowledged"})
}

// CancelTicketHandler handles POST /internal/tickets/{id}/cancel. The body is optional.
func (h *TicketHandlers) CancelTicketHandler(w http.ResponseWriter, r *http.Request) {
	ticketID, err := parseIDParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req CancelTicketRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	ticket, err := h.service.CancelTicket(r.Context(), ticketID, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Message: "Ticket cancelled"})
}

func (h *TicketHandlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Authentication required")
		return domain.Actor{}, false
	}
	return actor, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// decodeOptionalBody is decodeBody for endpoints where an empty body, sized or
// chunked, leaves dst at its zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":{"type":"INTERNAL_ERROR","message":"Failed to encode response"}}`, http.StatusInternalServerError)
	}
}
