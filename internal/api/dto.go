package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
)

// UpdateStatusRequest is the body of POST /volunteer/tickets/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CancelTicketRequest is the body of POST /internal/tickets/{id}/cancel.
type CancelTicketRequest struct {
	Reason string `json:"reason"`
}

// TicketResponse wraps a single ticket, with an optional human readable message.
type TicketResponse struct {
	Ticket  *domain.Ticket `json:"ticket"`
	Message string         `json:"message,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// listFilterFromQuery reads limit, offset, priority and food_type_id.
func listFilterFromQuery(r *http.Request) (domain.ListFilter, error) {
	query := r.URL.Query()
	var filter domain.ListFilter

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("%w: offset must be a non-negative integer", domain.ErrInvalidInput)
		}
		filter.Offset = offset
	}
	if raw := strings.TrimSpace(query.Get("priority")); raw != "" {
		priority, err := domain.ParsePriority(raw)
		if err != nil {
			return filter, err
		}
		filter.Priority = &priority
	}
	if raw := strings.TrimSpace(query.Get("food_type_id")); raw != "" {
		foodTypeID, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("%w: food_type_id must be a UUID", domain.ErrInvalidInput)
		}
		filter.FoodTypeID = &foodTypeID
	}
	return filter, nil
}

func parseIDParam(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidInput, raw)
	}
	return id, nil
}

// ticketList keeps empty listings encoded as [] rather than null.
func ticketList(tickets []domain.Ticket) []domain.Ticket {
	if tickets == nil {
		return []domain.Ticket{}
	}
	return tickets
}
