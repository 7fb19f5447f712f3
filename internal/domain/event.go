package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the notification exchange.
const (
	EventTicketCreated       = "ticket.created"
	EventTicketClaimed       = "ticket.claimed"
	EventTicketStatusChanged = "ticket.status_changed"
)

// Routing key consumed from the donation exchange.
const EventDonationPosted = "donation.posted"

// TicketEvent is the payload written to the outbox for every ticket mutation.
type TicketEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	TicketID   uuid.UUID `json:"ticket_id"`
	DonationID uuid.UUID `json:"donation_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	ActorID    uuid.UUID `json:"actor_id"`
	ActorRole  Role      `json:"actor_role"`
	Version    int64     `json:"version"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTicketEvent builds the event describing the move of ticket from `from`.
func NewTicketEvent(eventType string, ticket *Ticket, from Status, actor Actor, occurredAt time.Time) TicketEvent {
	return TicketEvent{
		EventID:    uuid.New(),
		EventType:  eventType,
		TicketID:   ticket.ID,
		DonationID: ticket.DonationID,
		FromStatus: from,
		ToStatus:   ticket.Status,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Version:    ticket.Version,
		OccurredAt: occurredAt.UTC(),
	}
}

// DonationPostedEvent is emitted by the donor flow once a donation is stored.
type DonationPostedEvent struct {
	DonationID        string  `json:"donation_id"`
	Priority          *string `json:"priority,omitempty"`
	PickupLocationID  *string `json:"pickup_location_id,omitempty"`
	DropoffLocationID *string `json:"dropoff_location_id,omitempty"`
}

// CreateTicketInput validates the event and converts it into a creation request.
func (e DonationPostedEvent) CreateTicketInput() (CreateTicketInput, error) {
	donationID, err := uuid.Parse(strings.TrimSpace(e.DonationID))
	if err != nil {
		return CreateTicketInput{}, fmt.Errorf("%w: donation_id %q", ErrInvalidInput, e.DonationID)
	}
	input := CreateTicketInput{DonationID: donationID}

	if e.Priority != nil && strings.TrimSpace(*e.Priority) != "" {
		priority, err := ParsePriority(*e.Priority)
		if err != nil {
			return CreateTicketInput{}, err
		}
		input.Priority = &priority
	}
	if input.PickupLocationID, err = parseOptionalUUID("pickup_location_id", e.PickupLocationID); err != nil {
		return CreateTicketInput{}, err
	}
	if input.DropoffLocationID, err = parseOptionalUUID("dropoff_location_id", e.DropoffLocationID); err != nil {
		return CreateTicketInput{}, err
	}
	return input, nil
}

func parseOptionalUUID(field string, raw *string) (*uuid.UUID, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidInput, field, *raw)
	}
	return &id, nil
}
