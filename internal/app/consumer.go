package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

const donationEventTimeout = 15 * time.Second

// TicketCreator is the part of Service the donation consumer needs.
type TicketCreator interface {
	CreateTicket(ctx context.Context, input domain.CreateTicketInput) (*domain.Ticket, error)
}

// DonationPostedConsumer opens tickets for donations announced on the bus.
type DonationPostedConsumer struct {
	creator TicketCreator
	logger  zerolog.Logger
}

func NewDonationPostedConsumer(creator TicketCreator, logger zerolog.Logger) *DonationPostedConsumer {
	return &DonationPostedConsumer{
		creator: creator,
		logger:  logger.With().Str("component", "donation_consumer").Logger(),
	}
}

// HandleDonationPosted returns true when the delivery should be acknowledged.
// Redeliveries of an already ticketed donation and poison messages are acked;
// only transient failures ask for a requeue.
func (c *DonationPostedConsumer) HandleDonationPosted(body []byte) bool {
	var event domain.DonationPostedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed donation.posted payload")
		return true
	}

	input, err := event.CreateTicketInput()
	if err != nil {
		c.logger.Error().Err(err).Str("donation_id", event.DonationID).Msg("dropping invalid donation.posted payload")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), donationEventTimeout)
	defer cancel()

	ticket, err := c.creator.CreateTicket(ctx, input)
	switch {
	case err == nil:
		c.logger.Info().Str("donation_id", input.DonationID.String()).Str("ticket_id", ticket.ID.String()).Msg("ticket opened from donation event")
		return true
	case errors.Is(err, domain.ErrAlreadyExists):
		c.logger.Info().Str("donation_id", input.DonationID.String()).Msg("donation already has a ticket; acknowledging redelivery")
		return true
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
		c.logger.Error().Err(err).Str("donation_id", input.DonationID.String()).Msg("dropping donation event")
		return true
	default:
		c.logger.Error().Err(err).Str("donation_id", input.DonationID.String()).Msg("failed to open ticket; requeueing")
		return false
	}
}
