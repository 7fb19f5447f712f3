package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

type ticketCreatorStub struct {
	err    error
	inputs []domain.CreateTicketInput
}

func (s *ticketCreatorStub) CreateTicket(ctx context.Context, input domain.CreateTicketInput) (*domain.Ticket, error) {
	s.inputs = append(s.inputs, input)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Ticket{ID: uuid.New(), DonationID: input.DonationID, Status: domain.StatusSubmitted}, nil
}

func TestHandleDonationPosted(t *testing.T) {
	donationID := uuid.New()
	valid := fmt.Sprintf(`{"donation_id":%q,"priority":"urgent"}`, donationID)

	tests := []struct {
		name        string
		body        string
		createErr   error
		wantAck     bool
		wantCreated int
	}{
		{name: "opens a ticket", body: valid, wantAck: true, wantCreated: 1},
		{name: "redelivery is acknowledged", body: valid, createErr: domain.ErrAlreadyExists, wantAck: true, wantCreated: 1},
		{name: "unknown donation is dropped", body: valid, createErr: domain.ErrNotFound, wantAck: true, wantCreated: 1},
		{name: "transient failure is requeued", body: valid, createErr: fmt.Errorf("%w: insert", domain.ErrStoreUnavailable), wantAck: false, wantCreated: 1},
		{name: "malformed json is dropped", body: `{"donation_id":`, wantAck: true},
		{name: "invalid donation id is dropped", body: `{"donation_id":"nope"}`, wantAck: true},
		{name: "invalid priority is dropped", body: fmt.Sprintf(`{"donation_id":%q,"priority":"whenever"}`, donationID), wantAck: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := &ticketCreatorStub{err: tt.createErr}
			consumer := NewDonationPostedConsumer(creator, zerolog.Nop())

			if got := consumer.HandleDonationPosted([]byte(tt.body)); got != tt.wantAck {
				t.Fatalf("expected ack=%v, got %v", tt.wantAck, got)
			}
			if len(creator.inputs) != tt.wantCreated {
				t.Fatalf("expected %d create calls, got %d", tt.wantCreated, len(creator.inputs))
			}
		})
	}
}

func TestHandleDonationPostedParsesOptionalFields(t *testing.T) {
	donationID := uuid.New()
	pickupID := uuid.New()
	creator := &ticketCreatorStub{}
	consumer := NewDonationPostedConsumer(creator, zerolog.Nop())

	body := fmt.Sprintf(`{"donation_id":%q,"priority":"Routine","pickup_location_id":%q,"dropoff_location_id":""}`, donationID, pickupID)
	if !consumer.HandleDonationPosted([]byte(body)) {
		t.Fatalf("expected ack")
	}

	input := creator.inputs[0]
	if input.DonationID != donationID {
		t.Fatalf("expected donation %s, got %s", donationID, input.DonationID)
	}
	if input.Priority == nil || *input.Priority != domain.PriorityRoutine {
		t.Fatalf("expected routine priority, got %v", input.Priority)
	}
	if input.PickupLocationID == nil || *input.PickupLocationID != pickupID {
		t.Fatalf("expected pickup location %s, got %v", pickupID, input.PickupLocationID)
	}
	if input.DropoffLocationID != nil {
		t.Fatalf("expected empty dropoff location to be ignored")
	}
}

func TestDonationPostedErrorsAreClassified(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", domain.ErrNotFound)
	if !errors.Is(wrapped, domain.ErrNotFound) {
		t.Fatalf("expected wrapped not found to be recognized")
	}
	creator := &ticketCreatorStub{err: wrapped}
	consumer := NewDonationPostedConsumer(creator, zerolog.Nop())
	if !consumer.HandleDonationPosted([]byte(fmt.Sprintf(`{"donation_id":%q}`, uuid.New()))) {
		t.Fatalf("expected wrapped not found to be acknowledged")
	}
}
