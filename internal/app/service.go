/**
 * @description
 * This file contains the core business logic of the ticket-service: ticket creation,
 * the claim coordinator, status updates and the listing surface.
 *
 * @notes
 * - Every guard runs inside the store transaction; the service composes the calls,
 *   applies rate limiting and computes urgency on the way out.
 * - Claim conflicts are returned to the caller as-is and never retried here.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/helphut/ticket-service/internal/store"
	"github.com/rs/zerolog"
)

// ClaimRateLimiter spends one claim from an actor's budget.
type ClaimRateLimiter interface {
	AllowClaim(ctx context.Context, actor domain.Actor) (ClaimDecision, error)
}

// RateLimitError is returned when an actor exceeds its claim budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "too many claim attempts; retry in " + strconv.Itoa(e.RetryAfterSeconds) + "s"
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrRateLimited
}

// Service provides ticket lifecycle operations.
type Service struct {
	repo         store.Repository
	logger       zerolog.Logger
	now          func() time.Time
	claimLimiter ClaimRateLimiter
}

// NewService creates a new Service.
func NewService(repo store.Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "ticket_service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClaimRateLimiter enables per-actor claim rate limiting. A nil limiter disables it.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter) {
	s.claimLimiter = limiter
}

// CreateTicket opens the single ticket of a posted donation.
func (s *Service) CreateTicket(ctx context.Context, input domain.CreateTicketInput) (*domain.Ticket, error) {
	if input.DonationID == uuid.Nil {
		return nil, fmt.Errorf("%w: donation_id is required", domain.ErrInvalidInput)
	}
	now := s.now()

	donation, err := s.repo.FindDonationByID(ctx, input.DonationID)
	if err != nil {
		return nil, s.logFailure(err, "find donation", input.DonationID)
	}

	priority := domain.DefaultPriority(domain.ClassifyUrgency(donation.PickupWindow.End, now))
	if input.Priority != nil {
		priority = *input.Priority
	}

	ticket, err := s.repo.CreateTicket(ctx, store.CreateTicketParams{
		DonationID:        input.DonationID,
		Priority:          priority,
		PickupLocationID:  input.PickupLocationID,
		DropoffLocationID: input.DropoffLocationID,
		Actor:             domain.SystemActor(),
		Now:               now,
	})
	if err != nil {
		return nil, s.logFailure(err, "create ticket", input.DonationID)
	}

	s.logger.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("donation_id", ticket.DonationID.String()).
		Str("priority", string(ticket.Priority)).
		Msg("ticket created")
	return s.annotate(ticket, now), nil
}

// GetTicket returns one ticket with its donation and current urgency. A ticket
// the actor may not see is reported as not found.
func (s *Service) GetTicket(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error) {
	ticket, err := s.repo.FindTicketByID(ctx, ticketID)
	if err != nil {
		return nil, s.logFailure(err, "get ticket", ticketID)
	}
	if !domain.CanView(ticket, actor) {
		return nil, fmt.Errorf("%w: ticket %s", domain.ErrNotFound, ticketID)
	}
	return s.annotate(ticket, s.now()), nil
}

// ClaimTicket binds the actor to the ticket. Exactly one concurrent claimant per
// assignee field wins; the rest receive domain.ErrConflict.
func (s *Service) ClaimTicket(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error) {
	if !actor.Role.CanClaim() {
		return nil, fmt.Errorf("%w: role %q cannot claim tickets", domain.ErrForbidden, actor.Role)
	}
	if err := s.enforceClaimRateLimit(ctx, actor); err != nil {
		return nil, err
	}

	now := s.now()
	ticket, err := s.repo.ClaimTicket(ctx, store.ClaimTicketParams{TicketID: ticketID, Actor: actor, Now: now})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Info().
				Str("ticket_id", ticketID.String()).
				Str("actor_id", actor.ID.String()).
				Str("role", string(actor.Role)).
				Msg("claim lost")
			return nil, err
		}
		return nil, s.logFailure(err, "claim ticket", ticketID)
	}

	s.logger.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("actor_id", actor.ID.String()).
		Str("role", string(actor.Role)).
		Int64("version", ticket.Version).
		Msg("claim won")
	return s.annotate(ticket, now), nil
}

// ClaimDonation resolves the ticket behind a donation and claims it.
func (s *Service) ClaimDonation(ctx context.Context, donationID uuid.UUID, actor domain.Actor) (*domain.Ticket, error) {
	ticket, err := s.repo.FindTicketByDonationID(ctx, donationID)
	if err != nil {
		return nil, s.logFailure(err, "find ticket by donation", donationID)
	}
	return s.ClaimTicket(ctx, ticket.ID, actor)
}

// UpdateStatus moves a ticket along the state machine on behalf of actor.
func (s *Service) UpdateStatus(ctx context.Context, ticketID uuid.UUID, actor domain.Actor, requested domain.Status) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, actor, requested, "")
}

// ConfirmDelivery completes a delivered ticket on behalf of its partner.
func (s *Service) ConfirmDelivery(ctx context.Context, ticketID uuid.UUID, actor domain.Actor) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, actor, domain.StatusCompleted, "")
}

// AcknowledgeDelivery completes a delivered ticket when the partner
// acknowledges receipt through an out-of-band channel.
func (s *Service) AcknowledgeDelivery(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, domain.SystemActor(), domain.StatusCompleted, "partner acknowledgment")
}

// CancelTicket moves any non-terminal ticket to Cancelled.
func (s *Service) CancelTicket(ctx context.Context, ticketID uuid.UUID, reason string) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, domain.SystemActor(), domain.StatusCancelled, reason)
}

func (s *Service) transition(ctx context.Context, ticketID uuid.UUID, actor domain.Actor, requested domain.Status, reason string) (*domain.Ticket, error) {
	now := s.now()
	ticket, err := s.repo.TransitionTicket(ctx, store.TransitionTicketParams{
		TicketID: ticketID,
		Actor:    actor,
		To:       requested,
		Reason:   reason,
		Now:      now,
	})
	if err != nil {
		return nil, s.logFailure(err, "transition ticket", ticketID)
	}

	s.logger.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("status", string(ticket.Status)).
		Str("actor_id", actor.ID.String()).
		Str("role", string(actor.Role)).
		Msg("ticket status changed")
	return s.annotate(ticket, now), nil
}

// ListAvailable returns tickets the actor's role can still claim, most urgent first.
func (s *Service) ListAvailable(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error) {
	if !actor.Role.CanClaim() {
		return nil, fmt.Errorf("%w: role %q has no available tickets", domain.ErrForbidden, actor.Role)
	}
	tickets, err := s.repo.ListAvailableTickets(ctx, actor.Role, filter.Normalized())
	if err != nil {
		return nil, s.logFailure(err, "list available tickets", actor.ID)
	}
	tickets = s.annotateAll(tickets, s.now())
	sortByUrgency(tickets)
	return tickets, nil
}

// ListClaimed returns every ticket the actor is assigned to, newest activity first.
func (s *Service) ListClaimed(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error) {
	return s.listAssigned(ctx, actor, store.ScopeAll, filter)
}

// ListActive returns the actor's tickets that have not reached a terminal state.
func (s *Service) ListActive(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error) {
	return s.listAssigned(ctx, actor, store.ScopeActive, filter)
}

// ListHistory returns the actor's completed and cancelled tickets.
func (s *Service) ListHistory(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Ticket, error) {
	return s.listAssigned(ctx, actor, store.ScopeHistory, filter)
}

func (s *Service) listAssigned(ctx context.Context, actor domain.Actor, scope store.AssignmentScope, filter domain.ListFilter) ([]domain.Ticket, error) {
	if !actor.Role.CanClaim() {
		return nil, fmt.Errorf("%w: role %q has no assigned tickets", domain.ErrForbidden, actor.Role)
	}
	tickets, err := s.repo.ListAssignedTickets(ctx, actor, scope, filter.Normalized())
	if err != nil {
		return nil, s.logFailure(err, "list assigned tickets", actor.ID)
	}
	return s.annotateAll(tickets, s.now()), nil
}

func (s *Service) enforceClaimRateLimit(ctx context.Context, actor domain.Actor) error {
	if s.claimLimiter == nil {
		return nil
	}
	decision, err := s.claimLimiter.AllowClaim(ctx, actor)
	if err != nil {
		s.logger.Warn().Err(err).Str("actor_id", actor.ID.String()).Msg("claim rate limiter unavailable; allowing claim")
		return nil
	}
	if !decision.Allowed {
		return &RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds}
	}
	return nil
}

func (s *Service) annotate(ticket *domain.Ticket, now time.Time) *domain.Ticket {
	if ticket.Donation != nil {
		ticket.Urgency = domain.ClassifyUrgency(ticket.Donation.PickupWindow.End, now)
	}
	return ticket
}

func (s *Service) annotateAll(tickets []domain.Ticket, now time.Time) []domain.Ticket {
	for i := range tickets {
		s.annotate(&tickets[i], now)
	}
	return tickets
}

// sortByUrgency orders high urgency first, then by pickup window end.
func sortByUrgency(tickets []domain.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		ri, rj := tickets[i].Urgency.Rank(), tickets[j].Urgency.Rank()
		if ri != rj {
			return ri < rj
		}
		return windowEnd(tickets[i]).Before(windowEnd(tickets[j]))
	})
}

func windowEnd(ticket domain.Ticket) time.Time {
	if ticket.Donation == nil {
		return time.Time{}
	}
	return ticket.Donation.PickupWindow.End
}

// logFailure logs store outages and passes every error through unchanged.
func (s *Service) logFailure(err error, op string, id uuid.UUID) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		s.logger.Error().Err(err).Str("op", op).Str("id", id.String()).Msg("store failure")
	}
	return err
}
