package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/helphut/ticket-service/internal/store"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type ticketRepoStub struct {
	store.Repository

	donation      *domain.Donation
	donationErr   error
	ticket        *domain.Ticket
	ticketErr     error
	available     []domain.Ticket
	assigned      []domain.Ticket
	claimErr      error
	transitionErr error

	createParams     *store.CreateTicketParams
	claimParams      *store.ClaimTicketParams
	transitionParams *store.TransitionTicketParams
	availableRole    domain.Role
	availableFilter  domain.ListFilter
	assignedScope    store.AssignmentScope
	claimCalls       int
}

func (s *ticketRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	if s.donationErr != nil {
		return nil, s.donationErr
	}
	return s.donation, nil
}

func (s *ticketRepoStub) CreateTicket(ctx context.Context, params store.CreateTicketParams) (*domain.Ticket, error) {
	s.createParams = &params
	if s.ticketErr != nil {
		return nil, s.ticketErr
	}
	return &domain.Ticket{
		ID:         uuid.New(),
		DonationID: params.DonationID,
		Status:     domain.StatusSubmitted,
		Priority:   params.Priority,
		Version:    1,
		Donation:   s.donation,
	}, nil
}

func (s *ticketRepoStub) FindTicketByID(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	if s.ticketErr != nil {
		return nil, s.ticketErr
	}
	return s.ticket, nil
}

func (s *ticketRepoStub) FindTicketByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Ticket, error) {
	if s.ticketErr != nil {
		return nil, s.ticketErr
	}
	return s.ticket, nil
}

func (s *ticketRepoStub) ClaimTicket(ctx context.Context, params store.ClaimTicketParams) (*domain.Ticket, error) {
	s.claimCalls++
	s.claimParams = &params
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	claimed := *s.ticket
	domain.ApplyClaim(&claimed, params.Actor)
	claimed.Version++
	return &claimed, nil
}

func (s *ticketRepoStub) TransitionTicket(ctx context.Context, params store.TransitionTicketParams) (*domain.Ticket, error) {
	s.transitionParams = &params
	if s.transitionErr != nil {
		return nil, s.transitionErr
	}
	next := *s.ticket
	next.Status = params.To
	next.Version++
	return &next, nil
}

func (s *ticketRepoStub) ListAvailableTickets(ctx context.Context, role domain.Role, filter domain.ListFilter) ([]domain.Ticket, error) {
	s.availableRole = role
	s.availableFilter = filter
	return s.available, nil
}

func (s *ticketRepoStub) ListAssignedTickets(ctx context.Context, actor domain.Actor, scope store.AssignmentScope, filter domain.ListFilter) ([]domain.Ticket, error) {
	s.assignedScope = scope
	return s.assigned, nil
}

type claimLimiterStub struct {
	decision ClaimDecision
	err      error
	actors   []domain.Actor
}

func (l *claimLimiterStub) AllowClaim(ctx context.Context, actor domain.Actor) (ClaimDecision, error) {
	l.actors = append(l.actors, actor)
	return l.decision, l.err
}

func newTestService(repo store.Repository) *Service {
	svc := NewService(repo, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func donationEnding(in time.Duration) *domain.Donation {
	return &domain.Donation{
		ID:           uuid.New(),
		PickupWindow: domain.PickupWindow{Start: testNow.Add(-time.Hour), End: testNow.Add(in)},
	}
}

func TestCreateTicketDerivesPriorityFromUrgency(t *testing.T) {
	routine := domain.PriorityRoutine
	tests := []struct {
		name     string
		window   time.Duration
		explicit *domain.Priority
		want     domain.Priority
	}{
		{name: "closing within four hours is urgent", window: 3 * time.Hour, want: domain.PriorityUrgent},
		{name: "four hour boundary is urgent", window: 4 * time.Hour, want: domain.PriorityUrgent},
		{name: "medium urgency is routine", window: 10 * time.Hour, want: domain.PriorityRoutine},
		{name: "explicit priority wins", window: time.Hour, explicit: &routine, want: domain.PriorityRoutine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &ticketRepoStub{donation: donationEnding(tt.window)}
			svc := newTestService(repo)

			ticket, err := svc.CreateTicket(context.Background(), domain.CreateTicketInput{DonationID: repo.donation.ID, Priority: tt.explicit})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ticket.Priority != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, ticket.Priority)
			}
			if repo.createParams.Actor.Role != domain.RoleSystem {
				t.Fatalf("expected creation to be attributed to the system, got %s", repo.createParams.Actor.Role)
			}
			if ticket.Urgency == "" {
				t.Fatalf("expected urgency to be computed on the returned ticket")
			}
		})
	}
}

func TestCreateTicketValidatesInput(t *testing.T) {
	repo := &ticketRepoStub{donationErr: domain.ErrNotFound}
	svc := newTestService(repo)

	if _, err := svc.CreateTicket(context.Background(), domain.CreateTicketInput{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateTicket(context.Background(), domain.CreateTicketInput{DonationID: uuid.New()}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if repo.createParams != nil {
		t.Fatalf("expected no insert for a missing donation")
	}
}

func TestClaimTicketRejectsRolesWithoutClaimCapability(t *testing.T) {
	repo := &ticketRepoStub{ticket: &domain.Ticket{ID: uuid.New(), Status: domain.StatusSubmitted}}
	svc := newTestService(repo)

	for _, role := range []domain.Role{domain.RoleDonor, domain.RoleSystem} {
		_, err := svc.ClaimTicket(context.Background(), repo.ticket.ID, domain.Actor{ID: uuid.New(), Role: role})
		if !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected ErrForbidden for %s, got %v", role, err)
		}
	}
	if repo.claimCalls != 0 {
		t.Fatalf("expected store not to be called, got %d calls", repo.claimCalls)
	}
}

func TestClaimTicketPassesConflictThrough(t *testing.T) {
	repo := &ticketRepoStub{
		ticket:   &domain.Ticket{ID: uuid.New(), Status: domain.StatusScheduled},
		claimErr: domain.ErrConflict,
	}
	svc := newTestService(repo)

	_, err := svc.ClaimTicket(context.Background(), repo.ticket.ID, domain.Actor{ID: uuid.New(), Role: domain.RoleVolunteer})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if repo.claimCalls != 1 {
		t.Fatalf("expected exactly one claim attempt, got %d", repo.claimCalls)
	}
}

func TestClaimTicketRateLimit(t *testing.T) {
	actor := domain.Actor{ID: uuid.New(), Role: domain.RolePartner}

	t.Run("over the limit is rejected before the store", func(t *testing.T) {
		repo := &ticketRepoStub{ticket: &domain.Ticket{ID: uuid.New(), Status: domain.StatusSubmitted}}
		limiter := &claimLimiterStub{decision: ClaimDecision{RetryAfterSeconds: 42}}
		svc := newTestService(repo)
		svc.SetClaimRateLimiter(limiter)

		_, err := svc.ClaimTicket(context.Background(), repo.ticket.ID, actor)
		if !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
		var rateErr *RateLimitError
		if !errors.As(err, &rateErr) || rateErr.RetryAfterSeconds != 42 {
			t.Fatalf("expected retry after 42s, got %v", err)
		}
		if repo.claimCalls != 0 {
			t.Fatalf("expected store not to be called")
		}
		if len(limiter.actors) != 1 || limiter.actors[0] != actor {
			t.Fatalf("expected limiter to be asked about the claimant, got %v", limiter.actors)
		}
	})

	t.Run("limiter failure fails open", func(t *testing.T) {
		repo := &ticketRepoStub{ticket: &domain.Ticket{ID: uuid.New(), Status: domain.StatusSubmitted}}
		svc := newTestService(repo)
		svc.SetClaimRateLimiter(&claimLimiterStub{err: errors.New("redis down")})

		ticket, err := svc.ClaimTicket(context.Background(), repo.ticket.ID, actor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ticket.PartnerOrgID == nil || *ticket.PartnerOrgID != actor.ID {
			t.Fatalf("expected partner to be bound")
		}
	})
}

func TestClaimDonationResolvesTicket(t *testing.T) {
	ticket := &domain.Ticket{ID: uuid.New(), DonationID: uuid.New(), Status: domain.StatusSubmitted}
	repo := &ticketRepoStub{ticket: ticket}
	svc := newTestService(repo)

	claimed, err := svc.ClaimDonation(context.Background(), ticket.DonationID, domain.Actor{ID: uuid.New(), Role: domain.RolePartner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.claimParams.TicketID != ticket.ID {
		t.Fatalf("expected claim on ticket %s, got %s", ticket.ID, repo.claimParams.TicketID)
	}
	if claimed.Status != domain.StatusScheduled {
		t.Fatalf("expected Scheduled, got %s", claimed.Status)
	}

	repo.ticketErr = domain.ErrNotFound
	if _, err := svc.ClaimDonation(context.Background(), uuid.New(), domain.Actor{ID: uuid.New(), Role: domain.RolePartner}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSystemTransitionsUseSystemActor(t *testing.T) {
	repo := &ticketRepoStub{ticket: &domain.Ticket{ID: uuid.New(), Status: domain.StatusDelivered}}
	svc := newTestService(repo)

	if _, err := svc.CancelTicket(context.Background(), repo.ticket.ID, "donor withdrew"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if repo.transitionParams.Actor.Role != domain.RoleSystem || repo.transitionParams.To != domain.StatusCancelled {
		t.Fatalf("unexpected cancel params: %+v", repo.transitionParams)
	}
	if repo.transitionParams.Reason != "donor withdrew" {
		t.Fatalf("expected reason to be forwarded, got %q", repo.transitionParams.Reason)
	}

	if _, err := svc.AcknowledgeDelivery(context.Background(), repo.ticket.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if repo.transitionParams.Actor.Role != domain.RoleSystem || repo.transitionParams.To != domain.StatusCompleted {
		t.Fatalf("unexpected acknowledge params: %+v", repo.transitionParams)
	}
}

func TestUpdateStatusSurfacesStoreErrors(t *testing.T) {
	repo := &ticketRepoStub{
		ticket:        &domain.Ticket{ID: uuid.New(), Status: domain.StatusScheduled},
		transitionErr: domain.ErrInvalidTransition,
	}
	svc := newTestService(repo)

	actor := domain.Actor{ID: uuid.New(), Role: domain.RoleVolunteer}
	if _, err := svc.UpdateStatus(context.Background(), repo.ticket.ID, actor, domain.StatusDelivered); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if repo.transitionParams.Now != testNow {
		t.Fatalf("expected service clock to be passed to the store")
	}
}

func TestListAvailableAnnotatesAndSortsByUrgency(t *testing.T) {
	low := domain.Ticket{ID: uuid.New(), Donation: donationEnding(30 * time.Hour)}
	high := domain.Ticket{ID: uuid.New(), Donation: donationEnding(2 * time.Hour)}
	medium := domain.Ticket{ID: uuid.New(), Donation: donationEnding(8 * time.Hour)}
	overdue := domain.Ticket{ID: uuid.New(), Donation: donationEnding(-time.Hour)}

	repo := &ticketRepoStub{available: []domain.Ticket{low, high, medium, overdue}}
	svc := newTestService(repo)

	tickets, err := svc.ListAvailable(context.Background(), domain.Actor{ID: uuid.New(), Role: domain.RoleVolunteer}, domain.ListFilter{Limit: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.availableRole != domain.RoleVolunteer || repo.availableFilter.Limit != domain.MaxListLimit {
		t.Fatalf("unexpected store query: role=%s filter=%+v", repo.availableRole, repo.availableFilter)
	}

	wantOrder := []uuid.UUID{overdue.ID, high.ID, medium.ID, low.ID}
	wantUrgency := []domain.Urgency{domain.UrgencyHigh, domain.UrgencyHigh, domain.UrgencyMedium, domain.UrgencyLow}
	for i := range wantOrder {
		if tickets[i].ID != wantOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantOrder[i], tickets[i].ID)
		}
		if tickets[i].Urgency != wantUrgency[i] {
			t.Fatalf("position %d: expected urgency %s, got %s", i, wantUrgency[i], tickets[i].Urgency)
		}
	}

	if _, err := svc.ListAvailable(context.Background(), domain.Actor{ID: uuid.New(), Role: domain.RoleDonor}, domain.ListFilter{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for donor, got %v", err)
	}
}

func TestListAssignedScopes(t *testing.T) {
	repo := &ticketRepoStub{}
	svc := newTestService(repo)
	actor := domain.Actor{ID: uuid.New(), Role: domain.RoleVolunteer}

	calls := []struct {
		name string
		list func(context.Context, domain.Actor, domain.ListFilter) ([]domain.Ticket, error)
		want store.AssignmentScope
	}{
		{"claimed", svc.ListClaimed, store.ScopeAll},
		{"active", svc.ListActive, store.ScopeActive},
		{"history", svc.ListHistory, store.ScopeHistory},
	}
	for _, call := range calls {
		if _, err := call.list(context.Background(), actor, domain.ListFilter{}); err != nil {
			t.Fatalf("%s: %v", call.name, err)
		}
		if repo.assignedScope != call.want {
			t.Fatalf("%s: expected scope %d, got %d", call.name, call.want, repo.assignedScope)
		}
	}
}
