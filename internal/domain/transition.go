package domain

import (
	"fmt"
	"slices"
)

// capability lists the roles allowed to drive one edge of the state machine.
// viaClaim edges are only reachable through the claim path.
type capability struct {
	roles    []Role
	viaClaim bool
}

// transitions is the single source of truth for who may move a ticket where.
// Every non-terminal state can additionally be cancelled by the system.
var transitions = map[Status]map[Status]capability{
	StatusSubmitted: {
		StatusScheduled: {roles: []Role{RolePartner, RoleVolunteer}, viaClaim: true},
	},
	StatusScheduled: {
		StatusInTransit: {roles: []Role{RoleVolunteer}},
	},
	StatusInTransit: {
		StatusDelivered: {roles: []Role{RoleVolunteer}},
	},
	StatusDelivered: {
		StatusCompleted: {roles: []Role{RolePartner, RoleSystem}},
	},
}

var cancelCapability = capability{roles: []Role{RoleSystem}}

func lookupCapability(current, requested Status) (capability, bool) {
	if current.IsTerminal() {
		return capability{}, false
	}
	if requested == StatusCancelled {
		return cancelCapability, true
	}
	edge, ok := transitions[current][requested]
	return edge, ok
}

// ValidateTransition decides whether role may move a ticket from current to
// requested outside the claim path. Non-adjacent, backward, same-state, unknown
// and post-terminal moves are ErrInvalidTransition; a valid edge the role lacks
// the capability for is ErrForbidden.
func ValidateTransition(current, requested Status, role Role) error {
	if !current.Valid() || !requested.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, current, requested)
	}
	edge, ok := lookupCapability(current, requested)
	if !ok {
		return fmt.Errorf("%w: cannot move ticket from %s to %s", ErrInvalidTransition, current, requested)
	}
	if edge.viaClaim {
		return fmt.Errorf("%w: %s is reached only by claiming the ticket", ErrInvalidTransition, requested)
	}
	if !slices.Contains(edge.roles, role) {
		return fmt.Errorf("%w: role %q cannot move ticket from %s to %s", ErrForbidden, role, current, requested)
	}
	return nil
}

// AuthorizeActor checks that the actor is the one bound to the ticket for its
// role. The system role acts on any ticket.
func AuthorizeActor(ticket *Ticket, actor Actor) error {
	if actor.Role == RoleSystem {
		return nil
	}
	if !ticket.IsAssignedTo(actor) {
		return fmt.Errorf("%w: %s %s is not assigned to ticket %s", ErrForbidden, actor.Role, actor.ID, ticket.ID)
	}
	return nil
}

// CanView reports whether actor may read the ticket: the system, its
// assignees, the donor behind it, and anyone who could still claim it.
func CanView(ticket *Ticket, actor Actor) bool {
	switch actor.Role {
	case RoleSystem:
		return true
	case RoleDonor:
		return ticket.Donation != nil && ticket.Donation.DonorID == actor.ID
	case RolePartner, RoleVolunteer:
		return ticket.IsAssignedTo(actor) || OpenForClaim(ticket, actor.Role)
	default:
		return false
	}
}

// OpenForClaim reports whether the ticket's field for role is still claimable:
// the field is unset and the ticket is either fresh or held only by the other role.
func OpenForClaim(ticket *Ticket, role Role) bool {
	if ticket.AssigneeFor(role) != nil {
		return false
	}
	switch ticket.Status {
	case StatusSubmitted:
		return true
	case StatusScheduled:
		return ticket.AssigneeFor(counterpart(role)) != nil
	default:
		return false
	}
}

// CheckClaim validates the claim precondition against a freshly read ticket.
// A ticket that is no longer open for the caller's role is ErrConflict.
func CheckClaim(ticket *Ticket, actor Actor) error {
	if !actor.Role.CanClaim() {
		return fmt.Errorf("%w: role %q cannot claim tickets", ErrForbidden, actor.Role)
	}
	if !OpenForClaim(ticket, actor.Role) {
		return fmt.Errorf("%w: ticket %s is not available to claim", ErrConflict, ticket.ID)
	}
	return nil
}

// ApplyClaim binds actor to the ticket's field for its role and moves it to
// Scheduled. Callers must have passed CheckClaim.
func ApplyClaim(ticket *Ticket, actor Actor) {
	id := actor.ID
	switch actor.Role {
	case RolePartner:
		ticket.PartnerOrgID = &id
	case RoleVolunteer:
		ticket.VolunteerID = &id
	}
	ticket.Status = StatusScheduled
}

func counterpart(role Role) Role {
	if role == RolePartner {
		return RoleVolunteer
	}
	return RolePartner
}
