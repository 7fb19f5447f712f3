/**
 * @description
 * Core domain models for the ticket-service: the donation a ticket is built from,
 * the ticket itself, and the identity of the actor operating on it.
 *
 * @notes
 * - JSON tags are the single wire convention (snake_case) for every response body.
 * - Urgency is never stored; it is filled in on read by the app layer.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusScheduled Status = "Scheduled"
	StatusInTransit Status = "InTransit"
	StatusDelivered Status = "Delivered"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

var allStatuses = []Status{
	StatusSubmitted,
	StatusScheduled,
	StatusInTransit,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus accepts `InTransit`, `in_transit`, `in-transit` and `IN TRANSIT` alike.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	for _, status := range allStatuses {
		if strings.ToLower(string(status)) == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, status := range allStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority is the dispatch priority assigned when a ticket is created.
type Priority string

const (
	PriorityUrgent  Priority = "Urgent"
	PriorityRoutine Priority = "Routine"
)

// ParsePriority parses a priority case-insensitively.
func ParsePriority(raw string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "urgent":
		return PriorityUrgent, nil
	case "routine":
		return PriorityRoutine, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, raw)
	}
}

// Role is the tag carried by an authenticated actor.
type Role string

const (
	RolePartner   Role = "partner"
	RoleVolunteer Role = "volunteer"
	RoleDonor     Role = "donor"
	RoleSystem    Role = "system"
)

// ParseRole parses a role claim. Unknown roles are rejected rather than
// silently downgraded.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePartner:
		return RolePartner, nil
	case RoleVolunteer:
		return RoleVolunteer, nil
	case RoleDonor:
		return RoleDonor, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// CanClaim reports whether actors of this role bind themselves to tickets by claiming.
func (r Role) CanClaim() bool {
	return r == RolePartner || r == RoleVolunteer
}

// Actor identifies the caller of a ticket operation. For partners ID is the
// partner organization, for volunteers the volunteer profile.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActor is used for internal, non-user initiated operations.
func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

// PickupWindow is the interval during which a donation can be collected.
type PickupWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Donation is the read-only record posted by a donor. FoodTypeName and
// DonorName are joined for display only.
type Donation struct {
	ID                    uuid.UUID    `json:"id"`
	DonorID               uuid.UUID    `json:"donor_id"`
	DonorName             string       `json:"donor_name,omitempty"`
	FoodTypeID            uuid.UUID    `json:"food_type_id"`
	FoodTypeName          string       `json:"food_type_name,omitempty"`
	Quantity              float64      `json:"quantity"`
	Unit                  string       `json:"unit"`
	PickupWindow          PickupWindow `json:"pickup_window"`
	RequiresRefrigeration bool         `json:"requires_refrigeration"`
	RequiresFreezing      bool         `json:"requires_freezing"`
	IsFragile             bool         `json:"is_fragile"`
	RequiresHeavyLifting  bool         `json:"requires_heavy_lifting"`
	Notes                 string       `json:"notes,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// Ticket is the unit of work tracking one donation from posting to completion.
// This struct maps to the `tickets` table; Donation and Urgency are filled on read.
type Ticket struct {
	ID                uuid.UUID  `json:"id"`
	DonationID        uuid.UUID  `json:"donation_id"`
	Status            Status     `json:"status"`
	Priority          Priority   `json:"priority"`
	VolunteerID       *uuid.UUID `json:"volunteer_id"`
	PartnerOrgID      *uuid.UUID `json:"partner_org_id"`
	PickupLocationID  *uuid.UUID `json:"pickup_location_id,omitempty"`
	DropoffLocationID *uuid.UUID `json:"dropoff_location_id,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Urgency           Urgency    `json:"urgency,omitempty"`
	Donation          *Donation  `json:"donation,omitempty"`
}

// IsClaimed reports whether any actor has been bound to the ticket.
func (t *Ticket) IsClaimed() bool {
	return t.VolunteerID != nil || t.PartnerOrgID != nil
}

// AssigneeFor returns the assignee field that belongs to role, or nil when the
// role has no assignee field.
func (t *Ticket) AssigneeFor(role Role) *uuid.UUID {
	switch role {
	case RolePartner:
		return t.PartnerOrgID
	case RoleVolunteer:
		return t.VolunteerID
	default:
		return nil
	}
}

// IsAssignedTo reports whether actor holds the assignee field for its role.
func (t *Ticket) IsAssignedTo(actor Actor) bool {
	assignee := t.AssigneeFor(actor.Role)
	return assignee != nil && *assignee == actor.ID
}

// CreateTicketInput carries the values accepted when opening a ticket for a donation.
type CreateTicketInput struct {
	DonationID        uuid.UUID  `json:"donation_id"`
	Priority          *Priority  `json:"priority,omitempty"`
	PickupLocationID  *uuid.UUID `json:"pickup_location_id,omitempty"`
	DropoffLocationID *uuid.UUID `json:"dropoff_location_id,omitempty"`
}

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// ListFilter narrows and paginates ticket listings.
type ListFilter struct {
	Limit      int
	Offset     int
	Priority   *Priority
	FoodTypeID *uuid.UUID
}

// Normalized clamps the pagination window into its allowed range.
func (f ListFilter) Normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
