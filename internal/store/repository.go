/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the ticket-service, plus the SQL shared by the PostgreSQL and SQLite
 * implementations.
 *
 * @notes
 * - Mutating methods run one transaction each: read the ticket, apply the domain guard,
 *   write conditionally on the version read and enqueue the outbox event.
 * - Driver errors never leave this package unwrapped; anything that is not a recognized
 *   condition becomes domain.ErrStoreUnavailable.
 */

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Donation read side
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)

	// Ticket lifecycle
	CreateTicket(ctx context.Context, params CreateTicketParams) (*domain.Ticket, error)
	FindTicketByID(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error)
	FindTicketByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Ticket, error)
	ClaimTicket(ctx context.Context, params ClaimTicketParams) (*domain.Ticket, error)
	TransitionTicket(ctx context.Context, params TransitionTicketParams) (*domain.Ticket, error)

	// Listings
	ListAvailableTickets(ctx context.Context, role domain.Role, filter domain.ListFilter) ([]domain.Ticket, error)
	ListAssignedTickets(ctx context.Context, actor domain.Actor, scope AssignmentScope, filter domain.ListFilter) ([]domain.Ticket, error)

	OutboxRepository
}

// OutboxRepository is the subset used by the outbox dispatcher.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutboxMessage is one pending event claimed for publishing.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

type CreateTicketParams struct {
	DonationID        uuid.UUID
	Priority          domain.Priority
	PickupLocationID  *uuid.UUID
	DropoffLocationID *uuid.UUID
	Actor             domain.Actor
	Now               time.Time
}

type ClaimTicketParams struct {
	TicketID uuid.UUID
	Actor    domain.Actor
	Now      time.Time
}

type TransitionTicketParams struct {
	TicketID uuid.UUID
	Actor    domain.Actor
	To       domain.Status
	Reason   string
	Now      time.Time
}

// AssignmentScope selects which of an actor's claimed tickets to list.
type AssignmentScope int

const (
	ScopeAll AssignmentScope = iota
	ScopeActive
	ScopeHistory
)

const maxOutboxErrorLength = 2000

const ticketSelectColumns = `
	t.id, t.donation_id, t.status, t.priority, t.volunteer_id, t.partner_org_id,
	t.pickup_location_id, t.dropoff_location_id, t.version, t.created_at, t.updated_at, t.completed_at,
	d.id, d.donor_id, dn.display_name, d.food_type_id, ft.name, d.quantity, d.unit,
	d.pickup_window_start, d.pickup_window_end, d.requires_refrigeration, d.requires_freezing,
	d.is_fragile, d.requires_heavy_lifting, d.notes, d.created_at, d.updated_at`

const ticketSelectFrom = `
	FROM tickets t
	LEFT JOIN donations d ON d.id = t.donation_id
	LEFT JOIN donors dn ON dn.id = d.donor_id
	LEFT JOIN food_types ft ON ft.id = d.food_type_id`

const donationSelect = `
	SELECT d.id, d.donor_id, dn.display_name, d.food_type_id, ft.name, d.quantity, d.unit,
		d.pickup_window_start, d.pickup_window_end, d.requires_refrigeration, d.requires_freezing,
		d.is_fragile, d.requires_heavy_lifting, d.notes, d.created_at, d.updated_at
	FROM donations d
	LEFT JOIN donors dn ON dn.id = d.donor_id
	LEFT JOIN food_types ft ON ft.id = d.food_type_id`

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var (
		t        domain.Ticket
		status   string
		priority string

		donationID   *uuid.UUID
		donorID      *uuid.UUID
		donorName    *string
		foodTypeID   *uuid.UUID
		foodTypeName *string
		quantity     *float64
		unit         *string
		windowStart  *time.Time
		windowEnd    *time.Time
		refrigerate  *bool
		freeze       *bool
		fragile      *bool
		heavy        *bool
		notes        *string
		dCreatedAt   *time.Time
		dUpdatedAt   *time.Time
	)
	err := row.Scan(
		&t.ID, &t.DonationID, &status, &priority, &t.VolunteerID, &t.PartnerOrgID,
		&t.PickupLocationID, &t.DropoffLocationID, &t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&donationID, &donorID, &donorName, &foodTypeID, &foodTypeName, &quantity, &unit,
		&windowStart, &windowEnd, &refrigerate, &freeze,
		&fragile, &heavy, &notes, &dCreatedAt, &dUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.CompletedAt != nil {
		completed := t.CompletedAt.UTC()
		t.CompletedAt = &completed
	}

	if donationID != nil {
		t.Donation = &domain.Donation{
			ID:                    *donationID,
			DonorID:               derefUUID(donorID),
			DonorName:             derefString(donorName),
			FoodTypeID:            derefUUID(foodTypeID),
			FoodTypeName:          derefString(foodTypeName),
			Quantity:              derefFloat(quantity),
			Unit:                  derefString(unit),
			PickupWindow:          domain.PickupWindow{Start: derefTime(windowStart), End: derefTime(windowEnd)},
			RequiresRefrigeration: derefBool(refrigerate),
			RequiresFreezing:      derefBool(freeze),
			IsFragile:             derefBool(fragile),
			RequiresHeavyLifting:  derefBool(heavy),
			Notes:                 derefString(notes),
			CreatedAt:             derefTime(dCreatedAt),
			UpdatedAt:             derefTime(dUpdatedAt),
		}
	}
	return &t, nil
}

func scanDonation(row rowScanner) (*domain.Donation, error) {
	var (
		d            domain.Donation
		donorName    *string
		foodTypeName *string
		notes        *string
	)
	err := row.Scan(
		&d.ID, &d.DonorID, &donorName, &d.FoodTypeID, &foodTypeName, &d.Quantity, &d.Unit,
		&d.PickupWindow.Start, &d.PickupWindow.End, &d.RequiresRefrigeration, &d.RequiresFreezing,
		&d.IsFragile, &d.RequiresHeavyLifting, &notes, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DonorName = derefString(donorName)
	d.FoodTypeName = derefString(foodTypeName)
	d.Notes = derefString(notes)
	return &d, nil
}

// claimColumns returns the assignee column bound by role and the column of the other role.
func claimColumns(role domain.Role) (string, string, error) {
	switch role {
	case domain.RolePartner:
		return "partner_org_id", "volunteer_id", nil
	case domain.RoleVolunteer:
		return "volunteer_id", "partner_org_id", nil
	default:
		return "", "", fmt.Errorf("%w: role %q has no ticket assignment", domain.ErrForbidden, role)
	}
}

// claimPredicate mirrors domain.OpenForClaim in SQL so the write re-checks it under the row lock.
// prefix is the table alias including the dot, or empty.
func claimPredicate(prefix, field, other string) string {
	return fmt.Sprintf(
		"%[1]s%[2]s IS NULL AND (%[1]sstatus = '%[4]s' OR (%[1]sstatus = '%[5]s' AND %[1]s%[3]s IS NOT NULL))",
		prefix, field, other, domain.StatusSubmitted, domain.StatusScheduled,
	)
}

// placeholderFunc renders the n-th (1-based) bind parameter for a dialect.
type placeholderFunc func(n int) string

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func sqlitePlaceholder(int) string { return "?" }

type queryBuilder struct {
	placeholder placeholderFunc
	conditions  []string
	args        []any
}

func (b *queryBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return b.placeholder(len(b.args))
}

func (b *queryBuilder) where(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *queryBuilder) applyFilter(filter domain.ListFilter) {
	if filter.Priority != nil {
		b.where("t.priority = " + b.bind(string(*filter.Priority)))
	}
	if filter.FoodTypeID != nil {
		b.where("d.food_type_id = " + b.bind(*filter.FoodTypeID))
	}
}

func (b *queryBuilder) build(orderBy string, filter domain.ListFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(ticketSelectColumns)
	sb.WriteString(ticketSelectFrom)
	if len(b.conditions) > 0 {
		sb.WriteString("\n\tWHERE ")
		sb.WriteString(strings.Join(b.conditions, "\n\t  AND "))
	}
	sb.WriteString("\n\tORDER BY ")
	sb.WriteString(orderBy)
	sb.WriteString("\n\tLIMIT ")
	sb.WriteString(b.bind(filter.Limit))
	sb.WriteString(" OFFSET ")
	sb.WriteString(b.bind(filter.Offset))
	return sb.String(), b.args
}

// availableTicketsQuery lists tickets the role can still claim. Ordering by
// window end ascending is the same as urgency first then window end, since
// urgency is monotone in the time remaining.
func availableTicketsQuery(placeholder placeholderFunc, role domain.Role, filter domain.ListFilter) (string, []any, error) {
	field, other, err := claimColumns(role)
	if err != nil {
		return "", nil, err
	}
	filter = filter.Normalized()
	b := &queryBuilder{placeholder: placeholder}
	b.where("d.id IS NOT NULL")
	b.where(claimPredicate("t.", field, other))
	b.applyFilter(filter)
	query, args := b.build("d.pickup_window_end ASC, t.created_at ASC, t.id ASC", filter)
	return query, args, nil
}

func assignedTicketsQuery(placeholder placeholderFunc, actor domain.Actor, scope AssignmentScope, filter domain.ListFilter) (string, []any, error) {
	field, _, err := claimColumns(actor.Role)
	if err != nil {
		return "", nil, err
	}
	filter = filter.Normalized()
	b := &queryBuilder{placeholder: placeholder}
	b.where("t." + field + " = " + b.bind(actor.ID))

	orderBy := "t.updated_at DESC, t.id ASC"
	terminal := fmt.Sprintf("('%s', '%s')", domain.StatusCompleted, domain.StatusCancelled)
	switch scope {
	case ScopeActive:
		b.where("t.status NOT IN " + terminal)
	case ScopeHistory:
		b.where("t.status IN " + terminal)
		orderBy = "COALESCE(t.completed_at, t.updated_at) DESC, t.id ASC"
	}
	b.applyFilter(filter)
	query, args := b.build(orderBy, filter)
	return query, args, nil
}

// prepareTransition applies the state machine and the assignee check to a
// freshly read ticket and returns the ticket as it will look after the write.
func prepareTransition(current *domain.Ticket, params TransitionTicketParams) (*domain.Ticket, error) {
	if err := domain.ValidateTransition(current.Status, params.To, params.Actor.Role); err != nil {
		return nil, err
	}
	if err := domain.AuthorizeActor(current, params.Actor); err != nil {
		return nil, err
	}
	next := *current
	next.Status = params.To
	if params.To == domain.StatusCompleted {
		completedAt := params.Now.UTC()
		next.CompletedAt = &completedAt
	}
	return &next, nil
}

// unavailable wraps a driver error so callers can only match it as ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func truncateReason(reason string) string {
	if len(reason) > maxOutboxErrorLength {
		return reason[:maxOutboxErrorLength]
	}
	return reason
}

func derefUUID(v *uuid.UUID) uuid.UUID {
	if v == nil {
		return uuid.Nil
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefBool(v *bool) bool {
	return v != nil && *v
}

func derefTime(v *time.Time) time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.UTC()
}
