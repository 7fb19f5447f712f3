/**
 * @description
 * PostgreSQL implementation of the `Repository` interface on a pgx connection pool.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: driver, transactions and pgconn error codes.
 * - internal/domain: models, guards and sentinel errors.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db            *pgxpool.Pool
	eventExchange string
}

// NewPostgresRepository creates a repository that enqueues events for eventExchange.
func NewPostgresRepository(db *pgxpool.Pool, eventExchange string) *PostgresRepository {
	return &PostgresRepository{db: db, eventExchange: strings.TrimSpace(eventExchange)}
}

func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	donation, err := scanDonation(r.db.QueryRow(ctx, donationSelect+" WHERE d.id = $1", donationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, donationID)
		}
		return nil, unavailable("find donation", err)
	}
	return donation, nil
}

func (r *PostgresRepository) CreateTicket(ctx context.Context, params CreateTicketParams) (*domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable("begin create ticket", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donations WHERE id = $1)`, params.DonationID).Scan(&exists); err != nil {
		return nil, unavailable("check donation", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, params.DonationID)
	}

	ticketID := uuid.New()
	now := params.Now.UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (id, donation_id, status, priority, pickup_location_id, dropoff_location_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
	`, ticketID, params.DonationID, string(domain.StatusSubmitted), string(params.Priority),
		params.PickupLocationID, params.DropoffLocationID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: ticket for donation %s", domain.ErrAlreadyExists, params.DonationID)
		}
		return nil, unavailable("insert ticket", err)
	}

	ticket, err := findTicketPg(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	event := domain.NewTicketEvent(domain.EventTicketCreated, ticket, "", params.Actor, now)
	if err := r.enqueueEventTx(ctx, tx, domain.EventTicketCreated, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit create ticket", err)
	}
	return ticket, nil
}

func (r *PostgresRepository) FindTicketByID(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	return findTicketPg(ctx, r.db, ticketID)
}

func (r *PostgresRepository) FindTicketByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.db.QueryRow(ctx, "SELECT "+ticketSelectColumns+ticketSelectFrom+" WHERE t.donation_id = $1", donationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket for donation %s", domain.ErrNotFound, donationID)
		}
		return nil, unavailable("find ticket by donation", err)
	}
	return ticket, nil
}

// ClaimTicket binds the actor to the ticket in one transaction. The UPDATE
// re-checks the version and the claim predicate; at READ COMMITTED a second
// claimant blocked on the row lock re-evaluates them after the winner commits
// and matches zero rows.
func (r *PostgresRepository) ClaimTicket(ctx context.Context, params ClaimTicketParams) (*domain.Ticket, error) {
	if _, _, err := claimColumns(params.Actor.Role); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable("begin claim", err)
	}
	defer tx.Rollback(ctx)

	current, err := findTicketPg(ctx, tx, params.TicketID)
	if err != nil {
		return nil, err
	}
	if current.Donation == nil {
		return nil, fmt.Errorf("%w: donation %s behind ticket %s", domain.ErrNotFound, current.DonationID, current.ID)
	}
	if err := domain.CheckClaim(current, params.Actor); err != nil {
		return nil, err
	}

	claimed, err := r.claimTicketTx(ctx, tx, current, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit claim", err)
	}
	return claimed, nil
}

func (r *PostgresRepository) claimTicketTx(ctx context.Context, tx pgx.Tx, current *domain.Ticket, params ClaimTicketParams) (*domain.Ticket, error) {
	field, other, err := claimColumns(params.Actor.Role)
	if err != nil {
		return nil, err
	}
	claimed := *current
	domain.ApplyClaim(&claimed, params.Actor)
	now := params.Now.UTC()

	query := fmt.Sprintf(`
		UPDATE tickets
		SET %s = $2, status = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $5 AND %s
		RETURNING version, updated_at
	`, field, claimPredicate("", field, other))
	err = tx.QueryRow(ctx, query, current.ID, params.Actor.ID, string(domain.StatusScheduled), now, current.Version).
		Scan(&claimed.Version, &claimed.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket %s was claimed concurrently", domain.ErrConflict, current.ID)
		}
		return nil, unavailable("claim ticket", err)
	}
	claimed.UpdatedAt = claimed.UpdatedAt.UTC()

	event := domain.NewTicketEvent(domain.EventTicketClaimed, &claimed, current.Status, params.Actor, now)
	if err := r.enqueueEventTx(ctx, tx, domain.EventTicketClaimed, event); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *PostgresRepository) TransitionTicket(ctx context.Context, params TransitionTicketParams) (*domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, unavailable("begin transition", err)
	}
	defer tx.Rollback(ctx)

	current, err := findTicketPg(ctx, tx, params.TicketID)
	if err != nil {
		return nil, err
	}
	next, err := prepareTransition(current, params)
	if err != nil {
		return nil, err
	}

	if err := r.transitionTicketTx(ctx, tx, current, next, params); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return next, nil
}

func (r *PostgresRepository) transitionTicketTx(ctx context.Context, tx pgx.Tx, current, next *domain.Ticket, params TransitionTicketParams) error {
	err := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2, version = version + 1, updated_at = $3, completed_at = COALESCE($4, completed_at)
		WHERE id = $1 AND version = $5 AND status = $6
		RETURNING version, updated_at
	`, current.ID, string(next.Status), params.Now.UTC(), next.CompletedAt, current.Version, string(current.Status)).
		Scan(&next.Version, &next.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: ticket %s changed concurrently", domain.ErrConflict, current.ID)
		}
		return unavailable("transition ticket", err)
	}
	next.UpdatedAt = next.UpdatedAt.UTC()

	event := domain.NewTicketEvent(domain.EventTicketStatusChanged, next, current.Status, params.Actor, params.Now)
	event.Reason = params.Reason
	return r.enqueueEventTx(ctx, tx, domain.EventTicketStatusChanged, event)
}

func (r *PostgresRepository) ListAvailableTickets(ctx context.Context, role domain.Role, filter domain.ListFilter) ([]domain.Ticket, error) {
	query, args, err := availableTicketsQuery(postgresPlaceholder, role, filter)
	if err != nil {
		return nil, err
	}
	return r.queryTickets(ctx, "list available tickets", query, args)
}

func (r *PostgresRepository) ListAssignedTickets(ctx context.Context, actor domain.Actor, scope AssignmentScope, filter domain.ListFilter) ([]domain.Ticket, error) {
	query, args, err := assignedTicketsQuery(postgresPlaceholder, actor, scope, filter)
	if err != nil {
		return nil, err
	}
	return r.queryTickets(ctx, "list assigned tickets", query, args)
}

func (r *PostgresRepository) queryTickets(ctx context.Context, op, query string, args []any) ([]domain.Ticket, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	tickets := make([]domain.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		tickets = append(tickets, *ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return tickets, nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND available_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, unavailable("claim outbox", err)
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, unavailable("scan outbox", err)
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("claim outbox", err)
	}
	return messages, nil
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return unavailable("mark outbox published", err)
	}
	return nil
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			available_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	if err != nil {
		return unavailable("mark outbox failed", err)
	}
	return nil
}

func (r *PostgresRepository) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM event_outbox WHERE status = 'published' AND published_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, unavailable("purge outbox", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) enqueueEventTx(ctx context.Context, tx pgx.Tx, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, r.eventExchange, routingKey, string(blob))
	if err != nil {
		return unavailable("enqueue outbox event", err)
	}
	return nil
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTicketPg(ctx context.Context, q pgQuerier, ticketID uuid.UUID) (*domain.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, "SELECT "+ticketSelectColumns+ticketSelectFrom+" WHERE t.id = $1", ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket %s", domain.ErrNotFound, ticketID)
		}
		return nil, unavailable("find ticket", err)
	}
	return ticket, nil
}
