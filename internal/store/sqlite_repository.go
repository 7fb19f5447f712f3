package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens path with immediate write transactions and a busy timeout so
// concurrent writers queue instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "10000")
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLiteRepository implements Repository on an embedded SQLite database.
type SQLiteRepository struct {
	db            *sql.DB
	eventExchange string
	now           func() time.Time
}

func NewSQLiteRepository(db *sql.DB, eventExchange string) *SQLiteRepository {
	return &SQLiteRepository{
		db:            db,
		eventExchange: strings.TrimSpace(eventExchange),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (r *SQLiteRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	donation, err := scanDonation(r.db.QueryRowContext(ctx, donationSelect+" WHERE d.id = ?", donationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, donationID)
		}
		return nil, unavailable("find donation", err)
	}
	return donation, nil
}

func (r *SQLiteRepository) CreateTicket(ctx context.Context, params CreateTicketParams) (*domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin create ticket", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM donations WHERE id = ?`, params.DonationID).Scan(&exists); err != nil {
		return nil, unavailable("check donation", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, params.DonationID)
	}

	ticketID := uuid.New()
	now := params.Now.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (id, donation_id, status, priority, pickup_location_id, dropoff_location_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, ticketID, params.DonationID, string(domain.StatusSubmitted), string(params.Priority),
		params.PickupLocationID, params.DropoffLocationID, now, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("%w: ticket for donation %s", domain.ErrAlreadyExists, params.DonationID)
		}
		return nil, unavailable("insert ticket", err)
	}

	ticket, err := findTicketSQLite(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	event := domain.NewTicketEvent(domain.EventTicketCreated, ticket, "", params.Actor, now)
	if err := r.enqueueEventTx(ctx, tx, domain.EventTicketCreated, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit create ticket", err)
	}
	return ticket, nil
}

func (r *SQLiteRepository) FindTicketByID(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	return findTicketSQLite(ctx, r.db, ticketID)
}

func (r *SQLiteRepository) FindTicketByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.db.QueryRowContext(ctx, "SELECT "+ticketSelectColumns+ticketSelectFrom+" WHERE t.donation_id = ?", donationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket for donation %s", domain.ErrNotFound, donationID)
		}
		return nil, unavailable("find ticket by donation", err)
	}
	return ticket, nil
}

// ClaimTicket runs inside a BEGIN IMMEDIATE transaction, so the read and the
// conditional write are serialized against every other writer.
func (r *SQLiteRepository) ClaimTicket(ctx context.Context, params ClaimTicketParams) (*domain.Ticket, error) {
	if _, _, err := claimColumns(params.Actor.Role); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin claim", err)
	}
	defer tx.Rollback()

	current, err := findTicketSQLite(ctx, tx, params.TicketID)
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
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit claim", err)
	}
	return claimed, nil
}

// claimTicketTx writes the claim only if the row still has the version and the
// open assignee field that current was read with.
func (r *SQLiteRepository) claimTicketTx(ctx context.Context, tx *sql.Tx, current *domain.Ticket, params ClaimTicketParams) (*domain.Ticket, error) {
	field, other, err := claimColumns(params.Actor.Role)
	if err != nil {
		return nil, err
	}
	claimed := *current
	domain.ApplyClaim(&claimed, params.Actor)
	now := params.Now.UTC()

	query := fmt.Sprintf(`
		UPDATE tickets
		SET %s = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND %s
	`, field, claimPredicate("", field, other))
	result, err := tx.ExecContext(ctx, query, params.Actor.ID, string(domain.StatusScheduled), now, current.ID, current.Version)
	if err != nil {
		return nil, unavailable("claim ticket", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return nil, unavailable("claim ticket", err)
	} else if affected == 0 {
		return nil, fmt.Errorf("%w: ticket %s was claimed concurrently", domain.ErrConflict, current.ID)
	}
	claimed.Version = current.Version + 1
	claimed.UpdatedAt = now

	event := domain.NewTicketEvent(domain.EventTicketClaimed, &claimed, current.Status, params.Actor, now)
	if err := r.enqueueEventTx(ctx, tx, domain.EventTicketClaimed, event); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *SQLiteRepository) TransitionTicket(ctx context.Context, params TransitionTicketParams) (*domain.Ticket, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transition", err)
	}
	defer tx.Rollback()

	current, err := findTicketSQLite(ctx, tx, params.TicketID)
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
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return next, nil
}

// transitionTicketTx moves the row from current to next only if it still has
// the version and status current was read with. It sets next's version and
// updated_at on success.
func (r *SQLiteRepository) transitionTicketTx(ctx context.Context, tx *sql.Tx, current, next *domain.Ticket, params TransitionTicketParams) error {
	now := params.Now.UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, version = version + 1, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND version = ? AND status = ?
	`, string(next.Status), now, next.CompletedAt, current.ID, current.Version, string(current.Status))
	if err != nil {
		return unavailable("transition ticket", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return unavailable("transition ticket", err)
	} else if affected == 0 {
		return fmt.Errorf("%w: ticket %s changed concurrently", domain.ErrConflict, current.ID)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	event := domain.NewTicketEvent(domain.EventTicketStatusChanged, next, current.Status, params.Actor, now)
	event.Reason = params.Reason
	return r.enqueueEventTx(ctx, tx, domain.EventTicketStatusChanged, event)
}

func (r *SQLiteRepository) ListAvailableTickets(ctx context.Context, role domain.Role, filter domain.ListFilter) ([]domain.Ticket, error) {
	query, args, err := availableTicketsQuery(sqlitePlaceholder, role, filter)
	if err != nil {
		return nil, err
	}
	return r.queryTickets(ctx, "list available tickets", query, args)
}

func (r *SQLiteRepository) ListAssignedTickets(ctx context.Context, actor domain.Actor, scope AssignmentScope, filter domain.ListFilter) ([]domain.Ticket, error) {
	query, args, err := assignedTicketsQuery(sqlitePlaceholder, actor, scope, filter)
	if err != nil {
		return nil, err
	}
	return r.queryTickets(ctx, "list assigned tickets", query, args)
}

func (r *SQLiteRepository) queryTickets(ctx context.Context, op, query string, args []any) ([]domain.Ticket, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *SQLiteRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin claim outbox", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, exchange, routing_key, payload, attempts
		FROM event_outbox
		WHERE (status = 'pending' AND available_at <= ?)
		   OR (status = 'processing' AND processing_started_at < ?)
		ORDER BY id
		LIMIT ?
	`, now, staleBefore, limit)
	if err != nil {
		return nil, unavailable("claim outbox", err)
	}
	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts); err != nil {
			rows.Close()
			return nil, unavailable("scan outbox", err)
		}
		msg.Payload = []byte(payload)
		msg.Attempts++
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("claim outbox", err)
	}

	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_outbox
			SET status = 'processing', processing_started_at = ?, attempts = attempts + 1
			WHERE id = ?
		`, now, msg.ID); err != nil {
			return nil, unavailable("claim outbox", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit claim outbox", err)
	}
	return messages, nil
}

func (r *SQLiteRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'published', published_at = ?, processing_started_at = NULL, last_error = NULL
		WHERE id = ?
	`, r.now(), id)
	if err != nil {
		return unavailable("mark outbox published", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	availableAt := r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'pending', available_at = ?, processing_started_at = NULL, last_error = ?
		WHERE id = ?
	`, availableAt, truncateReason(reason), id)
	if err != nil {
		return unavailable("mark outbox failed", err)
	}
	return nil
}

func (r *SQLiteRepository) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM event_outbox WHERE status = 'published' AND published_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, unavailable("purge outbox", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("purge outbox", err)
	}
	return affected, nil
}

func (r *SQLiteRepository) enqueueEventTx(ctx context.Context, tx *sql.Tx, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}
	now := r.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload, available_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.eventExchange, routingKey, string(blob), now, now)
	if err != nil {
		return unavailable("enqueue outbox event", err)
	}
	return nil
}

// sqliteQuerier is satisfied by *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findTicketSQLite(ctx context.Context, q sqliteQuerier, ticketID uuid.UUID) (*domain.Ticket, error) {
	ticket, err := scanTicket(q.QueryRowContext(ctx, "SELECT "+ticketSelectColumns+ticketSelectFrom+" WHERE t.id = ?", ticketID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket %s", domain.ErrNotFound, ticketID)
		}
		return nil, unavailable("find ticket", err)
	}
	return ticket, nil
}
