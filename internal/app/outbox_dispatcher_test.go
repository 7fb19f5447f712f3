package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/helphut/ticket-service/internal/store"
	"github.com/helphut/ticket-service/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

type outboxRepoStub struct {
	messages  []store.OutboxMessage
	claimErr  error
	published []int64
	failed    map[int64]int
	reasons   map[int64]string
	purgedAt  time.Time
}

func newOutboxRepoStub(messages ...store.OutboxMessage) *outboxRepoStub {
	return &outboxRepoStub{
		messages: messages,
		failed:   map[int64]int{},
		reasons:  map[int64]string{},
	}
}

func (s *outboxRepoStub) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.messages) > limit {
		return s.messages[:limit], nil
	}
	return s.messages, nil
}

func (s *outboxRepoStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *outboxRepoStub) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	s.failed[id] = retryAfterSeconds
	s.reasons[id] = reason
	return nil
}

func (s *outboxRepoStub) PurgePublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	s.purgedAt = olderThan
	return 3, nil
}

type publisherStub struct {
	failOn map[string]error
	sent   []string
	bodies []json.RawMessage
	closed int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err, ok := p.failOn[routingKey]; ok {
		return err
	}
	p.sent = append(p.sent, exchange+"/"+routingKey)
	if raw, ok := body.(json.RawMessage); ok {
		p.bodies = append(p.bodies, raw)
	}
	return nil
}

func (p *publisherStub) Close() {
	p.closed++
}

func staticFactory(p *publisherStub, dials *int) PublisherFactory {
	return func() (rabbitmq.Publisher, error) {
		*dials++
		return p, nil
	}
}

func TestOutboxDispatcherPublishesBatch(t *testing.T) {
	repo := newOutboxRepoStub(
		store.OutboxMessage{ID: 1, Exchange: "helphut.events", RoutingKey: "ticket.created", Payload: []byte(`{"ticket_id":"a"}`)},
		store.OutboxMessage{ID: 2, Exchange: "helphut.events", RoutingKey: "ticket.claimed", Payload: []byte(`{"ticket_id":"a"}`)},
	)
	publisher := &publisherStub{}
	dials := 0
	dispatcher := NewOutboxDispatcher(repo, staticFactory(publisher, &dials), 10, zerolog.Nop())

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published != 2 {
		t.Fatalf("expected 2 published, got %d", published)
	}
	if len(repo.published) != 2 || repo.published[0] != 1 || repo.published[1] != 2 {
		t.Fatalf("expected ids 1 and 2 marked published, got %v", repo.published)
	}
	if publisher.sent[0] != "helphut.events/ticket.created" {
		t.Fatalf("unexpected destination %q", publisher.sent[0])
	}
	if string(publisher.bodies[0]) != `{"ticket_id":"a"}` {
		t.Fatalf("expected payload to be forwarded verbatim, got %s", publisher.bodies[0])
	}

	if _, err := dispatcher.FlushOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error on second flush: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected the connection to be reused, dialed %d times", dials)
	}
}

func TestOutboxDispatcherReschedulesFailures(t *testing.T) {
	repo := newOutboxRepoStub(
		store.OutboxMessage{ID: 7, Exchange: "x", RoutingKey: "ticket.status_changed", Payload: []byte(`{}`), Attempts: 3},
		store.OutboxMessage{ID: 8, Exchange: "x", RoutingKey: "ticket.created", Payload: []byte(`not json`), Attempts: 1},
	)
	publisher := &publisherStub{failOn: map[string]error{"ticket.status_changed": errors.New("channel closed")}}
	dials := 0
	dispatcher := NewOutboxDispatcher(repo, staticFactory(publisher, &dials), 10, zerolog.Nop())

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published != 0 {
		t.Fatalf("expected nothing published, got %d", published)
	}
	if repo.failed[7] != 8 {
		t.Fatalf("expected retry after 8s for attempt 3, got %d", repo.failed[7])
	}
	if repo.reasons[7] != "channel closed" {
		t.Fatalf("unexpected failure reason %q", repo.reasons[7])
	}
	if _, ok := repo.failed[8]; !ok {
		t.Fatalf("expected invalid payload to be rescheduled")
	}
	if publisher.closed != 1 {
		t.Fatalf("expected the publisher to be dropped after a publish error, closed %d times", publisher.closed)
	}
	if dials != 2 {
		t.Fatalf("expected a redial after the dropped connection, dialed %d times", dials)
	}
}

func TestOutboxDispatcherConnectFailure(t *testing.T) {
	repo := newOutboxRepoStub(store.OutboxMessage{ID: 1, RoutingKey: "ticket.created", Payload: []byte(`{}`), Attempts: 1})
	dispatcher := NewOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("connection refused")
	}, 0, zerolog.Nop())

	published, err := dispatcher.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published != 0 || repo.failed[1] != 2 {
		t.Fatalf("expected message to be rescheduled after 2s, got published=%d failed=%v", published, repo.failed)
	}
}

func TestOutboxDispatcherPropagatesClaimError(t *testing.T) {
	repo := newOutboxRepoStub()
	repo.claimErr = errors.New("db down")
	dispatcher := NewOutboxDispatcher(repo, nil, 10, zerolog.Nop())

	if _, err := dispatcher.FlushOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error to surface")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 4, want: 16},
		{attempt: 8, want: 256},
		{attempt: 9, want: 300},
		{attempt: 40, want: 300},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Errorf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}

func TestSchedulerPurgeUsesRetention(t *testing.T) {
	repo := newOutboxRepoStub()
	dispatcher := NewOutboxDispatcher(repo, nil, 10, zerolog.Nop())
	scheduler := NewScheduler(dispatcher, repo, SchedulerConfig{
		DispatchSchedule: "@every 2s",
		PurgeSchedule:    "@hourly",
		OutboxRetention:  24 * time.Hour,
	}, zerolog.Nop())
	scheduler.now = func() time.Time { return testNow }

	scheduler.PurgeOutbox()

	if !repo.purgedAt.Equal(testNow.Add(-24 * time.Hour)) {
		t.Fatalf("expected purge cutoff %s, got %s", testNow.Add(-24*time.Hour), repo.purgedAt)
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	repo := newOutboxRepoStub()
	dispatcher := NewOutboxDispatcher(repo, nil, 10, zerolog.Nop())
	scheduler := NewScheduler(dispatcher, repo, SchedulerConfig{DispatchSchedule: "not a schedule", PurgeSchedule: "@hourly"}, zerolog.Nop())

	if err := scheduler.Start(); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
}
