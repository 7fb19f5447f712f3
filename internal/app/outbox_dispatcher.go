package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/helphut/ticket-service/internal/store"
	"github.com/helphut/ticket-service/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxStaleProcessing = 2 * time.Minute
	maxOutboxRetryDelaySeconds   = 300
)

// PublisherFactory dials the broker. It is called lazily and again after a
// publish failure drops the connection.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher drains the event outbox into the notification exchange.
type OutboxDispatcher struct {
	mu                  sync.Mutex
	repo                store.OutboxRepository
	connect             PublisherFactory
	publisher           rabbitmq.Publisher
	batchSize           int
	staleProcessingTime time.Duration
	logger              zerolog.Logger
}

func NewOutboxDispatcher(repo store.OutboxRepository, connect PublisherFactory, batchSize int, logger zerolog.Logger) *OutboxDispatcher {
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           batchSize,
		staleProcessingTime: defaultOutboxStaleProcessing,
		logger:              logger.With().Str("component", "outbox_dispatcher").Logger(),
	}
}

// FlushOnce claims one batch and publishes it. Failed messages are rescheduled
// with exponential backoff; the number of published messages is returned.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.Warn().Err(err).
				Int64("outbox_id", message.ID).
				Str("routing_key", message.RoutingKey).
				Int("attempts", message.Attempts).
				Int("retry_after_seconds", retryAfter).
				Msg("publish failed; rescheduling")
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error().Err(markErr).Int64("outbox_id", message.ID).Msg("failed to reschedule outbox message")
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error().Err(err).Int64("outbox_id", message.ID).Msg("failed to mark outbox message as published")
			continue
		}
		published++
	}
	return published, nil
}

// Run flushes on every tick until ctx is cancelled. The scheduler is the usual
// driver; Run serves one-shot tooling and tests.
func (d *OutboxDispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer d.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.Error().Err(err).Msg("outbox flush error")
			}
		}
	}
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		if d.connect == nil {
			return fmt.Errorf("no publisher configured")
		}
		publisher, err := d.connect()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	if !json.Valid(message.Payload) {
		return fmt.Errorf("outbox message %d carries invalid json", message.ID)
	}

	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

// Close releases the broker connection.
func (d *OutboxDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closePublisher()
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 9)
	if delay > maxOutboxRetryDelaySeconds {
		return maxOutboxRetryDelaySeconds
	}
	return delay
}
