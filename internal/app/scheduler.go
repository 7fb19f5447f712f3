/**
 * @description
 * Cron scheduler for the background jobs of the ticket-service: outbox dispatch
 * and purging of published outbox rows.
 */
package app

import (
	"context"
	"time"

	"github.com/helphut/ticket-service/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const jobTimeout = 30 * time.Second

// SchedulerConfig holds the cron expressions and retention of the background jobs.
type SchedulerConfig struct {
	DispatchSchedule string
	PurgeSchedule    string
	OutboxRetention  time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *OutboxDispatcher
	outbox     store.OutboxRepository
	config     SchedulerConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same
// job are skipped.
func NewScheduler(dispatcher *OutboxDispatcher, outbox store.OutboxRepository, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	schedulerLogger := logger.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&schedulerLogger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		dispatcher: dispatcher,
		outbox:     outbox,
		config:     cfg,
		logger:     schedulerLogger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.DispatchSchedule, s.DispatchOutbox); err != nil {
		s.logger.Error().Err(err).Str("schedule", s.config.DispatchSchedule).Msg("failed to schedule outbox dispatch job")
		return err
	}
	s.logger.Info().Str("schedule", s.config.DispatchSchedule).Msg("scheduled outbox dispatch job")

	if _, err := s.cron.AddFunc(s.config.PurgeSchedule, s.PurgeOutbox); err != nil {
		s.logger.Error().Err(err).Str("schedule", s.config.PurgeSchedule).Msg("failed to schedule outbox purge job")
		return err
	}
	s.logger.Info().Str("schedule", s.config.PurgeSchedule).Msg("scheduled outbox purge job")

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	go func() {
		<-ctx.Done()
		s.dispatcher.Close()
	}()
	return ctx
}

// DispatchOutbox publishes one batch of pending events.
func (s *Scheduler) DispatchOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	published, err := s.dispatcher.FlushOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("outbox dispatch failed")
		return
	}
	if published > 0 {
		s.logger.Debug().Int("published", published).Msg("outbox dispatched")
	}
}

// PurgeOutbox deletes published rows older than the retention window.
func (s *Scheduler) PurgeOutbox() {
	if s.config.OutboxRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	purged, err := s.outbox.PurgePublishedOutbox(ctx, s.now().Add(-s.config.OutboxRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("outbox purge failed")
		return
	}
	s.logger.Info().Int64("purged", purged).Msg("outbox purged")
}
