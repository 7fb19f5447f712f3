package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/helphut/ticket-service/internal/api"
	"github.com/helphut/ticket-service/internal/app"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/helphut/ticket-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd returns the command that runs the HTTP API and background jobs.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher and donation consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(true)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), rt)
		},
	}
}

func runServe(parent context.Context, rt *runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := rt.logger.With().Str("component", "bootstrap").Logger()
	log.Info().Str("port", rt.cfg.ServerPort).Str("driver", rt.cfg.DatabaseDriver).Msg("starting ticket-service")

	if err := rt.openStore(ctx, rt.cfg.AutoMigrate); err != nil {
		return err
	}
	defer rt.close()

	service := app.NewService(rt.repo, rt.logger)
	if redisClient := connectRedis(ctx, rt, log); redisClient != nil {
		defer redisClient.Close()
		service.SetClaimRateLimiter(app.NewRedisClaimRateLimiter(redisClient, rt.cfg.RedisRateLimitPrefix, rt.cfg.ClaimRateLimitPerMinute))
	}

	if rt.cfg.RabbitMQURL == "" {
		log.Warn().Msg("rabbitmq url missing; events stay in the outbox and donation.posted is not consumed")
	} else {
		dispatcher := app.NewOutboxDispatcher(rt.repo, publisherFactory(rt), rt.cfg.OutboxBatchSize, rt.logger)
		scheduler := app.NewScheduler(dispatcher, rt.repo, app.SchedulerConfig{
			DispatchSchedule: rt.cfg.OutboxDispatchSchedule,
			PurgeSchedule:    rt.cfg.OutboxPurgeSchedule,
			OutboxRetention:  rt.cfg.OutboxRetention(),
		}, rt.logger)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() {
			<-scheduler.Stop().Done()
			log.Info().Msg("scheduler stopped")
		}()

		consumer, err := rabbitmq.NewConsumer(rt.cfg.RabbitMQURL, rt.logger)
		if err != nil {
			return fmt.Errorf("rabbitmq consumer init: %w", err)
		}
		defer consumer.Close()

		donations := app.NewDonationPostedConsumer(service, rt.logger)
		bindings := map[string]func([]byte) bool{
			domain.EventDonationPosted: donations.HandleDonationPosted,
		}
		if err := consumer.ConsumeWithBindings(rt.cfg.DonationEventExchange, rt.cfg.DonationEventQueue, bindings); err != nil {
			return fmt.Errorf("donation consumer start: %w", err)
		}
	}

	handlers := api.NewTicketHandlers(service, rt.logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			Secret:   rt.cfg.JWTSecret,
			Issuer:   rt.cfg.JWTIssuer,
			Audience: rt.cfg.JWTAudience,
		},
		InternalAPIKey: rt.cfg.InternalAPIKey,
		AllowedOrigins: rt.cfg.AllowedOrigins(),
		RequestTimeout: rt.cfg.RequestTimeout(),
	}, rt.logger)
	if rt.cfg.InternalAPIKey == "" {
		log.Warn().Msg("internal api key missing; /internal endpoints reject every call")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", rt.cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		rt.logger.Info().Str("component", "http").Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	rt.logger.Info().Str("component", "http").Msg("shutdown started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error().Str("component", "http").Err(err).Msg("shutdown failed")
	}
	rt.logger.Info().Str("component", "http").Msg("shutdown complete")
	return nil
}

// connectRedis returns nil when claim rate limiting is off or Redis is unreachable;
// claims are then not rate limited.
func connectRedis(ctx context.Context, rt *runtime, log zerolog.Logger) *redis.Client {
	if rt.cfg.ClaimRateLimitPerMinute <= 0 {
		return nil
	}
	if rt.cfg.RedisURL == "" {
		log.Warn().Msg("redis url missing; claim rate limiting disabled")
		return nil
	}
	options, err := redis.ParseURL(rt.cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis url parse failed; claim rate limiting disabled")
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed; claim rate limiting disabled")
		client.Close()
		return nil
	}
	log.Info().Int("per_minute", rt.cfg.ClaimRateLimitPerMinute).Msg("redis connected; claim rate limiting enabled")
	return client
}

func publisherFactory(rt *runtime) app.PublisherFactory {
	return func() (rabbitmq.Publisher, error) {
		return rabbitmq.NewEventProducer(rt.cfg.RabbitMQURL, rt.logger)
	}
}
