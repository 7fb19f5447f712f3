package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/helphut/ticket-service/internal/app"
	"github.com/spf13/cobra"
)

// DispatchCmd returns the command that drains the event outbox outside serve.
func DispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Publish pending outbox events to RabbitMQ",
		Long: `Publish pending outbox events to the notification exchange.

Usage:
  ticket-service dispatch --once             # Publish one batch and exit
  ticket-service dispatch --interval 5s      # Keep publishing until interrupted`,
		RunE: runDispatch,
	}

	cmd.Flags().Bool("once", false, "Publish a single batch and exit")
	cmd.Flags().Duration("interval", 2*time.Second, "Delay between batches when not using --once")

	return cmd
}

func runDispatch(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	interval, _ := cmd.Flags().GetDuration("interval")

	rt, err := loadRuntime(false)
	if err != nil {
		return err
	}
	if rt.cfg.RabbitMQURL == "" {
		return errors.New("RABBITMQ_URL is required to dispatch events")
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.openStore(ctx, false); err != nil {
		return err
	}
	defer rt.close()

	dispatcher := app.NewOutboxDispatcher(rt.repo, publisherFactory(rt), rt.cfg.OutboxBatchSize, rt.logger)
	if !once {
		if interval <= 0 {
			return fmt.Errorf("interval must be positive, got %s", interval)
		}
		dispatcher.Run(ctx, interval)
		return nil
	}

	defer dispatcher.Close()
	published, err := dispatcher.FlushOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s)\n", published)
	return nil
}
