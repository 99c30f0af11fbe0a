package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/config"
	"github.com/example/tourbook/internal/logging"
	"github.com/example/tourbook/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	var prefetch int

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Consume booking events and deliver customer confirmations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log, err := logging.New("tourbook-notify", cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := &notify.Consumer{
				Exchange: cfg.AMQPExchange,
				Queue:    cfg.NotifyQueue,
				Prefetch: prefetch,
				Notifier: notify.LogNotifier{Log: log},
				Log:      log,
			}
			if err := c.Connect(cfg.AMQPURL); err != nil {
				return err
			}
			defer c.Close()

			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "unacknowledged messages held at once")
	return cmd
}
