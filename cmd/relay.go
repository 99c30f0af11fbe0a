package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/notify"
)

func newRelayCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending notifications from the outbox and release orphaned holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := open(ctx, "tourbook-relay", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			pub, err := notify.DialPublisher(rt.cfg.AMQPURL, rt.cfg.AMQPExchange)
			if err != nil {
				return err
			}
			defer pub.Close()

			outbox := notify.NewOutbox(rt.db)
			relay := &notify.Relay{
				Outbox: outbox,
				Sender: &notify.Sender{
					Broker:  pub,
					Outbox:  outbox,
					Events:  bookings.NewRepo(rt.db),
					Timeout: rt.cfg.CompensationTimeout,
					Log:     rt.log,
				},
				Sweeper:   ledger.New(rt.db),
				Interval:  rt.cfg.RelayInterval,
				Batch:     rt.cfg.RelayBatch,
				OrphanAge: rt.cfg.OrphanHoldAge,
				Log:       rt.log,
			}

			if once {
				relay.Tick(ctx)
				n, err := outbox.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d notifications still pending\n", n)
				return nil
			}
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
