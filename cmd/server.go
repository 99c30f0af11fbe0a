package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/auth"
	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/ledger"
	"github.com/example/tourbook/internal/notify"
	"github.com/example/tourbook/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp, withRelay bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking API (and the outbox relay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := open(ctx, "tourbook-api", migrateUp)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.cfg.RequireCookieKeys(); err != nil {
				return err
			}

			pub, err := notify.DialPublisher(rt.cfg.AMQPURL, rt.cfg.AMQPExchange)
			if err != nil {
				return err
			}
			defer pub.Close()

			outbox := notify.NewOutbox(rt.db)
			repo := bookings.NewRepo(rt.db)
			sender := &notify.Sender{
				Broker:  pub,
				Outbox:  outbox,
				Events:  repo,
				Timeout: rt.cfg.CompensationTimeout,
				Log:     rt.log,
			}

			if withRelay {
				relay := &notify.Relay{
					Outbox:    outbox,
					Sender:    sender,
					Sweeper:   ledger.New(rt.db),
					Interval:  rt.cfg.RelayInterval,
					Batch:     rt.cfg.RelayBatch,
					OrphanAge: rt.cfg.OrphanHoldAge,
					Log:       rt.log.WithField("component", "relay"),
				}
				go func() { _ = relay.Run(ctx) }()
			}

			sessions := auth.NewStore(rt.db, rt.cfg.CookieHashKey, rt.cfg.CookieBlockKey)
			ws := &web.Server{
				Bookings: rt.bookingService(sender),
				Sessions: sessions,
				Staff:    sessions,
				Health: func(ctx context.Context) error {
					if err := rt.db.Ping(ctx); err != nil {
						return err
					}
					return pub.Ping()
				},
				Log: rt.log,
			}
			return web.Start(ctx, rt.cfg.ListenAddr, ws.Routes(), rt.log)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&withRelay, "relay", true, "run the outbox relay and orphan sweeper in-process")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
