package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/bookings"
	"github.com/example/tourbook/internal/orchestrator"
)

func newBookingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Create, inspect and cancel bookings",
	}
	cmd.AddCommand(newBookingCreateCmd(), newBookingShowCmd(), newBookingCancelCmd(), newBookingEventsCmd())
	return cmd
}

func newBookingCreateCmd() *cobra.Command {
	var req orchestrator.Request
	var guestName, guestEmail, guestPhone, payRef, payStatus string

	c := &cobra.Command{
		Use:   "create",
		Short: "Book a party onto a departure slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if guestEmail != "" || guestName != "" {
				req.Customer.Guest = &bookings.GuestContact{Name: guestName, Email: guestEmail, Phone: guestPhone}
			}
			req.Payment = bookings.PaymentResult{Reference: payRef, Status: bookings.PaymentStatus(payStatus)}

			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			// no dispatcher: the relay picks the confirmation up from the outbox
			b, err := rt.bookingService(nil).CreateBooking(ctx, req)
			if err != nil {
				return err
			}
			printBooking(cmd, b)
			return nil
		},
	}

	c.Flags().StringVar(&req.RouteID, "route", "", "route id")
	c.Flags().StringVar(&req.SlotID, "slot", "", "slot id")
	c.Flags().IntVar(&req.PartySize, "party", 0, "party size")
	c.Flags().StringVar(&req.Customer.UserID, "user", "", "registered user id")
	c.Flags().StringVar(&guestName, "guest-name", "", "guest name")
	c.Flags().StringVar(&guestEmail, "guest-email", "", "guest email")
	c.Flags().StringVar(&guestPhone, "guest-phone", "", "guest phone")
	c.Flags().StringVar(&payRef, "payment-ref", "", "payment reference from checkout")
	c.Flags().StringVar(&payStatus, "payment-status", string(bookings.PaymentPaid), "paid or authorized")
	_ = c.MarkFlagRequired("route")
	_ = c.MarkFlagRequired("slot")
	_ = c.MarkFlagRequired("party")
	_ = c.MarkFlagRequired("payment-ref")
	return c
}

// lookup accepts either a booking id or a TB- reference.
func lookup(ctx context.Context, svc *orchestrator.Service, key string) (bookings.Booking, error) {
	if strings.HasPrefix(strings.ToUpper(key), "TB-") {
		return svc.BookingByReference(ctx, strings.ToUpper(key))
	}
	return svc.Booking(ctx, key)
}

func newBookingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID|REFERENCE",
		Short: "Show a booking and its stops",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			b, err := lookup(ctx, rt.bookingService(nil), args[0])
			if err != nil {
				return err
			}
			printBooking(cmd, b)
			return nil
		},
	}
}

func newBookingCancelCmd() *cobra.Command {
	var reason, actor string

	c := &cobra.Command{
		Use:   "cancel ID|REFERENCE",
		Short: "Cancel a booking and return its seats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.bookingService(nil)
			b, err := lookup(ctx, svc, args[0])
			if err != nil {
				return err
			}
			b, err = svc.CancelBooking(ctx, b.ID, reason, actor)
			if err != nil {
				return err
			}
			printBooking(cmd, b)
			return nil
		},
	}

	c.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	c.Flags().StringVar(&actor, "actor", "staff:cli", "who is cancelling")
	return c
}

func newBookingEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events ID|REFERENCE",
		Short: "Print a booking's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.bookingService(nil)
			b, err := lookup(ctx, svc, args[0])
			if err != nil {
				return err
			}
			evs, err := svc.Events(ctx, b.ID)
			if err != nil {
				return err
			}
			for _, e := range evs {
				meta := ""
				if len(e.Metadata) > 0 {
					raw, _ := json.Marshal(e.Metadata)
					meta = string(raw)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-16s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Actor, meta)
			}
			return nil
		},
	}
}

func printBooking(cmd *cobra.Command, b bookings.Booking) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  party=%d  total=%s\n", b.Reference, b.ID, b.Status, b.PartySize, money(b.TotalCents, b.Currency))
	for _, s := range b.Stops {
		name := s.RestaurantName
		if name == "" {
			name = s.RestaurantID
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %d. %-24s %s-%s  %s\n", s.StopNumber, name,
			s.EstimatedArrival.Format("15:04"), s.EstimatedDeparture.Format("15:04"), s.Status)
	}
}

func money(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
