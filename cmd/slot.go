package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/itinerary"
	"github.com/example/tourbook/internal/ledger"
)

func newSlotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Manage departure slots and their capacity",
	}
	cmd.AddCommand(newSlotAddCmd(), newSlotListCmd(), newSlotOpenCmd("open", true), newSlotOpenCmd("close", false))
	return cmd
}

func newSlotAddCmd() *cobra.Command {
	var routeID, date, start string
	var capacity int
	var closed bool

	c := &cobra.Command{
		Use:   "add",
		Short: "Create a departure slot for a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := time.Parse(time.DateOnly, date)
			if err != nil {
				return fmt.Errorf("--date: %w", err)
			}
			at, err := itinerary.ParseTimeOfDay(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if at >= 24*60 {
				return fmt.Errorf("--start: %s is end of day, use 00:00 on the next date", start)
			}

			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			s, err := ledger.New(rt.db).CreateSlot(ctx, ledger.Slot{
				RouteID:     routeID,
				Date:        day,
				StartTime:   at,
				MaxCapacity: capacity,
				IsOpen:      !closed,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created slot %s (%s %s, capacity %d)\n", s.ID, date, s.StartTime, s.MaxCapacity)
			return nil
		},
	}

	c.Flags().StringVar(&routeID, "route", "", "route id")
	c.Flags().StringVar(&date, "date", "", "departure date (YYYY-MM-DD)")
	c.Flags().StringVar(&start, "start", "", "start time (HH:MM)")
	c.Flags().IntVar(&capacity, "capacity", 0, "seats on this departure")
	c.Flags().BoolVar(&closed, "closed", false, "create the slot closed for booking")
	_ = c.MarkFlagRequired("route")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("capacity")
	return c
}

func newSlotListCmd() *cobra.Command {
	var routeID, from, to string

	c := &cobra.Command{
		Use:   "list",
		Short: "List a route's slots with remaining capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end := time.Now(), time.Now().AddDate(0, 0, 30)
			var err error
			if from != "" {
				if start, err = time.Parse(time.DateOnly, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			if to != "" {
				if end, err = time.Parse(time.DateOnly, to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}

			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			slots, err := ledger.New(rt.db).ListSlots(ctx, routeID, start, end)
			if err != nil {
				return err
			}
			for _, s := range slots {
				state := "open"
				if !s.IsOpen {
					state = "closed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s %s  %d/%d  %s\n", s.ID, s.Date.Format(time.DateOnly), s.StartTime, s.RemainingCapacity, s.MaxCapacity, state)
			}
			return nil
		},
	}

	c.Flags().StringVar(&routeID, "route", "", "route id")
	c.Flags().StringVar(&from, "from", "", "first date (default today)")
	c.Flags().StringVar(&to, "to", "", "last date (default today+30d)")
	_ = c.MarkFlagRequired("route")
	return c
}

func newSlotOpenCmd(use string, isOpen bool) *cobra.Command {
	short := "Reopen a slot for booking"
	if !isOpen {
		short = "Stop taking bookings on a slot"
	}
	return &cobra.Command{
		Use:   use + " SLOT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := ledger.New(rt.db).SetOpen(ctx, args[0], isOpen); err != nil {
				return err
			}
			state := "open"
			if !isOpen {
				state = "closed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slot %s is now %s\n", args[0], state)
			return nil
		},
	}
}
