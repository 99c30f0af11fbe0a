package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-migrate", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			applied, err := migrate.Up(ctx, rt.db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-migrate", false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ms, err := migrate.Status(ctx, rt.db)
			if err != nil {
				return err
			}
			for _, m := range ms {
				state := "pending"
				if m.Applied {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, m.Version)
			}
			return nil
		},
	})
	return cmd
}
