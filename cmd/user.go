package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tourbook/internal/auth"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage support staff accounts",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a staff user (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := open(ctx, "tourbook-admin", true)
			if err != nil {
				return err
			}
			defer rt.Close()

			// cookie keys are not needed to hash a password
			store := auth.NewStore(rt.db, rt.cfg.CookieHashKey, rt.cfg.CookieBlockKey)
			id, err := store.CreateUser(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created staff user %q (id %d)\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
