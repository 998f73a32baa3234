package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
)

// tokenCmd mints a signed credential for local testing of websocket clients.
func tokenCmd() *cobra.Command {
	var (
		id   auth.Identity
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a websocket credential for an identity",
		Example: `  courierd token --role driver --user U7 --driver D7
  courierd token --role business --user U2 --business B1 --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			id.Role = r
			if err := id.Validate(); err != nil {
				return err
			}

			authenticator, err := auth.NewJWTAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
			if err != nil {
				return err
			}
			token, err := authenticator.Sign(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "admin, business, driver or customer (required)")
	cmd.Flags().StringVar(&id.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&id.BusinessID, "business", "", "business id for the business role")
	cmd.Flags().StringVar(&id.DriverID, "driver", "", "driver id for the driver role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
