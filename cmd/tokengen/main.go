package main

import (
	"fmt"
	"os"
	"time"

	"shelfmate/config"
	"shelfmate/internal/services"

	"github.com/spf13/cobra"
)

// tokengen mints access tokens for local development, since user accounts
// live outside this service.
func main() {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tokengen <user-id>",
		Short: "Mint a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if ttl > 0 {
				cfg.JWTExpiryMin = int(ttl / time.Minute)
			}
			auth := services.NewAuthService(nil, cfg)
			token, expiresIn, err := auth.IssueAccessToken(args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRY_MIN)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
