package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"shelfmate/internal/client"

	"github.com/spf13/cobra"
)

// keys: create the device keypair if needed and publish its public half.
func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Create and publish this device's key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(timeout, func(ctx context.Context, s *client.Session) error {
				pair, err := s.Keys.EnsureKeyPair(ctx)
				if err != nil {
					return err
				}
				sum := sha256.Sum256([]byte(pair.PublicKeyJwk.X + "." + pair.PublicKeyJwk.Y))
				fmt.Fprintf(cmd.OutOrStdout(), "user:        %s\n", s.UserID)
				fmt.Fprintf(cmd.OutOrStdout(), "fingerprint: %s\n", hex.EncodeToString(sum[:8]))
				fmt.Fprintf(cmd.OutOrStdout(), "published:   %t\n", s.Keys.Ready())
				return nil
			})
		},
	}
}
