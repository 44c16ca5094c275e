package commands

import (
	"context"
	"fmt"
	"strings"

	"shelfmate/internal/client"

	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt when possible and send.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message...>",
		Short: "Send a direct message to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			text := strings.Join(args[1:], " ")
			return withSession(timeout, func(ctx context.Context, s *client.Session) error {
				if _, err := s.Open(ctx, peer); err != nil {
					return err
				}
				m, err := s.Engine.Send(ctx, text)
				if err != nil {
					return err
				}
				mode := "plaintext"
				if m.Encrypted() {
					mode = "encrypted"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s)\n", m.ID, mode)
				return nil
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <peer>",
		Short: "Mark the conversation with a peer as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(timeout, func(ctx context.Context, s *client.Session) error {
				if _, err := s.Open(ctx, args[0]); err != nil {
					return err
				}
				if err := s.Engine.MarkRead(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "marked read")
				return nil
			})
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <peer>",
		Short: "Delete every message of the conversation for both participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("clearing removes the history for both participants; pass --yes to confirm")
			}
			return withSession(timeout, func(ctx context.Context, s *client.Session) error {
				if _, err := s.Open(ctx, args[0]); err != nil {
					return err
				}
				if err := s.Engine.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing")
	return cmd
}
