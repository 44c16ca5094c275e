package commands

import (
	"context"
	"fmt"
	"time"

	"shelfmate/internal/client"

	"github.com/spf13/cobra"
)

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations with unread counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(timeout, func(ctx context.Context, s *client.Session) error {
				if err := s.Conversations.Refresh(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				list := s.Conversations.List()
				if len(list) == 0 {
					fmt.Fprintln(out, "no conversations")
					return nil
				}
				for _, c := range list {
					last := ""
					if c.LastMessage != nil {
						last = c.LastMessage.Body
						if last == "" && c.LastMessage.Encrypted() {
							last = "(encrypted)"
						}
					}
					fmt.Fprintf(out, "%-36s  unread %-3d  %s  %s\n",
						c.PeerID, c.UnreadCount, c.UpdatedAt.Local().Format(time.DateTime), last)
				}
				return nil
			})
		},
	}
}
