package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"shelfmate/internal/client"
	"shelfmate/internal/convsync"
	"shelfmate/internal/domain/message"

	"github.com/spf13/cobra"
)

// chat <peer>: open an interactive conversation. Lines typed on stdin are
// sent; /read marks the conversation read and /quit leaves.
func chatCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "chat [peer]",
		Short: "Chat interactively with a peer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !resume {
				return fmt.Errorf("peer required (or --resume)")
			}
			return withSession(0, func(ctx context.Context, s *client.Session) error {
				var (
					v   convsync.View
					err error
				)
				if len(args) == 1 {
					v, err = s.Open(ctx, args[0])
				} else {
					var ok bool
					v, ok, err = s.Resume(ctx)
					if err == nil && !ok {
						err = fmt.Errorf("no previous conversation to resume")
					}
				}
				if err != nil {
					return err
				}
				return runChat(ctx, s, v, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "reopen the last active conversation")
	return cmd
}

func runChat(ctx context.Context, s *client.Session, v convsync.View, in io.Reader, out io.Writer) error {
	r := newRenderer(out, v.PeerID)
	r.render(v)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Engine.Changes():
			view, err := s.Engine.View(ctx)
			if err != nil {
				return nil
			}
			r.render(view)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/read":
				if err := s.Engine.MarkRead(ctx); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
				continue
			}
			s.Engine.Keystroke()
			if _, err := s.Engine.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

// renderer prints each message once and then only its status changes.
type renderer struct {
	out       io.Writer
	peer      string
	seen      map[string]message.Status
	typing    bool
	online    bool
	connected bool
}

func newRenderer(out io.Writer, peer string) *renderer {
	return &renderer{out: out, peer: peer, seen: make(map[string]message.Status), connected: true}
}

func (r *renderer) render(v convsync.View) {
	if v.Connected != r.connected {
		r.connected = v.Connected
		if v.Connected {
			fmt.Fprintln(r.out, "-- connected")
		} else {
			fmt.Fprintln(r.out, "-- disconnected, messages will wait")
		}
	}
	if v.PeerOnline != r.online {
		r.online = v.PeerOnline
		state := "offline"
		if v.PeerOnline {
			state = "online"
		}
		fmt.Fprintf(r.out, "-- %s is %s\n", r.peer, state)
	}
	if v.PeerTyping != r.typing {
		r.typing = v.PeerTyping
		if v.PeerTyping {
			fmt.Fprintf(r.out, "-- %s is typing...\n", r.peer)
		}
	}

	if len(v.Messages) == 0 && len(r.seen) > 0 {
		fmt.Fprintln(r.out, "-- conversation cleared")
		r.seen = make(map[string]message.Status)
		return
	}

	for _, m := range v.Messages {
		if m.IsTemporary() {
			continue
		}
		prev, ok := r.seen[m.ID]
		r.seen[m.ID] = m.Status
		if !ok {
			who := r.peer
			if m.Mine {
				who = "me"
			}
			text := m.Text
			if m.Undecryptable {
				text = "(unable to decrypt)"
			}
			fmt.Fprintf(r.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, text)
			continue
		}
		if m.Mine && prev != m.Status {
			fmt.Fprintf(r.out, "   %s\n", m.Status)
		}
	}
}
