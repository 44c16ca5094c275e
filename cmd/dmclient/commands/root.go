package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shelfmate/config"
	"shelfmate/internal/client"
	"shelfmate/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfg     config.ClientConfig
	logMode string
	timeout time.Duration
	appLog  *logger.Logger
)

func Execute() error {
	defaults := config.LoadConfig().Client

	root := &cobra.Command{
		Use:          "dmclient",
		Short:        "Shelfmate end-to-end encrypted direct messages",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				return fmt.Errorf("token required (--token or SHELFMATE_TOKEN)")
			}
			if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
				return err
			}
			if logMode == "" {
				appLog = logger.NewNop()
			} else {
				appLog = logger.New(logMode)
			}
			return nil
		},
	}

	cfg = defaults
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.ServerURL, "server", defaults.ServerURL, "directory base URL")
	flags.StringVar(&cfg.Token, "token", defaults.Token, "bearer token")
	flags.StringVar(&cfg.Home, "home", defaults.Home, "device key directory")
	flags.StringVarP(&cfg.Passphrase, "passphrase", "p", defaults.Passphrase, "passphrase sealing the device key")
	flags.StringVar(&logMode, "log", "", "log mode (development or production); silent when empty")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout of one-shot commands")

	root.AddCommand(
		keysCmd(),
		conversationsCmd(),
		sendCmd(),
		readCmd(),
		clearCmd(),
		chatCmd(),
	)
	return root.Execute()
}

// withSession starts a session, runs fn and closes it. The context is
// cancelled on SIGINT or SIGTERM and, when limit > 0, after limit.
func withSession(limit time.Duration, fn func(ctx context.Context, s *client.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	s, err := client.New(cfg, client.Options{Logger: appLog.Logger})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}
