package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eachlabs/ncdc/internal/app"
	"github.com/eachlabs/ncdc/internal/config"
	"github.com/eachlabs/ncdc/internal/session"
	"github.com/spf13/cobra"
)

var errNoToken = errors.New("not logged in, run: ncdc login")

// openApp builds the application context and its first session.
func openApp(cfg *config.Config) (*app.Context, *session.Session, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	c, err := app.New(cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	s, err := c.NewSession()
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, s, nil
}

// withSession loads the config, requires a token and runs fn while the loop
// is driven.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, c *app.Context, s *session.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Account.Token == "" {
		return errNoToken
	}

	c, s, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, c, s)
	})
}
