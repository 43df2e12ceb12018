package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tetherline/tether/internal/config"
	"github.com/tetherline/tether/internal/creds"
	"github.com/tetherline/tether/internal/creds/sqlitestore"
	"github.com/tetherline/tether/internal/keyedlock"
	"github.com/tetherline/tether/internal/logging"
	"github.com/tetherline/tether/internal/ops"
	"github.com/tetherline/tether/internal/session"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the session daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), v.GetString("config"))
		},
	}
}

func runDaemon(ctx context.Context, configPath string) error {
	logging.ConfigureRuntime()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlitestore.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	// Process-wide login gate: one password login per account per cooldown,
	// shared by every session generation.
	logins := keyedlock.NewRegistry(keyedlock.Config{ReleaseDelay: creds.DefaultLoginCooldown})
	collaborators := creds.Collaborators{Store: store}

	accounts := make(map[string]config.AccountConfig, len(cfg.Accounts))
	for _, acct := range cfg.Enabled() {
		accounts[acct.ID] = acct
	}

	registry := session.NewRegistry(func(ctx context.Context, accountID string) (*session.Session, error) {
		acct, ok := accounts[accountID]
		if !ok {
			return nil, fmt.Errorf("tetherd: unknown account %q", accountID)
		}
		cookies, err := store.LoadCookies(ctx, accountID)
		if err != nil && !errors.Is(err, sqlitestore.ErrNotFound) {
			return nil, err
		}
		return session.New(
			config.SessionConfig(cfg, acct),
			creds.ParseCookieString(cookies),
			collaborators,
			logins,
			nil,
		), nil
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv := ops.NewServer(ops.Config{
			Addr:        cfg.Ops.Addr,
			CorsOrigins: cfg.Ops.CorsOrigins,
			AuthToken:   cfg.Ops.AuthToken,
		}, registry)
		return srv.Run(ctx)
	})
	for _, acct := range cfg.Enabled() {
		accountID := acct.ID
		g.Go(func() error {
			return registry.Supervise(ctx, accountID)
		})
	}
	log.Info().Int("accounts", len(cfg.Enabled())).Str("ops_addr", cfg.Ops.Addr).Msg("tetherd: running")
	return g.Wait()
}
