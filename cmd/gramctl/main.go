// Command gramctl is the operator's tool: bootstrap logs in a fresh
// account interactively, seed bulk-loads credentials, accounts, and work
// queue rows from a TOML file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/esse-scrape/gram/internal/config"
	"github.com/esse-scrape/gram/internal/infra/db"
	"github.com/esse-scrape/gram/internal/infra/log"
	"github.com/esse-scrape/gram/internal/platform"
	"github.com/esse-scrape/gram/internal/sessionstore"
	"github.com/esse-scrape/gram/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "gramctl",
		Short: "operator tool for account bootstrap and bulk seeding",
	}
	root.AddCommand(bootstrapCmd(), seedCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ── bootstrap command ──

func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "log in a fresh account interactively and store its session",
		RunE:  runBootstrap,
	}
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("gramctl: connect db: %w", err)
	}
	defer pool.Close()

	pg := store.New(pool)
	registry := platform.NewRegistry()
	sessions := sessionstore.New(pg.Sessions(), registry, logger, cfg.Platform.GlobalRPS)

	handle, err := sessions.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("gramctl: bootstrap: %w", err)
	}
	fmt.Printf("bootstrapped session %s for account %s\n", handle.SessionID, handle.AccountID)
	return nil
}

// ── seed command ──

// seedFile is the TOML shape gramctl seed reads: a flat list per table,
// none of which the running service ever writes for itself.
type seedFile struct {
	Credentials []struct {
		APIID   int32  `toml:"api_id"`
		APIHash string `toml:"api_hash"`
	} `toml:"credentials"`
	Accounts []struct {
		Phone string `toml:"phone"`
	} `toml:"accounts"`
	Channels []struct {
		Username string `toml:"username"`
	} `toml:"channels"`
	Usernames []struct {
		Username string `toml:"username"`
	} `toml:"usernames"`
}

func seedCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "bulk-load credentials, accounts, and work queue rows from a TOML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, path)
		},
	}
	cmd.Flags().StringVar(&path, "file", "seed.toml", "path to the seed TOML file")
	return cmd
}

func runSeed(cmd *cobra.Command, path string) error {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	var seed seedFile
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return fmt.Errorf("gramctl: decode seed file %s: %w", path, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("gramctl: connect db: %w", err)
	}
	defer pool.Close()

	seeder := store.NewSeedStore(pool)

	for _, c := range seed.Credentials {
		cred, err := seeder.InsertCredential(ctx, c.APIID, c.APIHash)
		if err != nil {
			return fmt.Errorf("gramctl: insert credential: %w", err)
		}
		logger.Info().Str("credential_id", cred.ID.String()).Int32("api_id", cred.APIID).Msg("gramctl: seeded credential")
	}
	for _, a := range seed.Accounts {
		acc, err := seeder.InsertAccount(ctx, a.Phone)
		if err != nil {
			return fmt.Errorf("gramctl: insert account %q: %w", a.Phone, err)
		}
		logger.Info().Str("account_id", acc.ID.String()).Str("phone", acc.Phone).Msg("gramctl: seeded account")
	}
	for _, c := range seed.Channels {
		w, err := seeder.InsertChannelWork(ctx, c.Username)
		if err != nil {
			return fmt.Errorf("gramctl: insert channel work %q: %w", c.Username, err)
		}
		logger.Info().Str("work_id", w.ID.String()).Str("username", w.Username).Msg("gramctl: seeded channel work")
	}
	for _, u := range seed.Usernames {
		w, err := seeder.InsertUsernameWork(ctx, u.Username)
		if err != nil {
			return fmt.Errorf("gramctl: insert username work %q: %w", u.Username, err)
		}
		logger.Info().Str("work_id", w.ID.String()).Str("username", w.Username).Msg("gramctl: seeded username work")
	}

	logger.Info().
		Int("credentials", len(seed.Credentials)).
		Int("accounts", len(seed.Accounts)).
		Int("channels", len(seed.Channels)).
		Int("usernames", len(seed.Usernames)).
		Msg("gramctl: seed complete")
	return nil
}
