// Command fetch-user-info runs the username full-info driver (C6) on a
// poll loop: each tick acquires a session and drains username_work
// oldest-eligible-first, fetching and persisting each user or channel's
// heavy metadata.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/esse-scrape/gram/internal/config"
	"github.com/esse-scrape/gram/internal/fullinfo"
	"github.com/esse-scrape/gram/internal/infra/db"
	"github.com/esse-scrape/gram/internal/infra/log"
	"github.com/esse-scrape/gram/internal/infra/metrics"
	"github.com/esse-scrape/gram/internal/platform"
	"github.com/esse-scrape/gram/internal/resolver"
	"github.com/esse-scrape/gram/internal/scheduler"
	"github.com/esse-scrape/gram/internal/sessionstore"
	"github.com/esse-scrape/gram/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "fetch-user-info",
		Short: "drain username_work, fetching full user/channel metadata",
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("fetch-user-info: connect db: %w", err)
	}
	defer pool.Close()

	pg := store.New(pool)
	plRegistry := platform.NewRegistry()
	sessions := sessionstore.New(pg.Sessions(), plRegistry, logger, cfg.Platform.GlobalRPS)
	res := resolver.New(pg.ChatCache(), nil, logger)
	fetcher := fullinfo.New(pg.FullInfo())

	driver := &scheduler.UsernameFullDriver{
		Sessions:   sessions,
		Work:       pg.UsernameWork(),
		Resolver:   res,
		Fetcher:    fetcher,
		Log:        logger,
		StaleAfter: cfg.Scheduler.FullInfoStaleAfter,
	}

	ticker := time.NewTicker(cfg.Scheduler.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fetch-user-info: shutting down")
			return nil
		case <-ticker.C:
			if err := driver.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("fetch-user-info: driver run failed")
			}
		}
	}
}
