// Command server is the HTTP adapter (C8): it exposes the ctrl/op routes
// over the database every other binary in this module shares.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/esse-scrape/gram/internal/config"
	"github.com/esse-scrape/gram/internal/domain"
	"github.com/esse-scrape/gram/internal/fullinfo"
	"github.com/esse-scrape/gram/internal/httpapi"
	"github.com/esse-scrape/gram/internal/infra/cache"
	"github.com/esse-scrape/gram/internal/infra/db"
	infrahttp "github.com/esse-scrape/gram/internal/infra/http"
	"github.com/esse-scrape/gram/internal/infra/log"
	"github.com/esse-scrape/gram/internal/infra/metrics"
	"github.com/esse-scrape/gram/internal/platform"
	"github.com/esse-scrape/gram/internal/resolver"
	"github.com/esse-scrape/gram/internal/sessionstore"
	"github.com/esse-scrape/gram/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "server",
		Short: "serve the ctrl/op HTTP interface over the session database",
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

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("server: connect db: %w", err)
	}
	defer pool.Close()

	pg := store.New(pool)
	plRegistry := platform.NewRegistry()
	sessions := sessionstore.New(pg.Sessions(), plRegistry, logger, cfg.Platform.GlobalRPS)

	kvCache, redisClose := newRedisCacheOrNil(cfg.RedisAddr)
	if redisClose != nil {
		defer redisClose()
	}
	res := resolver.New(pg.ChatCache(), kvCache, logger)
	fetcher := fullinfo.New(pg.FullInfo())

	srv := httpapi.New(sessions, plRegistry, pg.ChatCache(), res, fetcher, logger)
	httpSrv := infrahttp.NewServer(logger)
	// Serve the registry filled above, replacing NewServer's default-registry
	// /metrics handler.
	httpSrv.Router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv.Routes(httpSrv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info().Msg("server: shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

// newRedisCacheOrNil returns a Redis-backed KVCache and its closer, or a nil
// pair if no address is configured — the resolution cache falls back to
// Postgres-only in that case, matching resolver.New's own nil-tolerant
// contract.
func newRedisCacheOrNil(addr string) (domain.KVCache, func() error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	rc := cache.NewRedis(client)
	return rc, rc.Close
}
