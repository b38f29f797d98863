// Command oratio-warm pre-synthesises the configured warm entries into
// the variant cache and pins them. Run it at deploy time, before
// oratiod starts: LevelDB allows only one process on the cache
// directory at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oratio-audio/oratio/internal/cache/leveldbcache"
	"github.com/oratio-audio/oratio/internal/config"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/internal/warmer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "oratio.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oratio-warm: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if len(cfg.Warmer.Entries) == 0 {
		slog.Info("no warm entries configured, nothing to do")
		return 0
	}
	if cfg.Cache.Dir == "" {
		fmt.Fprintln(os.Stderr, "oratio-warm: cache.dir is required; warming an in-memory cache is pointless")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := leveldbcache.Open(cfg.Cache.Dir)
	if err != nil {
		slog.Error("cache open failed", "dir", cfg.Cache.Dir, "err", err)
		return 1
	}
	defer c.Close()

	var variants store.VariantStore
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("postgres connect failed", "err", err)
			return 1
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("migrate failed", "err", err)
			return 1
		}
		variants = pg
	}

	providers, err := config.BuildProviders(config.DefaultRegistry(), cfg)
	if err != nil {
		slog.Error("failed to build adapters", "err", err)
		return 1
	}

	n, err := warmer.New(c, variants, providers).Warm(ctx, cfg.Warmer.Entries)
	if err != nil {
		slog.Error("warm pass finished with failures", "synthesised", n, "entries", len(cfg.Warmer.Entries), "err", err)
		return 1
	}
	slog.Info("warm pass complete", "synthesised", n, "entries", len(cfg.Warmer.Entries))
	return 0
}
