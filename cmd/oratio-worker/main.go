// Command oratio-worker runs synthesis worker loops against a shared
// Redis queue without serving HTTP. Deploy it next to a GPU (serial
// kokoro loop) or scale it horizontally for API-backed models; the
// oratiod server keeps owning the websocket surface, consumers, and
// cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/oratio-audio/oratio/internal/config"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/internal/scanner"
	"github.com/oratio-audio/oratio/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "oratio.yaml", "path to the YAML configuration file")
	modelsFlag := flag.String("models", "", "comma-separated model slugs to work (default: all configured)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oratio-worker: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	selected := cfg.Models
	if *modelsFlag != "" {
		want := strings.Split(*modelsFlag, ",")
		selected = nil
		for _, m := range cfg.Models {
			if slices.Contains(want, m.Slug) {
				selected = append(selected, m)
			}
		}
		if len(selected) != len(want) {
			fmt.Fprintf(os.Stderr, "oratio-worker: -models %q does not match configured models %v\n", *modelsFlag, cfg.ModelSlugs())
			return 1
		}
	}
	if len(selected) == 0 {
		fmt.Fprintln(os.Stderr, "oratio-worker: no models to work")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	q := queue.New(rdb)
	if err := q.Ping(ctx); err != nil {
		slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}

	providers, err := config.BuildProviders(config.DefaultRegistry(), cfg)
	if err != nil {
		slog.Error("failed to build adapters", "err", err)
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)
	var policies []scanner.ModelPolicy
	for _, mc := range selected {
		provider := providers[mc.Slug]
		policies = append(policies, scanner.ModelPolicy{
			Model:      mc.Slug,
			RetryLimit: mc.RetryLimit,
		})

		var w worker.Worker
		if mc.Serial {
			w = worker.NewSerial(q, provider, mc.Visibility.Std())
		} else {
			w = worker.NewDispatcher(q, provider, mc.Visibility.Std(), mc.MaxParallel)
		}
		slog.Info("worker starting", "model", mc.Slug, "serial", mc.Serial, "max_parallel", mc.MaxParallel)
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error {
		return scanner.NewVisibility(q, policies, 0).Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
