// Command oratiod is the main entry point for the Oratio synthesis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oratio-audio/oratio/internal/app"
	"github.com/oratio-audio/oratio/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "oratio.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "oratiod: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "oratiod: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("oratiod starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level applies live; anything touching adapters or queue policy
	// needs a restart and is only reported.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			logLevel.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.GateChanged || diff.WarmerChanged {
			slog.Info("gate or warmer config changed; applies on restart")
		}
		for _, md := range diff.ModelChanges {
			slog.Info("model config changed; applies on restart",
				"model", md.Slug,
				"policy", md.PolicyChanged,
				"adapter", md.AdapterChanged,
				"added", md.Added,
				"removed", md.Removed,
			)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Oratio — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Redis", cfg.Redis.Addr)
	if cfg.Postgres.DSN != "" {
		printRow("Postgres", "configured")
	} else {
		printRow("Postgres", "(disabled)")
	}
	if cfg.Cache.Dir != "" {
		printRow("Cache dir", cfg.Cache.Dir)
	} else {
		printRow("Cache", "in-memory")
	}
	if cfg.Gate.MonthlyCharLimit > 0 {
		printRow("Monthly limit", fmt.Sprintf("%.0f chars", cfg.Gate.MonthlyCharLimit))
	} else {
		printRow("Monthly limit", "(unlimited)")
	}
	for _, m := range cfg.Models {
		shape := fmt.Sprintf("%s ×%d", m.Adapter, m.MaxParallel)
		if m.Serial {
			shape = string(m.Adapter) + " serial"
		}
		if m.Overflow != nil {
			shape += " +spill"
		}
		printRow("Model "+m.Slug, shape)
	}
	printRow("Warm entries", fmt.Sprintf("%d", len(cfg.Warmer.Entries)))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	if len([]rune(kind)) > 14 {
		kind = string([]rune(kind)[:14])
	}
	fmt.Printf("║  %-14s : %-19s ║\n", kind, value)
}
