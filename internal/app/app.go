// Package app wires all Oratio subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes every processing loop under one errgroup,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRedis,
// WithCache, WithProviders, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/cache/leveldbcache"
	"github.com/oratio-audio/oratio/internal/cache/memcache"
	"github.com/oratio-audio/oratio/internal/config"
	"github.com/oratio-audio/oratio/internal/consumer"
	"github.com/oratio-audio/oratio/internal/gate"
	"github.com/oratio-audio/oratio/internal/health"
	"github.com/oratio-audio/oratio/internal/httpapi"
	"github.com/oratio-audio/oratio/internal/orchestrator"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/internal/scanner"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/internal/warmer"
	"github.com/oratio-audio/oratio/internal/worker"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/provider/tts/serverless"
)

// janitorInterval is the cadence of the cache size enforcement sweep.
const janitorInterval = time.Minute

// runner is one background loop owned by Run.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	rdb       redis.UniversalClient
	queue     *queue.Queue
	cache     cache.Cache
	pool      *pgxpool.Pool
	variants  store.VariantStore
	usage     store.UsageRecorder
	blocks    store.BlockStore
	gate      gate.Gate
	providers map[string]tts.Provider
	health    *health.Handler
	server    *httpapi.Server
	httpSrv   *http.Server

	runners []runner

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRedis injects a Redis client instead of dialling cfg.Redis.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithCache injects a variant cache instead of opening one from config.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithProviders injects the slug → adapter map instead of building it
// from the registry.
func WithProviders(p map[string]tts.Provider) Option {
	return func(a *App) { a.providers = p }
}

// WithBlockStore injects a document block store.
func WithBlockStore(b store.BlockStore) Option {
	return func(a *App) { a.blocks = b }
}

// WithMetadataStore injects the variant metadata and usage stores
// instead of connecting to Postgres.
func WithMetadataStore(v store.VariantStore, u store.UsageRecorder) Option {
	return func(a *App) {
		a.variants = v
		a.usage = u
	}
}

// WithGate injects a spend gate instead of deriving one from config.
func WithGate(g gate.Gate) Option {
	return func(a *App) { a.gate = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: Redis and Postgres
// connections, cache open, adapter construction, and route assembly.
// Background loops start in [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("app: init redis: %w", err)
	}
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initMetadata(ctx); err != nil {
		return nil, fmt.Errorf("app: init metadata store: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	a.initGate()
	a.initHealth()
	a.initHTTP()
	a.initRunners()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initRedis(ctx context.Context) error {
	if a.rdb == nil {
		if a.cfg.Redis.Addr == "" {
			return errors.New("redis.addr is not configured")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	a.queue = queue.New(a.rdb)
	if err := a.queue.Ping(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) initCache() error {
	if a.cache != nil {
		return nil
	}
	if a.cfg.Cache.Dir == "" {
		slog.Warn("cache.dir is empty; using the in-memory variant cache")
		a.cache = memcache.New()
		return nil
	}
	c, err := leveldbcache.Open(a.cfg.Cache.Dir)
	if err != nil {
		return err
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)
	return nil
}

// initMetadata connects the cold store. Without a DSN the app runs
// hot-path only: no variant metadata, no usage billing.
func (a *App) initMetadata(ctx context.Context) error {
	if a.variants == nil && a.cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.variants = pg
		a.usage = pg
		if a.blocks == nil {
			a.blocks = store.NewPostgresBlockStore(pool)
		}
	}
	if a.blocks == nil {
		slog.Warn("no document store configured; using the in-memory block store")
		a.blocks = store.NewMemBlockStore()
	}
	return nil
}

func (a *App) initProviders() error {
	if a.providers != nil {
		return nil
	}
	providers, err := config.BuildProviders(config.DefaultRegistry(), a.cfg)
	if err != nil {
		return err
	}
	a.providers = providers
	return nil
}

func (a *App) initGate() {
	if a.gate != nil {
		return
	}
	if limit := a.cfg.Gate.MonthlyCharLimit; limit > 0 {
		a.gate = gate.NewAllowance(a.rdb, limit)
		return
	}
	a.gate = gate.Unlimited{}
}

func (a *App) initHealth() {
	checkers := []health.Checker{{
		Name:  "redis",
		Check: a.queue.Ping,
	}}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.pool.Ping,
		})
	}
	a.health = health.New(checkers...)
}

func (a *App) initHTTP() {
	var auth orchestrator.AuthFunc
	if len(a.cfg.Server.AuthTokens) > 0 {
		auth = orchestrator.TokenAuth(a.cfg.Server.AuthTokens)
	} else {
		slog.Warn("server.auth_tokens is empty; accepting client-declared user IDs")
		auth = orchestrator.AnonAuth()
	}

	orch := orchestrator.New(a.queue, a.cache, a.blocks, a.gate, a.rdb, auth, orchestrator.Config{
		Models:         a.cfg.ModelSlugs(),
		InflightTTL:    a.cfg.Session.InflightTTL.Std(),
		RetainBehind:   a.cfg.Session.RetainBehind,
		RetainAhead:    a.cfg.Session.RetainAhead,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})

	a.server = httpapi.New(a.cache, a.health, orch)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initRunners assembles every background loop: consumers, workers, and
// scanners. Loops are started by Run, not here.
func (a *App) initRunners() {
	a.runners = append(a.runners, runner{
		name: "results-consumer",
		run:  consumer.NewResults(a.queue, a.cache).Run,
	})

	if a.variants != nil && a.usage != nil {
		a.runners = append(a.runners, runner{
			name: "billing-consumer",
			run:  consumer.NewBilling(a.queue, a.variants, a.usage).Run,
		})
	} else {
		slog.Warn("billing consumer disabled; usage events will be dropped")
	}

	// One worker loop per model queue.
	var policies []scanner.ModelPolicy
	for _, mc := range a.cfg.Models {
		provider, ok := a.providers[mc.Slug]
		if !ok {
			slog.Warn("model has no adapter; queue will not drain", "model", mc.Slug)
			continue
		}
		policies = append(policies, scanner.ModelPolicy{
			Model:      mc.Slug,
			RetryLimit: mc.RetryLimit,
		})

		var w worker.Worker
		if mc.Serial {
			w = worker.NewSerial(a.queue, provider, mc.Visibility.Std())
		} else {
			w = worker.NewDispatcher(a.queue, provider, mc.Visibility.Std(), mc.MaxParallel)
		}
		a.runners = append(a.runners, runner{
			name: "worker-" + mc.Slug,
			run:  w.Run,
		})

		if o := mc.Overflow; o != nil {
			spill, err := a.buildSpillProvider(mc.Slug, o)
			if err != nil {
				slog.Error("overflow disabled for model", "model", mc.Slug, "err", err)
				continue
			}
			ov := scanner.NewOverflow(a.queue,
				map[string]tts.Provider{mc.Slug: spill},
				scanner.OverflowConfig{
					AgeThreshold: o.AgeThreshold.Std(),
					Visibility:   mc.Visibility.Std(),
					InflightTTL:  a.cfg.Session.InflightTTL.Std(),
					RetryLimit:   mc.RetryLimit,
					MaxParallel:  o.MaxParallel,
					Interval:     o.Interval.Std(),
				})
			a.runners = append(a.runners, runner{
				name: "overflow-" + mc.Slug,
				run:  ov.Run,
			})
		}
	}

	if len(policies) > 0 {
		a.runners = append(a.runners, runner{
			name: "visibility-scanner",
			run:  scanner.NewVisibility(a.queue, policies, 0).Run,
		})
	}

	if a.cfg.Cache.MaxBytes > 0 {
		a.runners = append(a.runners, runner{
			name: "cache-janitor",
			run:  a.runJanitor,
		})
	}

	if len(a.cfg.Warmer.Entries) > 0 {
		a.runners = append(a.runners, runner{
			name: "warmer",
			run:  a.runWarmer,
		})
	}
}

// buildSpillProvider constructs the serverless adapter used by the
// overflow scanner for one model.
func (a *App) buildSpillProvider(slug string, o *config.OverflowConfig) (tts.Provider, error) {
	var opts []serverless.Option
	if o.AuthToken != "" {
		opts = append(opts, serverless.WithAuthToken(o.AuthToken))
	}
	return serverless.New(o.Endpoint, slug, opts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server and every background loop, then blocks
// until ctx is cancelled or a loop fails. On return all loops have
// stopped; call Shutdown to release connections.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	for _, r := range a.runners {
		g.Go(func() error {
			slog.Debug("loop starting", "name", r.name)
			err := r.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", r.name, err)
			}
			return nil
		})
	}

	slog.Info("app running",
		"models", a.cfg.ModelSlugs(),
		"loops", len(a.runners),
	)
	return g.Wait()
}

// runJanitor enforces the configured cache size bound.
func (a *App) runJanitor(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.cache.EvictLRU(a.cfg.Cache.MaxBytes); err != nil {
				slog.Error("cache eviction sweep failed", "err", err)
			}
		}
	}
}

// runWarmer pre-synthesises the configured pinned variants once, then
// returns. Warm failures are logged, not fatal: a cold cache serves
// correctness, just not latency.
func (a *App) runWarmer(ctx context.Context) error {
	n, err := warmer.New(a.cache, a.variants, a.providers).Warm(ctx, a.cfg.Warmer.Entries)
	if err != nil {
		slog.Error("warm pass finished with failures", "synthesised", n, "err", err)
		return nil
	}
	slog.Info("warm pass complete", "synthesised", n, "entries", len(a.cfg.Warmer.Entries))
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Queue exposes the job queue for operational tooling.
func (a *App) Queue() *queue.Queue { return a.queue }

// Handler exposes the HTTP surface for tests.
func (a *App) Handler() http.Handler { return a.server }
