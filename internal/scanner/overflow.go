package scanner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/internal/worker"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/types"
)

// OverflowConfig tunes the spill behaviour.
type OverflowConfig struct {
	// AgeThreshold is how long a job may sit pending before it is
	// eligible for spilling.
	AgeThreshold time.Duration

	// Visibility is the claim deadline for spilled jobs. Must exceed
	// the serverless adapter's worst case including cold start.
	Visibility time.Duration

	// InflightTTL re-arms expired inflight keys on dispatched jobs.
	InflightTTL time.Duration

	// RetryLimit caps requeues for jobs whose spill dispatch fails.
	RetryLimit int

	// MaxParallel bounds concurrent serverless calls per sweep.
	MaxParallel int

	// Interval is the sweep cadence.
	Interval time.Duration
}

func (c *OverflowConfig) fillDefaults() {
	if c.AgeThreshold <= 0 {
		c.AgeThreshold = 20 * time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.InflightTTL <= 0 {
		c.InflightTTL = 10 * time.Minute
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
}

// Overflow spills aged pending jobs to per-model serverless adapters.
// Results re-enter the system through the ordinary results list, so
// subscribers cannot tell a spilled job from a locally worked one.
type Overflow struct {
	queue     *queue.Queue
	providers map[string]tts.Provider
	cfg       OverflowConfig
}

// NewOverflow creates the overflow scanner. providers maps a model slug
// to the serverless adapter that renders it; models without an entry
// are never spilled.
func NewOverflow(q *queue.Queue, providers map[string]tts.Provider, cfg OverflowConfig) *Overflow {
	cfg.fillDefaults()
	return &Overflow{queue: q, providers: providers, cfg: cfg}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Overflow) Run(ctx context.Context) error {
	slog.Info("scanner: overflow loop starting",
		"interval", s.cfg.Interval, "age_threshold", s.cfg.AgeThreshold, "models", len(s.providers))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep spills every eligible job once, bounded by MaxParallel.
func (s *Overflow) Sweep(ctx context.Context) {
	g := &errgroup.Group{}
	g.SetLimit(s.cfg.MaxParallel)
	for model, provider := range s.providers {
		jobs, err := s.queue.AgedPending(ctx, model, s.cfg.AgeThreshold)
		if err != nil {
			slog.Error("scanner: aged-pending scan failed", "model", model, "err", err)
			continue
		}
		for _, job := range jobs {
			g.Go(func() error {
				s.dispatch(ctx, provider, job)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// dispatch spills one job. The job must end a dispatch either claimed-
// and-completed, requeued, or untouched; anything else would strand it.
func (s *Overflow) dispatch(ctx context.Context, provider tts.Provider, job types.Job) {
	// A job this old usually outlived its inflight TTL. Re-arm the key
	// with this job's id so the eventual result passes the dedup gate.
	// If another job owns the variant, leave the work to that job: its
	// completion serves every waiter.
	owner, err := s.queue.InflightOwner(ctx, job.VariantHash)
	if err != nil {
		slog.Error("scanner: inflight lookup failed", "job", job.JobID, "err", err)
		return
	}
	if owner == "" {
		if _, err := s.queue.SetInflight(ctx, job.VariantHash, job.JobID, s.cfg.InflightTTL); err != nil {
			slog.Error("scanner: inflight re-arm failed", "job", job.JobID, "err", err)
			return
		}
		if owner, err = s.queue.InflightOwner(ctx, job.VariantHash); err != nil {
			slog.Error("scanner: inflight lookup failed", "job", job.JobID, "err", err)
			return
		}
	}
	if owner != job.JobID {
		slog.Debug("scanner: variant owned elsewhere, skipping spill",
			"job", job.JobID, "variant", job.VariantHash, "owner", owner)
		return
	}

	claimed, ok, err := s.queue.ClaimJob(ctx, job.Model, job.JobID, s.cfg.Visibility)
	if err != nil {
		slog.Error("scanner: spill claim failed", "job", job.JobID, "err", err)
		return
	}
	if !ok {
		// Evicted or grabbed by a local worker between scan and claim.
		return
	}

	slog.Info("scanner: spilling job to serverless",
		"model", claimed.Model, "job", claimed.JobID, "retry", claimed.RetryCount)
	observe.DefaultMetrics().OverflowDispatches.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("model", claimed.Model)))

	res := worker.Synthesize(ctx, provider, claimed)
	if res.ErrorCode == types.ErrCodeAdapterExhausted {
		// Transient upstream trouble: give the job back, it may yet
		// succeed locally or on a later spill.
		dead, err := s.queue.Requeue(ctx, claimed, s.cfg.RetryLimit, res.ErrorMessage)
		if err != nil {
			slog.Error("scanner: spill requeue failed", "job", claimed.JobID, "err", err)
			return
		}
		if dead {
			slog.Warn("scanner: spilled job dead-lettered",
				"model", claimed.Model, "job", claimed.JobID)
		}
		return
	}

	// Success, or a fatal error that no retry can fix: either way the
	// result is final and flows down the normal path.
	if err := s.queue.Complete(ctx, claimed, res); err != nil {
		slog.Error("scanner: spill complete failed", "job", claimed.JobID, "err", err)
	}
}
