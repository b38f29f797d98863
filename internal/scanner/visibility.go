// Package scanner hosts the background loops that keep the queue
// honest: the visibility scanner recovers jobs from crashed or stalled
// workers, and the overflow scanner spills aged backlog to a serverless
// adapter when the resident workers cannot keep up.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/queue"
)

// ModelPolicy is the per-model requeue policy.
type ModelPolicy struct {
	Model      string
	RetryLimit int
}

// Visibility periodically returns stale claimed jobs to the pending
// queue, dead-lettering those past their retry budget.
type Visibility struct {
	queue    *queue.Queue
	models   []ModelPolicy
	interval time.Duration
}

// NewVisibility creates a scanner sweeping every interval.
func NewVisibility(q *queue.Queue, models []ModelPolicy, interval time.Duration) *Visibility {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Visibility{queue: q, models: models, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Visibility) Run(ctx context.Context) error {
	slog.Info("scanner: visibility loop starting", "interval", s.interval, "models", len(s.models))
	ticker := time.NewTicker(s.interval)
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

// Sweep runs one pass over every model. Errors are logged per model so
// one unreachable queue cannot silence the others.
func (s *Visibility) Sweep(ctx context.Context) {
	for _, m := range s.models {
		requeued, dead, err := s.queue.RequeueStale(ctx, m.Model, m.RetryLimit)
		if err != nil {
			slog.Error("scanner: requeue sweep failed", "model", m.Model, "err", err)
			continue
		}
		if requeued > 0 || dead > 0 {
			slog.Info("scanner: recovered stale jobs",
				"model", m.Model, "requeued", requeued, "dead_lettered", dead)
			attrs := metric.WithAttributes(observe.Attr("model", m.Model))
			observe.DefaultMetrics().JobsRequeued.Add(ctx, int64(requeued), attrs)
			observe.DefaultMetrics().JobsDeadLettered.Add(ctx, int64(dead), attrs)
		}
	}
}
