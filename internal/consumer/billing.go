package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/pkg/types"
)

// billingQueue is the subset of queue methods the billing consumer
// needs. Narrowed for tests.
type billingQueue interface {
	PopBilling(ctx context.Context, timeout time.Duration) (types.BillingEvent, bool, error)
}

// Billing serially drains billing events into the metadata database.
// It is the only component with a hot-loop database handle; its pool is
// sized small and shared with nothing.
type Billing struct {
	queue    billingQueue
	variants store.VariantStore
	usage    store.UsageRecorder
}

// NewBilling creates the cold billing consumer.
func NewBilling(q billingQueue, variants store.VariantStore, usage store.UsageRecorder) *Billing {
	return &Billing{queue: q, variants: variants, usage: usage}
}

// Run drains billing events until ctx is cancelled.
func (b *Billing) Run(ctx context.Context) error {
	slog.Info("consumer: billing loop starting")
	for {
		ev, ok, err := b.queue.PopBilling(ctx, popTimeout)
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("consumer: pop billing failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		b.handle(ctx, ev)
	}
}

// handle persists one event. Billing is at-most-once: any failure is
// logged and the event discarded, because re-running a partially
// applied event would double-bill — the inflight gate upstream already
// guaranteed we see each variant exactly once.
func (b *Billing) handle(ctx context.Context, ev types.BillingEvent) {
	meta := store.VariantMeta{
		VariantHash: ev.VariantHash,
		Model:       ev.Model,
		Voice:       ev.Voice,
		DurationMS:  ev.DurationMS,
		CacheRef:    AudioURLPrefix + ev.VariantHash,
	}
	if err := b.variants.UpsertVariant(ctx, meta); err != nil {
		slog.Error("consumer: variant upsert failed, event dropped",
			"variant", ev.VariantHash, "user", ev.UserID, "err", err)
		observe.DefaultMetrics().RecordBilling(ctx, "dropped")
		return
	}

	usage := store.UsageEvent{
		UserID:      ev.UserID,
		DocumentID:  ev.DocumentID,
		VariantHash: ev.VariantHash,
		Model:       ev.Model,
		Voice:       ev.Voice,
		Chars:       float64(ev.TextLength) * ev.UsageMultiplier,
		DurationMS:  ev.DurationMS,
	}
	if err := b.usage.RecordUsage(ctx, usage); err != nil {
		slog.Error("consumer: usage record failed, event dropped",
			"variant", ev.VariantHash, "user", ev.UserID, "err", err)
		observe.DefaultMetrics().RecordBilling(ctx, "dropped")
		return
	}
	observe.DefaultMetrics().RecordBilling(ctx, "recorded")
}
