// Package consumer hosts the two drain loops behind the queue: the hot
// result consumer and the cold billing consumer.
//
// The split is a load-shedding boundary. The result consumer turns
// worker output into cached audio and client notifications and must
// keep up with the fastest worker, so it never touches the metadata
// database. The billing consumer owns every Postgres write and may lag
// arbitrarily; a growing billing backlog is invisible to listeners.
package consumer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/types"
)

// popTimeout bounds one blocking pop so the loops re-check ctx.
const popTimeout = time.Second

// AudioURLPrefix is the fetch path prefix handed to clients in cached
// statuses. Must match the httpapi route.
const AudioURLPrefix = "/audio/"

// Results drains the results list: gate on inflight ownership, write
// the blob, notify the subscriber, and hand billing off to the cold path.
type Results struct {
	queue *queue.Queue
	cache cache.Cache
}

// NewResults creates the hot result consumer.
func NewResults(q *queue.Queue, c cache.Cache) *Results {
	return &Results{queue: q, cache: c}
}

// Run drains results until ctx is cancelled.
func (c *Results) Run(ctx context.Context) error {
	slog.Info("consumer: result loop starting")
	for {
		res, ok, err := c.queue.PopResult(ctx, popTimeout)
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("consumer: pop result failed", "err", err)
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
		c.handle(ctx, res)
	}
}

// handle processes one result end to end. Every return path before the
// billing push is a path that must not bill.
func (c *Results) handle(ctx context.Context, res types.Result) {
	// The inflight owner check is the single at-most-once witness: of
	// all results ever produced for this variant, exactly one deletes
	// the key. Duplicates from visibility-timeout races die here.
	owned, err := c.queue.ReleaseInflight(ctx, res.VariantHash, res.JobID)
	if err != nil {
		slog.Error("consumer: inflight release failed", "job", res.JobID, "err", err)
		return
	}
	if !owned {
		slog.Debug("consumer: dropping duplicate result",
			"job", res.JobID, "variant", res.VariantHash)
		observe.DefaultMetrics().RecordResult(ctx, "duplicate")
		return
	}
	start := time.Now()
	defer func() {
		observe.DefaultMetrics().ResultLag.Record(ctx, time.Since(start).Seconds())
	}()

	status := types.StatusUpdate{
		DocumentID:  res.DocumentID,
		BlockIdx:    res.BlockIdx,
		VariantHash: res.VariantHash,
		ModelSlug:   res.Model,
		VoiceSlug:   res.Voice,
	}

	if res.IsError() {
		status.Status = types.StatusError
		status.Error = res.ErrorCode
		c.publish(ctx, res.UserID, status)
		c.notifyWaiters(ctx, res, status)
		observe.DefaultMetrics().RecordResult(ctx, types.StatusError)
		return
	}

	if res.AudioB64 == "" {
		// Whitespace-only block: nothing to cache, nothing to bill.
		status.Status = types.StatusSkipped
		c.publish(ctx, res.UserID, status)
		c.notifyWaiters(ctx, res, status)
		observe.DefaultMetrics().RecordResult(ctx, types.StatusSkipped)
		return
	}

	audio, err := base64.StdEncoding.DecodeString(res.AudioB64)
	if err != nil {
		slog.Error("consumer: undecodable audio payload", "job", res.JobID, "err", err)
		status.Status = types.StatusError
		status.Error = types.ErrCodeAdapterFatal
		c.publish(ctx, res.UserID, status)
		c.notifyWaiters(ctx, res, status)
		return
	}

	// The decoded duration is ground truth; adapters have been seen to
	// declare the duration of the pre-trim take.
	duration := res.DurationMS
	if decoded, ok := tts.WAVDurationMS(audio); ok {
		if res.DurationMS != 0 && decoded != res.DurationMS {
			slog.Warn("consumer: declared duration disagrees with decoded audio",
				"job", res.JobID, "declared_ms", res.DurationMS, "decoded_ms", decoded)
		}
		duration = decoded
	}

	if err := c.cache.Put(res.VariantHash, cache.Entry{Bytes: audio, Codec: res.Codec, DurationMS: duration}); err != nil {
		slog.Error("consumer: cache write failed", "variant", res.VariantHash, "err", err)
		status.Status = types.StatusError
		status.Error = types.ErrCodeCacheWriteFailed
		c.publish(ctx, res.UserID, status)
		c.notifyWaiters(ctx, res, status)
		return
	}

	status.Status = types.StatusCached
	status.AudioURL = AudioURLPrefix + res.VariantHash
	c.publish(ctx, res.UserID, status)
	c.notifyWaiters(ctx, res, status)
	observe.DefaultMetrics().RecordResult(ctx, types.StatusCached)

	ev := types.BillingEvent{
		UserID:          res.UserID,
		DocumentID:      res.DocumentID,
		VariantHash:     res.VariantHash,
		Model:           res.Model,
		Voice:           res.Voice,
		TextLength:      res.TextLength,
		UsageMultiplier: res.UsageMultiplier,
		DurationMS:      duration,
	}
	if err := c.queue.PushBilling(ctx, ev); err != nil {
		// The user already has audio; losing the event under-bills,
		// which is the acceptable direction.
		slog.Error("consumer: billing push failed", "variant", res.VariantHash, "err", err)
	}
}

// notifyWaiters republishes the terminal status to every session that
// lost the inflight race for this variant, rewritten to each waiter's
// own identity. The builder's user was already notified directly.
func (c *Results) notifyWaiters(ctx context.Context, res types.Result, status types.StatusUpdate) {
	waiters, err := c.queue.TakeWaiters(ctx, res.VariantHash)
	if err != nil {
		slog.Error("consumer: waiter drain failed", "variant", res.VariantHash, "err", err)
		return
	}
	for _, w := range waiters {
		if w.UserID == res.UserID && w.DocumentID == res.DocumentID && w.BlockIdx == res.BlockIdx {
			// The builder's own retransmit.
			continue
		}
		st := status
		st.DocumentID = w.DocumentID
		st.BlockIdx = w.BlockIdx
		st.ModelSlug = w.Model
		st.VoiceSlug = w.Voice
		c.publish(ctx, w.UserID, st)
	}
}

func (c *Results) publish(ctx context.Context, userID string, s types.StatusUpdate) {
	if err := c.queue.PublishStatus(ctx, userID, s); err != nil {
		slog.Error("consumer: status publish failed",
			"user", userID, "document", s.DocumentID, "block", s.BlockIdx, "err", err)
	}
}
