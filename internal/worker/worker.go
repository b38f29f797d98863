// Package worker runs the synthesis loops that turn queued jobs into
// results.
//
// Two shapes exist. [Serial] claims and synthesises one job at a time,
// which is the right shape for a local GPU model where concurrent
// inference would thrash the device. [Dispatcher] claims eagerly and
// fans jobs out to bounded goroutines, the right shape for hosted HTTP
// APIs where latency is dominated by the upstream and parallelism is
// free. Both push their outcome through the queue's complete path, so
// the result consumer cannot tell them apart.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/types"
)

// Worker is a synthesis loop. Run blocks until ctx is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

// claimWait bounds how long one ClaimWait call blocks before the loop
// re-checks ctx.
const claimWait = 5 * time.Second

// Synthesize runs one job against an adapter and builds its result.
// Whitespace-only text short-circuits to an empty-audio result without
// touching the adapter; the result consumer turns that into a skipped
// status. Adapter errors map onto the wire error codes.
func Synthesize(ctx context.Context, p tts.Provider, job types.Job) types.Result {
	res := types.ResultForJob(job)
	if strings.TrimSpace(job.Text) == "" {
		return res
	}

	audio, err := p.Synthesize(ctx, job.Text, job.Voice, job.VoiceParams)
	if err != nil {
		if tts.IsTransient(err) {
			res.ErrorCode = types.ErrCodeAdapterExhausted
		} else {
			res.ErrorCode = types.ErrCodeAdapterFatal
		}
		res.ErrorMessage = err.Error()
		return res
	}

	res.AudioB64 = base64.StdEncoding.EncodeToString(audio.Bytes)
	res.Codec = audio.Codec
	res.DurationMS = audio.DurationMS
	return res
}

func recordSynthesis(ctx context.Context, model string, res types.Result, elapsed time.Duration) {
	status := "ok"
	if res.IsError() {
		status = res.ErrorCode
	}
	observe.DefaultMetrics().RecordSynthesis(ctx, model, status, elapsed.Seconds())
}

// ─── Serial ──────────────────────────────────────────────────────────────────

// Serial claims and synthesises one job at a time. The visibility
// timeout must exceed the adapter's worst-case latency, or the scanner
// will hand the job to a second worker mid-synthesis.
type Serial struct {
	queue      *queue.Queue
	provider   tts.Provider
	model      string
	visibility time.Duration
}

var _ Worker = (*Serial)(nil)

// NewSerial creates a serial loop draining the queue for
// provider.Slug() with the given visibility timeout.
func NewSerial(q *queue.Queue, p tts.Provider, visibility time.Duration) *Serial {
	return &Serial{queue: q, provider: p, model: p.Slug(), visibility: visibility}
}

// Run drains the model's queue until ctx is cancelled.
func (w *Serial) Run(ctx context.Context) error {
	slog.Info("worker: serial loop starting", "model", w.model, "visibility", w.visibility)
	for {
		job, ok, err := w.queue.ClaimWait(ctx, w.model, w.visibility, claimWait)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("worker: claim failed", "model", w.model, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		w.handle(ctx, job)
	}
}

func (w *Serial) handle(ctx context.Context, job types.Job) {
	start := time.Now()
	res := Synthesize(ctx, w.provider, job)
	recordSynthesis(ctx, w.model, res, time.Since(start))
	if err := w.queue.Complete(ctx, job, res); err != nil {
		// The visibility scanner will requeue the job; a duplicate
		// result is dropped at the inflight gate.
		slog.Error("worker: complete failed", "model", w.model, "job", job.JobID, "err", err)
		return
	}
	slog.Debug("worker: job done",
		"model", w.model, "job", job.JobID, "block", job.BlockIdx,
		"elapsed", time.Since(start), "error_code", res.ErrorCode)
}

// ─── Dispatcher ──────────────────────────────────────────────────────────────

// Dispatcher claims jobs and synthesises them on up to maxParallel
// goroutines. Meant for hosted API adapters; the adapter's own retry
// budget bounds each call, so the visibility timeout only matters for
// crash recovery.
type Dispatcher struct {
	queue       *queue.Queue
	provider    tts.Provider
	model       string
	visibility  time.Duration
	maxParallel int
}

var _ Worker = (*Dispatcher)(nil)

// NewDispatcher creates a parallel loop for provider.Slug() running at
// most maxParallel synthesis calls at once.
func NewDispatcher(q *queue.Queue, p tts.Provider, visibility time.Duration, maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{queue: q, provider: p, model: p.Slug(), visibility: visibility, maxParallel: maxParallel}
}

// Run drains the model's queue until ctx is cancelled, blocking on the
// concurrency limit when all slots are busy.
func (w *Dispatcher) Run(ctx context.Context) error {
	slog.Info("worker: dispatcher starting",
		"model", w.model, "parallel", w.maxParallel, "visibility", w.visibility)
	g := &errgroup.Group{}
	g.SetLimit(w.maxParallel)
	for {
		job, ok, err := w.queue.ClaimWait(ctx, w.model, w.visibility, claimWait)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			slog.Error("worker: claim failed", "model", w.model, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		g.Go(func() error {
			w.handle(ctx, job)
			return nil
		})
	}
	// Let inflight synthesis calls finish; they carry ctx and will
	// unwind promptly on cancellation.
	_ = g.Wait()
	return ctx.Err()
}

func (w *Dispatcher) handle(ctx context.Context, job types.Job) {
	start := time.Now()
	res := Synthesize(ctx, w.provider, job)
	recordSynthesis(ctx, w.model, res, time.Since(start))
	if err := w.queue.Complete(ctx, job, res); err != nil {
		slog.Error("worker: complete failed", "model", w.model, "job", job.JobID, "err", err)
		return
	}
	slog.Debug("worker: job done",
		"model", w.model, "job", job.JobID, "block", job.BlockIdx,
		"elapsed", time.Since(start), "error_code", res.ErrorCode)
}
