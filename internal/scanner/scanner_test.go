package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/pkg/provider/tts"
	"github.com/oratio-audio/oratio/pkg/provider/tts/mock"
	"github.com/oratio-audio/oratio/pkg/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T) (*queue.Queue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clock := newTestClock()
	return queue.New(rdb, queue.WithClock(clock.Now)), clock
}

func testJob(q *queue.Queue, clock *testClock, t *testing.T, id, text string) types.Job {
	t.Helper()
	job := types.Job{
		JobID:           id,
		UserID:          "u1",
		DocumentID:      "d1",
		BlockIdx:        0,
		Text:            text,
		Model:           "kokoro",
		Voice:           "v1",
		VariantHash:     types.VariantHash(text, "kokoro", "v1", nil),
		UsageMultiplier: 1,
		CreatedAtMS:     clock.Now().UnixMilli(),
	}
	if _, _, err := q.EnqueueIfNew(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

// ─── Visibility ──────────────────────────────────────────────────────────────

func TestVisibility_SweepRecoversStaleClaim(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	testJob(q, clock, t, "j1", "stale text")

	if _, ok, err := q.Claim(ctx, "kokoro", 30*time.Second); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	s := NewVisibility(q, []ModelPolicy{{Model: "kokoro", RetryLimit: 4}}, 15*time.Second)

	// Before the deadline a sweep must not steal the claim.
	s.Sweep(ctx)
	if _, ok, _ := q.Claim(ctx, "kokoro", 30*time.Second); ok {
		t.Fatal("premature sweep requeued a live claim")
	}

	clock.Advance(time.Minute)
	s.Sweep(ctx)

	job, ok, err := q.Claim(ctx, "kokoro", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if job.JobID != "j1" || job.RetryCount != 1 {
		t.Errorf("recovered job = %+v", job)
	}
}

// ─── Overflow ────────────────────────────────────────────────────────────────

func overflowConfig() OverflowConfig {
	return OverflowConfig{
		AgeThreshold: 20 * time.Second,
		Visibility:   time.Minute,
		InflightTTL:  time.Minute,
		RetryLimit:   2,
		MaxParallel:  4,
		Interval:     time.Second,
	}
}

func TestOverflow_SpillsAgedJob(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	job := testJob(q, clock, t, "j1", "spill me")

	p := &mock.Provider{ModelSlug: "kokoro"}
	s := NewOverflow(q, map[string]tts.Provider{"kokoro": p}, overflowConfig())

	clock.Advance(30 * time.Second)
	s.Sweep(ctx)

	res, ok, err := q.PopResult(ctx, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("result: ok=%v err=%v", ok, err)
	}
	if res.JobID != "j1" || res.IsError() {
		t.Errorf("result = %+v", res)
	}
	// The dedup gate must recognise the spilled job's result.
	owner, err := q.InflightOwner(ctx, job.VariantHash)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "j1" {
		t.Errorf("inflight owner = %q, want j1", owner)
	}
	if _, ok, _ := q.Claim(ctx, "kokoro", time.Minute); ok {
		t.Error("spilled job still pending")
	}
}

func TestOverflow_SkipsYoungJobs(t *testing.T) {
	q, clock := newTestQueue(t)
	testJob(q, clock, t, "j1", "fresh text")

	p := &mock.Provider{ModelSlug: "kokoro"}
	s := NewOverflow(q, map[string]tts.Provider{"kokoro": p}, overflowConfig())

	clock.Advance(5 * time.Second)
	s.Sweep(context.Background())

	if p.Calls() != 0 {
		t.Error("young job was spilled")
	}
}

func TestOverflow_SkipsForeignInflightOwner(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	job := testJob(q, clock, t, "j1", "owned elsewhere")

	// Another job is already building this variant.
	if _, err := q.SetInflight(ctx, job.VariantHash, "j-other", time.Minute); err != nil {
		t.Fatal(err)
	}

	p := &mock.Provider{ModelSlug: "kokoro"}
	s := NewOverflow(q, map[string]tts.Provider{"kokoro": p}, overflowConfig())

	clock.Advance(30 * time.Second)
	s.Sweep(ctx)

	if p.Calls() != 0 {
		t.Error("spilled a variant owned by another job")
	}
	// The job stays pending for its real owner's completion to resolve.
	if _, ok, _ := q.Claim(ctx, "kokoro", time.Minute); !ok {
		t.Error("job disappeared from the pending queue")
	}
}

func TestOverflow_TransientFailureRequeues(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	testJob(q, clock, t, "j1", "flaky upstream")

	p := &mock.Provider{
		ModelSlug: "kokoro",
		SynthesizeFunc: func(context.Context, string, string, map[string]string) (tts.Audio, error) {
			return tts.Audio{}, tts.Transient("rate limited", nil)
		},
	}
	s := NewOverflow(q, map[string]tts.Provider{"kokoro": p}, overflowConfig())

	clock.Advance(30 * time.Second)
	s.Sweep(ctx)

	if _, ok, _ := q.PopResult(ctx, 100*time.Millisecond); ok {
		t.Fatal("transient failure produced a result")
	}
	job, ok, err := q.Claim(ctx, "kokoro", time.Minute)
	if err != nil || !ok {
		t.Fatalf("requeued claim: ok=%v err=%v", ok, err)
	}
	if job.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", job.RetryCount)
	}
}

func TestOverflow_FatalErrorCompletes(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	testJob(q, clock, t, "j1", "unsupported voice")

	p := &mock.Provider{
		ModelSlug: "kokoro",
		SynthesizeFunc: func(context.Context, string, string, map[string]string) (tts.Audio, error) {
			return tts.Audio{}, tts.Fatal("voice does not exist", nil)
		},
	}
	s := NewOverflow(q, map[string]tts.Provider{"kokoro": p}, overflowConfig())

	clock.Advance(30 * time.Second)
	s.Sweep(ctx)

	res, ok, err := q.PopResult(ctx, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("result: ok=%v err=%v", ok, err)
	}
	if res.ErrorCode != types.ErrCodeAdapterFatal {
		t.Errorf("error code = %q, want adapter_fatal", res.ErrorCode)
	}
	if _, ok, _ := q.Claim(ctx, "kokoro", time.Minute); ok {
		t.Error("fatally failed job was requeued")
	}
}

func TestOverflow_ModelWithoutProviderUntouched(t *testing.T) {
	q, clock := newTestQueue(t)
	testJob(q, clock, t, "j1", "no spill target")

	s := NewOverflow(q, map[string]tts.Provider{}, overflowConfig())
	clock.Advance(time.Minute)
	s.Sweep(context.Background())

	if _, ok, _ := q.Claim(context.Background(), "kokoro", time.Minute); !ok {
		t.Error("job vanished without a spill provider")
	}
}
