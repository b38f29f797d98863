package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oratio-audio/oratio/pkg/types"
)

// claimPollInterval is how often a blocking Claim re-polls an empty
// queue. Sorted sets have no blocking pop that also moves the member,
// so the wait is a poll loop.
const claimPollInterval = 250 * time.Millisecond

// Option is a functional option for configuring a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for scores and deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue exposes the atomic queue protocol over a shared Redis.
type Queue struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// New creates a Queue on the given client.
func New(rdb redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Ping checks Redis reachability. Used by the readiness probe.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// ─── Enqueue / inflight ──────────────────────────────────────────────────────

// EnqueueIfNew registers the job unless its logical key already maps to
// a live job. Returns the id of the job that owns the key after the
// call: the given job's id when enqueued, the pre-existing one otherwise.
func (q *Queue) EnqueueIfNew(ctx context.Context, job types.Job) (enqueued bool, ownerID string, err error) {
	body, err := job.Marshal()
	if err != nil {
		return false, "", fmt.Errorf("queue: marshal job %s: %w", job.JobID, err)
	}
	res, err := enqueueIfNewScript.Run(ctx, q.rdb,
		[]string{IndexKey, JobsKey, QueueKey(job.Model)},
		job.LogicalKey(), job.JobID, body, job.CreatedAtMS,
	).Slice()
	if err != nil {
		return false, "", fmt.Errorf("queue: enqueue %s: %w", job.JobID, err)
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("queue: enqueue %s: unexpected reply %v", job.JobID, res)
	}
	flag, _ := res[0].(int64)
	owner, _ := res[1].(string)
	return flag == 1, owner, nil
}

// SetInflight installs jobID as the inflight owner for hash unless one
// is already present. The TTL bounds how long a dead owner can block
// rebuilds of its variant.
func (q *Queue) SetInflight(ctx context.Context, hash, jobID string, ttl time.Duration) (bool, error) {
	ok, err := q.rdb.SetNX(ctx, InflightKey(hash), jobID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: set inflight %s: %w", hash, err)
	}
	return ok, nil
}

// ArmInflight unconditionally points the inflight key for hash at
// jobID. Used to hand ownership back to an already-live job after its
// original claim lapsed; fresh claims go through [Queue.SetInflight].
func (q *Queue) ArmInflight(ctx context.Context, hash, jobID string, ttl time.Duration) error {
	if err := q.rdb.Set(ctx, InflightKey(hash), jobID, ttl).Err(); err != nil {
		return fmt.Errorf("queue: arm inflight %s: %w", hash, err)
	}
	return nil
}

// InflightOwner returns the job id currently owning hash, or "" when
// no build is inflight.
func (q *Queue) InflightOwner(ctx context.Context, hash string) (string, error) {
	owner, err := q.rdb.Get(ctx, InflightKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: inflight owner %s: %w", hash, err)
	}
	return owner, nil
}

// ReleaseInflight deletes the inflight key iff jobID still owns it.
// The boolean result is the at-most-once witness: exactly one caller
// per variant observes true.
func (q *Queue) ReleaseInflight(ctx context.Context, hash, jobID string) (bool, error) {
	n, err := releaseInflightScript.Run(ctx, q.rdb, []string{InflightKey(hash)}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("queue: release inflight %s: %w", hash, err)
	}
	return n == 1, nil
}

// ─── Waiters ─────────────────────────────────────────────────────────────────

// AddWaiter registers w as waiting on the inflight build of hash. The
// set is deduplicated, so retransmits collapse to one entry, and it
// expires with the inflight TTL so a dead builder cannot strand waiters
// past the point where clients retransmit anyway.
func (q *Queue) AddWaiter(ctx context.Context, hash string, w types.Waiter, ttl time.Duration) error {
	body, err := w.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal waiter: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, WaitersKey(hash), body)
	pipe.Expire(ctx, WaitersKey(hash), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: add waiter %s: %w", hash, err)
	}
	return nil
}

// TakeWaiters atomically drains the waiter set for hash. Exactly one
// caller observes each waiter.
func (q *Queue) TakeWaiters(ctx context.Context, hash string) ([]types.Waiter, error) {
	bodies, err := takeWaitersScript.Run(ctx, q.rdb, []string{WaitersKey(hash)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: take waiters %s: %w", hash, err)
	}
	waiters := make([]types.Waiter, 0, len(bodies))
	for _, b := range bodies {
		w, err := types.UnmarshalWaiter([]byte(b))
		if err != nil {
			return nil, err
		}
		waiters = append(waiters, w)
	}
	return waiters, nil
}

// ─── Claim / complete ────────────────────────────────────────────────────────

// Claim pops the oldest pending job for model and moves it to the
// processing set with a deadline of now+visibility. ok is false when
// the queue is empty.
func (q *Queue) Claim(ctx context.Context, model string, visibility time.Duration) (types.Job, bool, error) {
	deadline := q.now().Add(visibility).UnixMilli()
	body, err := claimScript.Run(ctx, q.rdb,
		[]string{QueueKey(model), ProcessingKey(model), JobsKey},
		deadline,
	).Text()
	if errors.Is(err, redis.Nil) {
		return types.Job{}, false, nil
	}
	if err != nil {
		return types.Job{}, false, fmt.Errorf("queue: claim %s: %w", model, err)
	}
	job, err := types.UnmarshalJob([]byte(body))
	if err != nil {
		return types.Job{}, false, err
	}
	return job, true, nil
}

// ClaimWait claims like [Queue.Claim] but polls an empty queue until a
// job arrives, maxWait elapses, or ctx is cancelled.
func (q *Queue) ClaimWait(ctx context.Context, model string, visibility, maxWait time.Duration) (types.Job, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	for {
		job, ok, err := q.Claim(ctx, model, visibility)
		if err != nil || ok {
			return job, ok, err
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return types.Job{}, false, ctx.Err()
			}
			return types.Job{}, false, nil
		case <-time.After(claimPollInterval):
		}
	}
}

// ClaimJob claims one specific pending job (overflow dispatch). ok is
// false when the job has been evicted or claimed elsewhere meanwhile.
func (q *Queue) ClaimJob(ctx context.Context, model, jobID string, visibility time.Duration) (types.Job, bool, error) {
	deadline := q.now().Add(visibility).UnixMilli()
	body, err := claimJobScript.Run(ctx, q.rdb,
		[]string{QueueKey(model), ProcessingKey(model), JobsKey},
		jobID, deadline,
	).Text()
	if errors.Is(err, redis.Nil) {
		return types.Job{}, false, nil
	}
	if err != nil {
		return types.Job{}, false, fmt.Errorf("queue: claim job %s: %w", jobID, err)
	}
	job, err := types.UnmarshalJob([]byte(body))
	if err != nil {
		return types.Job{}, false, err
	}
	return job, true, nil
}

// Complete removes the job from all queue structures and pushes its
// result onto the results list.
func (q *Queue) Complete(ctx context.Context, job types.Job, res types.Result) error {
	body, err := res.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal result %s: %w", job.JobID, err)
	}
	err = completeScript.Run(ctx, q.rdb,
		[]string{ProcessingKey(job.Model), JobsKey, IndexKey, ResultsKey},
		job.JobID, job.LogicalKey(), body,
	).Err()
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.JobID, err)
	}
	return nil
}

// ─── Requeue / DLQ ───────────────────────────────────────────────────────────

// RequeueStale returns every claimed job of model whose deadline has
// passed to the pending queue with an incremented retry count. Jobs
// past retryLimit are dead-lettered with a synthetic error result so
// subscribers learn of the terminal failure.
func (q *Queue) RequeueStale(ctx context.Context, model string, retryLimit int) (requeued, deadLettered int, err error) {
	res, err := requeueStaleScript.Run(ctx, q.rdb,
		[]string{ProcessingKey(model), QueueKey(model), JobsKey, IndexKey, DLQKey(model), ResultsKey},
		q.now().UnixMilli(), retryLimit,
		types.ErrCodeRetryExhausted, "job abandoned after retry budget",
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: requeue stale %s: %w", model, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("queue: requeue stale %s: unexpected reply %v", model, res)
	}
	r, _ := res[0].(int64)
	d, _ := res[1].(int64)
	return int(r), int(d), nil
}

// Requeue returns one claimed job to the pending queue with an
// incremented retry count, or dead-letters it past retryLimit. Used by
// the overflow scanner after a failed dispatch. deadLettered reports
// whether the job hit the DLQ.
func (q *Queue) Requeue(ctx context.Context, job types.Job, retryLimit int, errMsg string) (deadLettered bool, err error) {
	n, err := requeueJobScript.Run(ctx, q.rdb,
		[]string{ProcessingKey(job.Model), QueueKey(job.Model), JobsKey, IndexKey, DLQKey(job.Model), ResultsKey},
		job.JobID, q.now().UnixMilli(), retryLimit,
		types.ErrCodeRetryExhausted, errMsg,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: requeue %s: %w", job.JobID, err)
	}
	return n == 1, nil
}

// ─── Eviction ────────────────────────────────────────────────────────────────

// EvictUnclaimed removes the job from queue, jobs, and index, and
// clears its inflight key when the job still owns it. Claimed jobs are
// left alone; their results die at the dedup gate or are simply stale.
func (q *Queue) EvictUnclaimed(ctx context.Context, job types.Job) (bool, error) {
	n, err := evictUnclaimedScript.Run(ctx, q.rdb,
		[]string{QueueKey(job.Model), JobsKey, IndexKey, InflightKey(job.VariantHash)},
		job.JobID, job.LogicalKey(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: evict %s: %w", job.JobID, err)
	}
	return n == 1, nil
}

// IndexedJobs returns every indexed job for the given (user, document),
// any model and voice. Used by cursor eviction.
func (q *Queue) IndexedJobs(ctx context.Context, userID, documentID string) ([]types.Job, error) {
	match := userID + ":" + documentID + ":*"
	var jobs []types.Job
	var cursor uint64
	for {
		fields, next, err := q.rdb.HScan(ctx, IndexKey, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: scan index: %w", err)
		}
		// HSCAN returns alternating field, value pairs.
		for i := 1; i < len(fields); i += 2 {
			body, err := q.rdb.HGet(ctx, JobsKey, fields[i]).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("queue: load job %s: %w", fields[i], err)
			}
			job, err := types.UnmarshalJob([]byte(body))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		cursor = next
		if cursor == 0 {
			return jobs, nil
		}
	}
}

// ─── Overflow introspection ──────────────────────────────────────────────────

// AgedPending returns pending jobs of model enqueued before
// now-olderThan, oldest first. The overflow scanner feeds these to the
// serverless adapter.
func (q *Queue) AgedPending(ctx context.Context, model string, olderThan time.Duration) ([]types.Job, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, QueueKey(model), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: aged pending %s: %w", model, err)
	}
	jobs := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		body, err := q.rdb.HGet(ctx, JobsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: load job %s: %w", id, err)
		}
		job, err := types.UnmarshalJob([]byte(body))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ─── Results and billing lists ───────────────────────────────────────────────

// PushResult appends a result to the results list. Workers use this
// directly when they bypass Complete (parallel dispatch failures).
func (q *Queue) PushResult(ctx context.Context, res types.Result) error {
	body, err := res.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal result %s: %w", res.JobID, err)
	}
	if err := q.rdb.LPush(ctx, ResultsKey, body).Err(); err != nil {
		return fmt.Errorf("queue: push result %s: %w", res.JobID, err)
	}
	return nil
}

// PopResult blocks up to timeout for the next result. ok is false on
// timeout.
func (q *Queue) PopResult(ctx context.Context, timeout time.Duration) (types.Result, bool, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, ResultsKey).Result()
	if errors.Is(err, redis.Nil) {
		return types.Result{}, false, nil
	}
	if err != nil {
		return types.Result{}, false, fmt.Errorf("queue: pop result: %w", err)
	}
	res, err := types.UnmarshalResult([]byte(vals[1]))
	if err != nil {
		return types.Result{}, false, err
	}
	return res, true, nil
}

// PushBilling appends a billing event.
func (q *Queue) PushBilling(ctx context.Context, ev types.BillingEvent) error {
	body, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal billing event: %w", err)
	}
	if err := q.rdb.LPush(ctx, BillingKey, body).Err(); err != nil {
		return fmt.Errorf("queue: push billing event: %w", err)
	}
	return nil
}

// PopBilling blocks up to timeout for the next billing event.
func (q *Queue) PopBilling(ctx context.Context, timeout time.Duration) (types.BillingEvent, bool, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, BillingKey).Result()
	if errors.Is(err, redis.Nil) {
		return types.BillingEvent{}, false, nil
	}
	if err != nil {
		return types.BillingEvent{}, false, fmt.Errorf("queue: pop billing event: %w", err)
	}
	ev, err := types.UnmarshalBillingEvent([]byte(vals[1]))
	if err != nil {
		return types.BillingEvent{}, false, err
	}
	return ev, true, nil
}

// ─── Notification fabric ─────────────────────────────────────────────────────

// PublishStatus publishes a status update on the done channel for its
// (user, document) pair.
func (q *Queue) PublishStatus(ctx context.Context, userID string, s types.StatusUpdate) error {
	body, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal status: %w", err)
	}
	ch := DoneChannel(userID, s.DocumentID)
	if err := q.rdb.Publish(ctx, ch, body).Err(); err != nil {
		return fmt.Errorf("queue: publish %s: %w", ch, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription for one (user, document)
// channel. The caller owns the returned PubSub and must Close it.
func (q *Queue) Subscribe(ctx context.Context, userID, documentID string) *redis.PubSub {
	return q.rdb.Subscribe(ctx, DoneChannel(userID, documentID))
}

// ─── Depth metrics ───────────────────────────────────────────────────────────

// Depths reports the structure sizes the operators watch: pending and
// processing per model, plus the shared results, billing, and DLQ sizes.
type Depths struct {
	Pending    int64
	Processing int64
	DLQ        int64
}

// ModelDepths returns queue depths for one model.
func (q *Queue) ModelDepths(ctx context.Context, model string) (Depths, error) {
	pending, err := q.rdb.ZCard(ctx, QueueKey(model)).Result()
	if err != nil {
		return Depths{}, fmt.Errorf("queue: depth %s: %w", model, err)
	}
	processing, err := q.rdb.ZCard(ctx, ProcessingKey(model)).Result()
	if err != nil {
		return Depths{}, fmt.Errorf("queue: depth %s: %w", model, err)
	}
	dlq, err := q.rdb.LLen(ctx, DLQKey(model)).Result()
	if err != nil {
		return Depths{}, fmt.Errorf("queue: depth %s: %w", model, err)
	}
	return Depths{Pending: pending, Processing: processing, DLQ: dlq}, nil
}

// ListDepths returns the lengths of the shared results and billing lists.
func (q *Queue) ListDepths(ctx context.Context) (results, billing int64, err error) {
	results, err = q.rdb.LLen(ctx, ResultsKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: results depth: %w", err)
	}
	billing, err = q.rdb.LLen(ctx, BillingKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: billing depth: %w", err)
	}
	return results, billing, nil
}

// DLQJobs returns the dead-lettered jobs for model, oldest first.
// Operator tooling; not on any hot path.
func (q *Queue) DLQJobs(ctx context.Context, model string) ([]types.Job, error) {
	bodies, err := q.rdb.LRange(ctx, DLQKey(model), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dlq %s: %w", model, err)
	}
	jobs := make([]types.Job, 0, len(bodies))
	for _, b := range bodies {
		job, err := types.UnmarshalJob([]byte(b))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ParseLogicalKey splits an index field back into its identity tuple.
// The inverse of [types.LogicalKey]; block index stays a string here
// because callers only compare it.
func ParseLogicalKey(key string) (userID, documentID, blockIdx, model, voice string, ok bool) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 {
		return "", "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], parts[4], true
}
