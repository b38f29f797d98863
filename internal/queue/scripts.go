package queue

import "github.com/redis/go-redis/v9"

// enqueueIfNewScript registers a job unless its logical key is already
// indexed.
//
// KEYS: index, jobs, queue:{model}
// ARGV: logical key, job id, job JSON, enqueue score (ms)
// Returns: {1, job_id} when enqueued, {0, existing_job_id} otherwise.
var enqueueIfNewScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return {0, existing}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[2])
return {1, ARGV[2]}
`)

// claimScript pops the oldest pending job and claims it with a
// visibility deadline.
//
// KEYS: queue:{model}, processing:{model}, jobs
// ARGV: deadline (ms)
// Returns: the job body, or false when the queue is empty. A queue
// member with no job body is a leftover from eviction; it is dropped.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local jobID = popped[1]
local body = redis.call('HGET', KEYS[3], jobID)
if not body then
  return false
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), jobID)
return body
`)

// claimJobScript claims one specific pending job (overflow dispatch).
//
// KEYS: queue:{model}, processing:{model}, jobs
// ARGV: job id, deadline (ms)
// Returns: the job body, or false when the job is no longer pending.
var claimJobScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return false
end
local body = redis.call('HGET', KEYS[3], ARGV[1])
if not body then
  return false
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return body
`)

// completeScript finalises a claimed job and publishes its result.
//
// KEYS: processing:{model}, jobs, index, results
// ARGV: job id, logical key, result JSON
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
local cur = redis.call('HGET', KEYS[3], ARGV[2])
if cur == ARGV[1] then
  redis.call('HDEL', KEYS[3], ARGV[2])
end
redis.call('LPUSH', KEYS[4], ARGV[3])
return 1
`)

// requeueStaleScript moves every claimed job past its deadline back to
// the pending queue with an incremented retry count, or to the DLQ with
// a synthetic error result once the retry budget is spent.
//
// KEYS: processing:{model}, queue:{model}, jobs, index, dlq:{model}, results
// ARGV: now (ms), retry limit, error code, error message
// Returns: {requeued, dead_lettered}
var requeueStaleScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local dead = 0
for _, jobID in ipairs(stale) do
  redis.call('ZREM', KEYS[1], jobID)
  local body = redis.call('HGET', KEYS[3], jobID)
  if body then
    local job = cjson.decode(body)
    job['retry_count'] = (job['retry_count'] or 0) + 1
    if job['retry_count'] > tonumber(ARGV[2]) then
      local logical = job['user_id']..':'..job['document_id']..':'..job['block_idx']..':'..job['model']..':'..job['voice']
      redis.call('HDEL', KEYS[3], jobID)
      local cur = redis.call('HGET', KEYS[4], logical)
      if cur == jobID then
        redis.call('HDEL', KEYS[4], logical)
      end
      redis.call('RPUSH', KEYS[5], cjson.encode(job))
      local result = {
        job_id = job['job_id'],
        user_id = job['user_id'],
        document_id = job['document_id'],
        block_idx = job['block_idx'],
        model = job['model'],
        voice = job['voice'],
        variant_hash = job['variant_hash'],
        usage_multiplier = job['usage_multiplier'],
        text_length = #(job['text'] or ''),
        error_code = ARGV[3],
        error_message = ARGV[4],
      }
      redis.call('LPUSH', KEYS[6], cjson.encode(result))
      dead = dead + 1
    else
      local encoded = cjson.encode(job)
      redis.call('HSET', KEYS[3], jobID, encoded)
      -- Keep the original enqueue score: a recovered job is as old as
      -- its first enqueue, not freshly arrived.
      redis.call('ZADD', KEYS[2], tonumber(job['created_at_ms'] or ARGV[1]), jobID)
      requeued = requeued + 1
    end
  end
end
return {requeued, dead}
`)

// requeueJobScript returns one claimed job to the pending queue with an
// incremented retry count, or dead-letters it. Used by the overflow
// scanner after a failed serverless dispatch.
//
// KEYS: processing:{model}, queue:{model}, jobs, index, dlq:{model}, results
// ARGV: job id, now (ms), retry limit, error code, error message
// Returns: 0 requeued, 1 dead-lettered, -1 job unknown.
var requeueJobScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local body = redis.call('HGET', KEYS[3], ARGV[1])
if not body then
  return -1
end
local job = cjson.decode(body)
job['retry_count'] = (job['retry_count'] or 0) + 1
if job['retry_count'] > tonumber(ARGV[3]) then
  local logical = job['user_id']..':'..job['document_id']..':'..job['block_idx']..':'..job['model']..':'..job['voice']
  redis.call('HDEL', KEYS[3], ARGV[1])
  local cur = redis.call('HGET', KEYS[4], logical)
  if cur == ARGV[1] then
    redis.call('HDEL', KEYS[4], logical)
  end
  redis.call('RPUSH', KEYS[5], cjson.encode(job))
  local result = {
    job_id = job['job_id'],
    user_id = job['user_id'],
    document_id = job['document_id'],
    block_idx = job['block_idx'],
    model = job['model'],
    voice = job['voice'],
    variant_hash = job['variant_hash'],
    usage_multiplier = job['usage_multiplier'],
    text_length = #(job['text'] or ''),
    error_code = ARGV[4],
    error_message = ARGV[5],
  }
  redis.call('LPUSH', KEYS[6], cjson.encode(result))
  return 1
end
redis.call('HSET', KEYS[3], ARGV[1], cjson.encode(job))
redis.call('ZADD', KEYS[2], tonumber(job['created_at_ms'] or ARGV[2]), ARGV[1])
return 0
`)

// takeWaitersScript removes and returns every waiter registered on a
// variant. Exactly one caller observes each waiter.
//
// KEYS: waiters:{hash}
// Returns: the waiter bodies, possibly empty.
var takeWaitersScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
redis.call('DEL', KEYS[1])
return members
`)

// releaseInflightScript deletes the inflight key only when it is still
// owned by the given job. This is the dedup gate for late results.
//
// KEYS: inflight:{hash}
// ARGV: job id
// Returns: 1 when deleted, 0 otherwise.
var releaseInflightScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// evictUnclaimedScript removes one pending job from every structure.
// Claimed jobs (absent from the pending queue) are left untouched.
//
// KEYS: queue:{model}, jobs, index, inflight:{hash}
// ARGV: job id, logical key
// Returns: 1 when evicted, 0 when the job was already claimed or gone.
var evictUnclaimedScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
local cur = redis.call('HGET', KEYS[3], ARGV[2])
if cur == ARGV[1] then
  redis.call('HDEL', KEYS[3], ARGV[2])
end
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
return 1
`)
