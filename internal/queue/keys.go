// Package queue implements the Redis-backed job queue protocol shared
// by the orchestrator, the worker fleet, the consumers, and the
// scanners.
//
// The key layout is a wire contract: external workers construct these
// names themselves, so changing one is a fleet-wide breaking change.
//
//	queue:{model}       sorted set   pending jobs, scored by enqueue ms
//	processing:{model}  sorted set   claimed jobs, scored by deadline ms
//	jobs                hash         job_id → serialised job
//	index               hash         user:doc:block:model:voice → job_id
//	inflight:{hash}     string+TTL   dedup and billing gate; value = job_id
//	waiters:{hash}      set+TTL      identities waiting on an inflight build
//	results             list         worker results, LPUSH / BRPOP
//	billing             list         billing events
//	dlq:{model}         list         jobs past their retry budget
//	done:{user}:{doc}   pub/sub      status notification channel
//
// Every mutation that spans more than one structure runs as a
// server-side Lua script, never as composed round-trips: concurrent
// orchestrators, workers, and scanners all touch the same keys.
package queue

// Key builders. Kept as free functions so workers and tests can name
// structures without a Queue instance.

func QueueKey(model string) string      { return "queue:" + model }
func ProcessingKey(model string) string { return "processing:" + model }
func DLQKey(model string) string        { return "dlq:" + model }
func InflightKey(hash string) string    { return "inflight:" + hash }
func WaitersKey(hash string) string     { return "waiters:" + hash }

const (
	JobsKey    = "jobs"
	IndexKey   = "index"
	ResultsKey = "results"
	BillingKey = "billing"
)

// DoneChannel names the pub/sub channel carrying status updates for one
// (user, document) pair. Per-pair channels keep fan-out linear; a single
// global channel would make every subscriber filter every message.
func DoneChannel(userID, documentID string) string {
	return "done:" + userID + ":" + documentID
}
