// Package types defines the wire formats shared by the Oratio synthesis
// core: jobs, results, billing events, and the websocket message unions.
//
// The JSON field names in this package are a stable protocol. External
// workers deserialise jobs and serialise results using exactly these
// shapes, so renaming a field is a breaking change for every worker in
// the fleet.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VariantHash computes the content address of an audio variant from the
// text, model slug, voice slug, and voice parameters. Two requests with
// identical inputs hash to the same variant and synthesise at most once.
//
// Parameters are folded in sorted key order so that map iteration order
// never changes the hash. The audio codec is deliberately not part of
// the hash; changing codecs without purging the cache reuses old bytes.
func VariantHash(text, model, voice string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Job is an intent to synthesise one (block, variant) pair for a given
// user and document. It lives in Redis while pending or processing.
type Job struct {
	JobID           string            `json:"job_id"`
	UserID          string            `json:"user_id"`
	DocumentID      string            `json:"document_id"`
	BlockIdx        int               `json:"block_idx"`
	Text            string            `json:"text"`
	Model           string            `json:"model"`
	Voice           string            `json:"voice"`
	VoiceParams     map[string]string `json:"voice_params,omitempty"`
	VariantHash     string            `json:"variant_hash"`
	UsageMultiplier float64           `json:"usage_multiplier"`
	CreatedAtMS     int64             `json:"created_at_ms"`
	RetryCount      int               `json:"retry_count"`
}

// LogicalKey is the job-index key identifying the one non-terminal job
// allowed per (user, document, block, model, voice).
func (j Job) LogicalKey() string {
	return LogicalKey(j.UserID, j.DocumentID, j.BlockIdx, j.Model, j.Voice)
}

// LogicalKey builds the job-index field for the given identity tuple.
func LogicalKey(userID, documentID string, blockIdx int, model, voice string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", userID, documentID, blockIdx, model, voice)
}

// Marshal serialises the job for queue storage.
func (j Job) Marshal() ([]byte, error) { return json.Marshal(j) }

// UnmarshalJob deserialises a job previously stored with [Job.Marshal].
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("types: unmarshal job: %w", err)
	}
	return j, nil
}

// Error codes carried in results. The set is part of the wire contract.
const (
	// ErrCodeAdapterExhausted marks a transient upstream failure that
	// survived the adapter's retry budget.
	ErrCodeAdapterExhausted = "adapter_exhausted"

	// ErrCodeAdapterFatal marks a non-retryable adapter failure such as
	// malformed text or an unsupported voice.
	ErrCodeAdapterFatal = "adapter_fatal"

	// ErrCodeRetryExhausted marks a synthetic result produced when a job
	// exceeds its requeue budget and lands in the dead-letter queue.
	ErrCodeRetryExhausted = "retry_exhausted"

	// ErrCodeCacheWriteFailed marks a result whose audio arrived intact
	// but could not be written to the variant cache.
	ErrCodeCacheWriteFailed = "cache_write_failed"
)

// Result is a worker's attempt at fulfilling a job: either an audio
// payload or an error. At most one result per variant is honoured; the
// result consumer drops the rest via the inflight-owner gate.
type Result struct {
	JobID           string  `json:"job_id"`
	UserID          string  `json:"user_id"`
	DocumentID      string  `json:"document_id"`
	BlockIdx        int     `json:"block_idx"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	VariantHash     string  `json:"variant_hash"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	TextLength      int     `json:"text_length"`

	AudioB64   string `json:"audio_b64,omitempty"`
	Codec      string `json:"codec,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// IsError reports whether the result carries an error instead of audio.
func (r Result) IsError() bool { return r.ErrorCode != "" }

// Marshal serialises the result for the results list.
func (r Result) Marshal() ([]byte, error) { return json.Marshal(r) }

// UnmarshalResult deserialises a result pushed by a worker.
func UnmarshalResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("types: unmarshal result: %w", err)
	}
	return r, nil
}

// ResultForJob pre-fills the identity echo fields of a result from its job.
func ResultForJob(j Job) Result {
	return Result{
		JobID:           j.JobID,
		UserID:          j.UserID,
		DocumentID:      j.DocumentID,
		BlockIdx:        j.BlockIdx,
		Model:           j.Model,
		Voice:           j.Voice,
		VariantHash:     j.VariantHash,
		UsageMultiplier: j.UsageMultiplier,
		TextLength:      len(strings.TrimSpace(j.Text)),
	}
}

// Waiter identifies one (user, document, block) whose request lost the
// inflight race for a variant another job is already building. The
// result consumer republishes the builder's terminal status under each
// waiter's own identity.
type Waiter struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	Model      string `json:"model"`
	Voice      string `json:"voice"`
}

// Marshal serialises the waiter for the waiters set.
func (w Waiter) Marshal() ([]byte, error) { return json.Marshal(w) }

// UnmarshalWaiter deserialises a waiter previously stored with [Waiter.Marshal].
func UnmarshalWaiter(data []byte) (Waiter, error) {
	var w Waiter
	if err := json.Unmarshal(data, &w); err != nil {
		return Waiter{}, fmt.Errorf("types: unmarshal waiter: %w", err)
	}
	return w, nil
}

// BillingEvent is pushed by the result consumer for each successfully
// cached variant and drained serially by the billing consumer.
type BillingEvent struct {
	UserID          string  `json:"user_id"`
	DocumentID      string  `json:"document_id"`
	VariantHash     string  `json:"variant_hash"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	TextLength      int     `json:"text_length"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	DurationMS      int64   `json:"duration_ms"`
}

// Marshal serialises the billing event for the billing list.
func (e BillingEvent) Marshal() ([]byte, error) { return json.Marshal(e) }

// UnmarshalBillingEvent deserialises a billing event.
func UnmarshalBillingEvent(data []byte) (BillingEvent, error) {
	var e BillingEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return BillingEvent{}, fmt.Errorf("types: unmarshal billing event: %w", err)
	}
	return e, nil
}
