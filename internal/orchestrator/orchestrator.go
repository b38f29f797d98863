// Package orchestrator terminates the playback websocket and turns
// client intents into queue state.
//
// One session owns one websocket, one notification listener, and one
// subscription set. The request path touches only Redis and the local
// cache; block text comes from the block store, but no synthesis,
// caching, or billing work happens on a session goroutine.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/consumer"
	"github.com/oratio-audio/oratio/internal/gate"
	"github.com/oratio-audio/oratio/internal/notify"
	"github.com/oratio-audio/oratio/internal/observe"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/pkg/types"
)

// Document-level error reasons sent in [types.ErrorEnvelope].
const (
	ReasonUnauthorized    = "unauthorized"
	ReasonUnknownModel    = "unknown_model"
	ReasonUnknownDocument = "unknown_document"
	ReasonBadMessage      = "bad_message"
)

// AuthFunc resolves an incoming upgrade request to a user id. An error
// rejects the connection before the upgrade completes.
type AuthFunc func(r *http.Request) (string, error)

// TokenAuth authenticates against a static token → user table. Tokens
// arrive as a bearer header or, for browser clients that cannot set
// headers on websocket upgrades, a "token" query parameter.
func TokenAuth(tokens map[string]string) AuthFunc {
	return func(r *http.Request) (string, error) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		user, ok := tokens[token]
		if !ok {
			return "", errors.New("orchestrator: unknown token")
		}
		return user, nil
	}
}

// AnonAuth trusts the client-declared user id in the "user" query
// parameter. Only for development and tests.
func AnonAuth() AuthFunc {
	return func(r *http.Request) (string, error) {
		user := r.URL.Query().Get("user")
		if user == "" {
			return "", errors.New("orchestrator: missing user parameter")
		}
		return user, nil
	}
}

// Config tunes a [Orchestrator].
type Config struct {
	// Models is the set of model slugs clients may request.
	Models []string

	// InflightTTL bounds how long a crashed build can block its variant.
	InflightTTL time.Duration

	// RetainBehind and RetainAhead define the cursor retention window:
	// pending jobs for blocks outside [cursor-behind, cursor+ahead] are
	// evicted on cursor_moved.
	RetainBehind int
	RetainAhead  int

	// AllowedOrigins is passed through to the websocket accept check.
	AllowedOrigins []string
}

func (c *Config) fillDefaults() {
	if c.InflightTTL <= 0 {
		c.InflightTTL = 10 * time.Minute
	}
	if c.RetainBehind <= 0 {
		c.RetainBehind = 2
	}
	if c.RetainAhead <= 0 {
		c.RetainAhead = 20
	}
}

// Orchestrator owns the /v1/ws/tts endpoint.
type Orchestrator struct {
	queue  *queue.Queue
	cache  cache.Cache
	blocks store.BlockStore
	gate   gate.Gate
	rdb    redis.UniversalClient
	auth   AuthFunc
	cfg    Config
	models map[string]struct{}
	newID  func() string
}

// Option customizes an [Orchestrator].
type Option func(*Orchestrator)

// WithIDGenerator overrides job id generation. Tests use it for
// deterministic ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an orchestrator. rdb is needed in addition to q because
// each session opens its own pub/sub connection.
func New(q *queue.Queue, c cache.Cache, blocks store.BlockStore, g gate.Gate, rdb redis.UniversalClient, auth AuthFunc, cfg Config, opts ...Option) *Orchestrator {
	cfg.fillDefaults()
	o := &Orchestrator{
		queue:  q,
		cache:  c,
		blocks: blocks,
		gate:   g,
		rdb:    rdb,
		auth:   auth,
		cfg:    cfg,
		models: make(map[string]struct{}, len(cfg.Models)),
		newID:  uuid.NewString,
	}
	for _, m := range cfg.Models {
		o.models[m] = struct{}{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ServeHTTP upgrades the connection and runs the session until the
// client disconnects.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := o.auth(r)
	if err != nil {
		http.Error(w, ReasonUnauthorized, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: o.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("orchestrator: websocket accept failed", "user", userID, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		orch:     o,
		conn:     conn,
		userID:   userID,
		listener: notify.NewListener(ctx, o.rdb, userID),
	}
	defer s.listener.Close()

	slog.Info("orchestrator: session opened", "user", userID)
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	defer observe.DefaultMetrics().ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	go s.forwardUpdates(ctx)
	s.readLoop(ctx)
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("orchestrator: session closed", "user", userID)
}

// ─── Session ─────────────────────────────────────────────────────────────────

// session is one connected playback client.
type session struct {
	orch     *Orchestrator
	conn     *websocket.Conn
	userID   string
	listener *notify.Listener

	// writeMu serialises websocket writes between the read loop's
	// synchronous replies and the update forwarder.
	writeMu sync.Mutex
}

func (s *session) write(ctx context.Context, v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsjson.Write(ctx, s.conn, v); err != nil {
		slog.Debug("orchestrator: write failed", "user", s.userID, "err", err)
	}
}

func (s *session) writeError(ctx context.Context, reason, detail string) {
	s.write(ctx, types.ErrorEnvelope{Type: types.MsgError, Reason: reason, Detail: detail})
}

// forwardUpdates pushes pub/sub statuses for watched documents onto the
// socket until the listener closes.
func (s *session) forwardUpdates(ctx context.Context) {
	for update := range s.listener.Updates() {
		s.write(ctx, update)
	}
}

// readLoop decodes client messages until the connection drops.
func (s *session) readLoop(ctx context.Context) {
	for {
		var msg types.ClientMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case types.MsgSynthesize:
			s.handleSynthesize(ctx, msg)
		case types.MsgCursorMoved:
			s.handleCursorMoved(ctx, msg)
		default:
			s.writeError(ctx, ReasonBadMessage, "unknown message type "+msg.Type)
		}
	}
}

// ─── Synthesize ──────────────────────────────────────────────────────────────

func (s *session) handleSynthesize(ctx context.Context, msg types.ClientMessage) {
	if len(msg.BlockIndices) == 0 {
		return
	}
	if _, ok := s.orch.models[msg.Model]; !ok {
		s.writeError(ctx, ReasonUnknownModel, msg.Model)
		return
	}
	if err := s.listener.Watch(ctx, msg.DocumentID); err != nil {
		slog.Error("orchestrator: watch failed", "user", s.userID, "document", msg.DocumentID, "err", err)
	}
	for _, idx := range msg.BlockIndices {
		s.synthesizeBlock(ctx, msg, idx)
	}
}

// synthesizeBlock handles one requested block. Client retransmits take
// the same path and land in the cached or already-queued branches, so
// re-sending a request never duplicates work.
func (s *session) synthesizeBlock(ctx context.Context, msg types.ClientMessage, idx int) {
	status := types.StatusUpdate{
		DocumentID: msg.DocumentID,
		BlockIdx:   idx,
		ModelSlug:  msg.Model,
		VoiceSlug:  msg.Voice,
	}

	block, err := s.orch.blocks.GetBlock(ctx, msg.DocumentID, idx)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(ctx, ReasonUnknownDocument, msg.DocumentID)
		return
	}
	if err != nil {
		slog.Error("orchestrator: block lookup failed",
			"user", s.userID, "document", msg.DocumentID, "block", idx, "err", err)
		s.writeError(ctx, ReasonUnknownDocument, msg.DocumentID)
		return
	}

	if strings.TrimSpace(block.Text) == "" {
		status.Status = types.StatusSkipped
		s.write(ctx, status)
		return
	}

	hash := types.VariantHash(block.Text, msg.Model, msg.Voice, block.VoiceParams)
	status.VariantHash = hash

	exists, err := s.orch.cache.Exists(hash)
	if err != nil {
		slog.Error("orchestrator: cache check failed", "variant", hash, "err", err)
	}
	observe.DefaultMetrics().RecordCacheLookup(ctx, exists)
	if exists {
		status.Status = types.StatusCached
		status.AudioURL = consumer.AudioURLPrefix + hash
		s.write(ctx, status)
		return
	}

	if msg.SynthesisMode == types.ModeBrowser {
		// The client renders this block locally and may upload the
		// result; the server neither queues nor meters it.
		status.Status = types.StatusProcessing
		s.write(ctx, status)
		return
	}

	estCost := float64(len(strings.TrimSpace(block.Text))) * block.UsageMultiplier
	if err := s.orch.gate.Check(ctx, s.userID, estCost); err != nil {
		if reason, ok := gate.Denied(err); ok {
			status.Status = types.StatusError
			status.Error = reason
			s.write(ctx, status)
			return
		}
		slog.Error("orchestrator: gate check failed", "user", s.userID, "err", err)
		status.Status = types.StatusError
		status.Error = "usage check unavailable"
		s.write(ctx, status)
		return
	}

	job := types.Job{
		JobID:           s.orch.newID(),
		UserID:          s.userID,
		DocumentID:      msg.DocumentID,
		BlockIdx:        idx,
		Text:            block.Text,
		Model:           msg.Model,
		Voice:           msg.Voice,
		VoiceParams:     block.VoiceParams,
		VariantHash:     hash,
		UsageMultiplier: block.UsageMultiplier,
		CreatedAtMS:     time.Now().UnixMilli(),
	}

	// The inflight key is armed before anything enters the queue: the
	// variant belongs to whichever session wins this SETNX, and only the
	// winner enqueues. Everyone else joins the winner's build, so a
	// variant is never pending or processing twice.
	won, err := s.orch.queue.SetInflight(ctx, hash, job.JobID, s.orch.cfg.InflightTTL)
	if err != nil {
		slog.Error("orchestrator: inflight arm failed", "user", s.userID, "job", job.JobID, "err", err)
		status.Status = types.StatusError
		status.Error = "enqueue failed"
		s.write(ctx, status)
		return
	}
	if !won {
		s.joinInflight(ctx, hash, status)
		return
	}

	enqueued, ownerID, err := s.orch.queue.EnqueueIfNew(ctx, job)
	if err != nil {
		// Free the variant again or nobody can build it until the TTL.
		if _, rerr := s.orch.queue.ReleaseInflight(ctx, hash, job.JobID); rerr != nil {
			slog.Error("orchestrator: inflight rollback failed", "job", job.JobID, "err", rerr)
		}
		slog.Error("orchestrator: enqueue failed", "user", s.userID, "job", job.JobID, "err", err)
		status.Status = types.StatusError
		status.Error = "enqueue failed"
		s.write(ctx, status)
		return
	}
	if enqueued {
		observe.DefaultMetrics().JobsEnqueued.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("model", job.Model)))
	} else {
		// The logical key still maps to an earlier job whose inflight TTL
		// lapsed. Hand the armed key to that job so its eventual result
		// passes the dedup gate instead of dying on this job's id.
		if err := s.orch.queue.ArmInflight(ctx, hash, ownerID, s.orch.cfg.InflightTTL); err != nil {
			slog.Error("orchestrator: inflight handover failed", "job", ownerID, "err", err)
		}
		slog.Debug("orchestrator: duplicate request joined existing job",
			"user", s.userID, "job", ownerID, "block", idx)
	}

	status.Status = types.StatusQueued
	s.write(ctx, status)
}

// joinInflight registers the session as a waiter on a variant another
// job is already building; the builder's terminal status is republished
// under this identity by the result consumer.
func (s *session) joinInflight(ctx context.Context, hash string, status types.StatusUpdate) {
	w := types.Waiter{
		UserID:     s.userID,
		DocumentID: status.DocumentID,
		BlockIdx:   status.BlockIdx,
		Model:      status.ModelSlug,
		Voice:      status.VoiceSlug,
	}
	if err := s.orch.queue.AddWaiter(ctx, hash, w, s.orch.cfg.InflightTTL); err != nil {
		slog.Error("orchestrator: waiter registration failed",
			"user", s.userID, "variant", hash, "err", err)
	}

	// The build may have finished between the first cache check and the
	// waiter registration; a second look closes that window. The consumer
	// writes the blob before draining waiters, so one of the two paths
	// always delivers.
	exists, err := s.orch.cache.Exists(hash)
	if err != nil {
		slog.Error("orchestrator: cache check failed", "variant", hash, "err", err)
	}
	if exists {
		status.Status = types.StatusCached
		status.AudioURL = consumer.AudioURLPrefix + hash
		s.write(ctx, status)
		return
	}
	status.Status = types.StatusQueued
	s.write(ctx, status)
}

// ─── Cursor eviction ─────────────────────────────────────────────────────────

func (s *session) handleCursorMoved(ctx context.Context, msg types.ClientMessage) {
	jobs, err := s.orch.queue.IndexedJobs(ctx, s.userID, msg.DocumentID)
	if err != nil {
		slog.Error("orchestrator: index scan failed",
			"user", s.userID, "document", msg.DocumentID, "err", err)
		return
	}

	lo := msg.Cursor - s.orch.cfg.RetainBehind
	hi := msg.Cursor + s.orch.cfg.RetainAhead
	var evicted []int
	for _, job := range jobs {
		if job.BlockIdx >= lo && job.BlockIdx <= hi {
			continue
		}
		ok, err := s.orch.queue.EvictUnclaimed(ctx, job)
		if err != nil {
			slog.Error("orchestrator: evict failed", "job", job.JobID, "err", err)
			continue
		}
		if ok {
			evicted = append(evicted, job.BlockIdx)
		}
	}
	if len(evicted) == 0 {
		return
	}
	s.write(ctx, types.EvictedMessage{
		Type:         types.MsgEvicted,
		DocumentID:   msg.DocumentID,
		BlockIndices: evicted,
	})
}
