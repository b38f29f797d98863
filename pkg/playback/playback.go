// Package playback implements the client half of the synthesis
// websocket protocol: a read-ahead buffer keyed by variant, a
// buffering/playing state machine around the listening cursor, and
// reconnect handling that retransmits outstanding requests.
//
// The engine deliberately knows nothing about audio output. It fills a
// variant-keyed buffer and reports readiness; rendering the bytes is
// the embedding application's concern.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/oratio-audio/oratio/pkg/types"
)

// State is the engine's playback readiness at the current cursor.
type State int

const (
	// StateIdle means no document is loaded or playback has not started.
	StateIdle State = iota

	// StateBuffering means the cursor block's audio is not yet available.
	StateBuffering

	// StatePlaying means the cursor block's audio is buffered and ready.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Block is one buffered block's audio, or its terminal non-audio state.
type Block struct {
	VariantHash string
	Audio       []byte
	Codec       string
	Skipped     bool
	Err         string
}

// Ready reports whether the block needs no further waiting.
func (b Block) Ready() bool { return b.Skipped || b.Err != "" || len(b.Audio) > 0 }

// Config tunes an [Engine].
type Config struct {
	// WSURL is the websocket endpoint including any auth query
	// parameters, e.g. "ws://host/v1/ws/tts?token=...".
	WSURL string

	// HTTPBase resolves relative audio URLs from status messages,
	// e.g. "http://host".
	HTTPBase string

	DocumentID string
	Model      string
	Voice      string

	// Prefetch is how many blocks ahead of the cursor to request.
	Prefetch int

	// TotalBlocks bounds the prefetch window. Zero means unknown; the
	// window then extends freely and the server answers unknown blocks
	// with a document error.
	TotalBlocks int

	// Tick is the batching cadence: all newly wanted blocks discovered
	// within one tick go out as a single synthesize message.
	Tick time.Duration

	// ReconnectDelay is the pause before a redial.
	ReconnectDelay time.Duration

	// HTTPClient fetches audio blobs. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) fillDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 5
	}
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Engine drives one document's playback buffering over one websocket.
// Safe for concurrent use.
type Engine struct {
	cfg Config

	mu          sync.Mutex
	conn        *websocket.Conn
	cursor      int
	voice       string
	blocks      map[int]*Block
	outstanding map[int]struct{}
	cursorDirty bool
}

// New creates an engine; call [Engine.Run] to connect.
func New(cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		cfg:         cfg,
		voice:       cfg.Voice,
		blocks:      make(map[int]*Block),
		outstanding: make(map[int]struct{}),
	}
}

// Run connects and serves the engine until ctx is cancelled. Dropped
// connections are redialled and all outstanding block requests are
// retransmitted; the server treats retransmits idempotently.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.runConn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("playback: connection lost, redialling", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.ReconnectDelay):
		}
	}
}

// runConn dials once and pumps messages until the connection fails.
func (e *Engine) runConn(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, e.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("playback: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	e.mu.Lock()
	e.conn = conn
	// Everything requested before the drop is in flight on a dead
	// socket; forget it was asked for and ask again.
	clear(e.outstanding)
	retransmit := e.wantedLocked()
	for _, idx := range retransmit {
		e.outstanding[idx] = struct{}{}
	}
	e.mu.Unlock()
	if len(retransmit) > 0 {
		e.sendSynthesize(ctx, retransmit)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.tickLoop(connCtx)

	for {
		var update types.StatusUpdate
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			e.mu.Lock()
			e.conn = nil
			e.mu.Unlock()
			return err
		}
		e.handleUpdate(ctx, update)
	}
}

// tickLoop batches newly wanted blocks into one request per tick.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			wanted := e.wantedLocked()
			for _, idx := range wanted {
				e.outstanding[idx] = struct{}{}
			}
			moved := e.cursorDirty
			e.cursorDirty = false
			cursor := e.cursor
			e.mu.Unlock()

			if len(wanted) > 0 {
				e.sendSynthesize(ctx, wanted)
			}
			if moved {
				e.send(ctx, types.ClientMessage{
					Type:       types.MsgCursorMoved,
					DocumentID: e.cfg.DocumentID,
					Cursor:     cursor,
				})
			}
		}
	}
}

// wantedLocked returns the prefetch-window blocks that are neither
// buffered nor outstanding. Caller holds e.mu.
func (e *Engine) wantedLocked() []int {
	var wanted []int
	hi := e.cursor + e.cfg.Prefetch
	if e.cfg.TotalBlocks > 0 && hi > e.cfg.TotalBlocks-1 {
		hi = e.cfg.TotalBlocks - 1
	}
	for idx := e.cursor; idx <= hi; idx++ {
		if idx < 0 {
			continue
		}
		if b, ok := e.blocks[idx]; ok && b.Ready() {
			continue
		}
		if _, ok := e.outstanding[idx]; ok {
			continue
		}
		wanted = append(wanted, idx)
	}
	return wanted
}

func (e *Engine) sendSynthesize(ctx context.Context, indices []int) {
	e.mu.Lock()
	voice := e.voice
	e.mu.Unlock()
	e.send(ctx, types.ClientMessage{
		Type:         types.MsgSynthesize,
		DocumentID:   e.cfg.DocumentID,
		BlockIndices: indices,
		Model:        e.cfg.Model,
		Voice:        voice,
	})
}

func (e *Engine) send(ctx context.Context, msg types.ClientMessage) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		slog.Debug("playback: send failed", "type", msg.Type, "err", err)
	}
}

// handleUpdate applies one server status to the buffer.
func (e *Engine) handleUpdate(ctx context.Context, u types.StatusUpdate) {
	if u.DocumentID != e.cfg.DocumentID {
		return
	}

	e.mu.Lock()
	// A status for work queued under a previous voice is stale; the
	// current voice's request is still outstanding or re-sent.
	if u.VoiceSlug != "" && u.VoiceSlug != e.voice {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	switch u.Status {
	case types.StatusQueued, types.StatusProcessing:
		// Informational; the block stays outstanding.
	case types.StatusSkipped:
		e.finish(u.BlockIdx, &Block{Skipped: true})
	case types.StatusError:
		e.finish(u.BlockIdx, &Block{Err: u.Error})
	case types.StatusCached:
		audio, codec, err := e.fetchAudio(ctx, u.AudioURL)
		if err != nil {
			slog.Warn("playback: audio fetch failed", "block", u.BlockIdx, "err", err)
			e.mu.Lock()
			delete(e.outstanding, u.BlockIdx)
			e.mu.Unlock()
			return
		}
		e.finish(u.BlockIdx, &Block{VariantHash: u.VariantHash, Audio: audio, Codec: codec})
	}
}

func (e *Engine) finish(idx int, b *Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks[idx] = b
	delete(e.outstanding, idx)
}

func (e *Engine) fetchAudio(ctx context.Context, url string) (audio []byte, codec string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.HTTPBase+url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.New("playback: audio fetch status " + resp.Status)
	}
	audio, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

// ─── Public control surface ──────────────────────────────────────────────────

// SetCursor moves the listening position. The prefetch window follows
// on the next tick, and the server is told so it can evict stale jobs.
func (e *Engine) SetCursor(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx == e.cursor {
		return
	}
	e.cursor = idx
	e.cursorDirty = true
}

// SetVoice switches voices and cancels all outstanding work locally.
// Buffered audio for the old voice is dropped from the block view;
// results still in flight for it are discarded by the voice echo check.
// No server round-trip happens: pending jobs die by cursor eviction or
// serve other listeners of the same variant.
func (e *Engine) SetVoice(voice string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if voice == e.voice {
		return
	}
	e.voice = voice
	e.blocks = make(map[int]*Block)
	e.outstanding = make(map[int]struct{})
}

// CancelAll drops every outstanding request and buffered block.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks = make(map[int]*Block)
	e.outstanding = make(map[int]struct{})
}

// BlockAt returns the buffered state of one block.
func (e *Engine) BlockAt(idx int) (Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[idx]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// State reports readiness at the cursor.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.blocks[e.cursor]; ok && b.Ready() {
		return StatePlaying
	}
	if len(e.outstanding) > 0 || e.cursorDirty || len(e.blocks) > 0 {
		return StateBuffering
	}
	return StateIdle
}
