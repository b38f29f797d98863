package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"

	"github.com/oratio-audio/oratio/internal/cache"
	"github.com/oratio-audio/oratio/internal/cache/memcache"
	"github.com/oratio-audio/oratio/internal/consumer"
	"github.com/oratio-audio/oratio/internal/gate"
	"github.com/oratio-audio/oratio/internal/queue"
	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/pkg/types"
)

// anyMsg is the union of every server → client message for decoding in
// tests.
type anyMsg struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIdx     int    `json:"block_idx"`
	Status       string `json:"status"`
	VariantHash  string `json:"variant_hash"`
	AudioURL     string `json:"audio_url"`
	Error        string `json:"error"`
	ModelSlug    string `json:"model_slug"`
	VoiceSlug    string `json:"voice_slug"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail"`
	BlockIndices []int  `json:"block_indices"`
}

type fixture struct {
	queue  *queue.Queue
	rdb    redis.UniversalClient
	cache  *memcache.Store
	blocks *store.MemBlockStore
	conn   *websocket.Conn
	url    string
	ctx    context.Context
}

type denyAllGate struct{}

func (denyAllGate) Check(context.Context, string, float64) error {
	return &gate.DeniedError{Reason: "allowance exhausted"}
}

func newFixture(t *testing.T, g gate.Gate) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb)
	c := memcache.New()
	blocks := store.NewMemBlockStore()

	var n int
	o := New(q, c, blocks, g, rdb, AnonAuth(), Config{
		Models:       []string{"kokoro"},
		InflightTTL:  time.Minute,
		RetainBehind: 1,
		RetainAhead:  3,
	}, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}))

	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	f := &fixture{queue: q, rdb: rdb, cache: c, blocks: blocks, url: srv.URL, ctx: ctx}
	f.conn = f.dial(t, "u1")
	return f
}

func (f *fixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(f.ctx, f.url+"?user="+user, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (f *fixture) send(t *testing.T, msg types.ClientMessage) {
	t.Helper()
	f.sendOn(t, f.conn, msg)
}

func (f *fixture) sendOn(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	if err := wsjson.Write(f.ctx, conn, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fixture) recv(t *testing.T) anyMsg {
	t.Helper()
	return f.recvOn(t, f.conn)
}

func (f *fixture) recvOn(t *testing.T, conn *websocket.Conn) anyMsg {
	t.Helper()
	var msg anyMsg
	if err := wsjson.Read(f.ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func synthesize(blocks ...int) types.ClientMessage {
	return types.ClientMessage{
		Type:         types.MsgSynthesize,
		DocumentID:   "d1",
		BlockIndices: blocks,
		Model:        "kokoro",
		Voice:        "af_heart",
	}
}

func TestSynthesize_CacheHit(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "hello world"})
	hash := types.VariantHash("hello world", "kokoro", "af_heart", nil)
	if err := f.cache.Put(hash, cache.Entry{Bytes: []byte("audio"), Codec: "audio/wav"}); err != nil {
		t.Fatal(err)
	}

	f.send(t, synthesize(0))
	got := f.recv(t)
	if got.Status != types.StatusCached {
		t.Fatalf("status = %q, want cached", got.Status)
	}
	if got.AudioURL != "/audio/"+hash {
		t.Errorf("audio url = %q", got.AudioURL)
	}
	// A cache hit must not create queue state.
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); ok {
		t.Error("cache hit enqueued a job")
	}
}

func TestSynthesize_CacheMissEnqueues(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 2, store.Block{Text: "synthesize me", UsageMultiplier: 1})

	f.send(t, synthesize(2))
	got := f.recv(t)
	if got.Status != types.StatusQueued || got.BlockIdx != 2 {
		t.Fatalf("reply = %+v", got)
	}

	job, ok, err := f.queue.Claim(f.ctx, "kokoro", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.JobID != "job-1" || job.Text != "synthesize me" || job.UserID != "u1" {
		t.Errorf("job = %+v", job)
	}

	owner, err := f.queue.InflightOwner(f.ctx, job.VariantHash)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "job-1" {
		t.Errorf("inflight owner = %q, want job-1", owner)
	}
}

func TestSynthesize_RetransmitJoinsExistingJob(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "once please", UsageMultiplier: 1})

	f.send(t, synthesize(0))
	first := f.recv(t)
	f.send(t, synthesize(0))
	second := f.recv(t)

	if first.Status != types.StatusQueued || second.Status != types.StatusQueued {
		t.Fatalf("statuses = %q, %q", first.Status, second.Status)
	}

	// Only one job exists.
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); !ok {
		t.Fatal("no job enqueued")
	}
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); ok {
		t.Error("retransmit enqueued a second job")
	}
}

func TestSynthesize_CrossUserSharesOneJob(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "shared line", UsageMultiplier: 1})
	second := f.dial(t, "u2")

	f.send(t, synthesize(0))
	if got := f.recv(t); got.Status != types.StatusQueued {
		t.Fatalf("first reply = %+v", got)
	}
	f.sendOn(t, second, synthesize(0))
	if got := f.recvOn(t, second); got.Status != types.StatusQueued {
		t.Fatalf("second reply = %+v", got)
	}

	// Two users, one variant: exactly one job may exist anywhere.
	d, err := f.queue.ModelDepths(f.ctx, "kokoro")
	if err != nil {
		t.Fatal(err)
	}
	if d.Pending != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending)
	}

	// The subscribe acks are asynchronous; give both sessions a moment.
	time.Sleep(100 * time.Millisecond)

	// Work the one job and let the result consumer fan the status out.
	job, ok, err := f.queue.Claim(f.ctx, "kokoro", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	res := types.ResultForJob(job)
	res.AudioB64 = base64.StdEncoding.EncodeToString([]byte("shared audio"))
	res.Codec = "audio/wav"
	if err := f.queue.Complete(f.ctx, job, res); err != nil {
		t.Fatal(err)
	}
	consumerCtx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	go consumer.NewResults(f.queue, f.cache).Run(consumerCtx)

	for name, conn := range map[string]*websocket.Conn{"u1": f.conn, "u2": second} {
		got := f.recvOn(t, conn)
		if got.Status != types.StatusCached {
			t.Fatalf("%s status = %+v, want cached", name, got)
		}
		if got.AudioURL != "/audio/"+job.VariantHash || got.DocumentID != "d1" || got.BlockIdx != 0 {
			t.Errorf("%s delivery = %+v", name, got)
		}
	}
}

func TestSynthesize_WhitespaceSkipped(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "   \n  "})

	f.send(t, synthesize(0))
	got := f.recv(t)
	if got.Status != types.StatusSkipped {
		t.Fatalf("status = %q, want skipped", got.Status)
	}
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); ok {
		t.Error("whitespace block enqueued a job")
	}
}

func TestSynthesize_UnknownModel(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	msg := synthesize(0)
	msg.Model = "nonexistent"
	f.send(t, msg)

	got := f.recv(t)
	if got.Type != types.MsgError || got.Reason != ReasonUnknownModel {
		t.Fatalf("reply = %+v", got)
	}
}

func TestSynthesize_UnknownDocument(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.send(t, synthesize(0))

	got := f.recv(t)
	if got.Type != types.MsgError || got.Reason != ReasonUnknownDocument {
		t.Fatalf("reply = %+v", got)
	}
}

func TestSynthesize_GateDenied(t *testing.T) {
	f := newFixture(t, denyAllGate{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "too expensive", UsageMultiplier: 1})

	f.send(t, synthesize(0))
	got := f.recv(t)
	if got.Status != types.StatusError || got.Error != "allowance exhausted" {
		t.Fatalf("reply = %+v", got)
	}
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); ok {
		t.Error("denied request enqueued a job")
	}
}

func TestSynthesize_BrowserModeDoesNotEnqueue(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "local synth", UsageMultiplier: 1})

	msg := synthesize(0)
	msg.SynthesisMode = types.ModeBrowser
	f.send(t, msg)

	got := f.recv(t)
	if got.Status != types.StatusProcessing {
		t.Fatalf("status = %q, want processing", got.Status)
	}
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); ok {
		t.Error("browser mode enqueued a job")
	}
}

func TestSynthesize_ZeroBlocksNoReply(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "after the no-op"})
	hash := types.VariantHash("after the no-op", "kokoro", "af_heart", nil)
	if err := f.cache.Put(hash, cache.Entry{Bytes: []byte("a")}); err != nil {
		t.Fatal(err)
	}

	// The empty request must produce nothing; the next reply on the
	// socket belongs to the follow-up request.
	f.send(t, synthesize())
	f.send(t, synthesize(0))
	got := f.recv(t)
	if got.Status != types.StatusCached || got.BlockIdx != 0 {
		t.Fatalf("reply = %+v", got)
	}
}

func TestCursorMoved_EvictsOutsideWindow(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	// Retention window is [cursor-1, cursor+3].
	for idx := 0; idx < 10; idx++ {
		f.blocks.SetBlock("d1", idx, store.Block{Text: fmt.Sprintf("block %d text", idx), UsageMultiplier: 1})
	}
	f.send(t, synthesize(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	for i := 0; i < 10; i++ {
		if got := f.recv(t); got.Status != types.StatusQueued {
			t.Fatalf("block %d reply = %+v", i, got)
		}
	}

	f.send(t, types.ClientMessage{Type: types.MsgCursorMoved, DocumentID: "d1", Cursor: 5})
	got := f.recv(t)
	if got.Type != types.MsgEvicted {
		t.Fatalf("reply = %+v", got)
	}
	want := map[int]bool{0: true, 1: true, 2: true, 3: true, 9: true}
	if len(got.BlockIndices) != len(want) {
		t.Fatalf("evicted = %v, want indices 0-3 and 9", got.BlockIndices)
	}
	for _, idx := range got.BlockIndices {
		if !want[idx] {
			t.Errorf("unexpected eviction of block %d", idx)
		}
	}

	// Retained jobs are still claimable; evicted ones are gone.
	var claimed []int
	for {
		job, ok, err := f.queue.Claim(f.ctx, "kokoro", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		claimed = append(claimed, job.BlockIdx)
	}
	if len(claimed) != 5 {
		t.Errorf("remaining jobs = %v, want blocks 4-8", claimed)
	}
}

func TestCursorMoved_ClaimedJobsRetained(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "being worked on", UsageMultiplier: 1})

	f.send(t, synthesize(0))
	if got := f.recv(t); got.Status != types.StatusQueued {
		t.Fatalf("reply = %+v", got)
	}
	if _, ok, _ := f.queue.Claim(f.ctx, "kokoro", time.Minute); !ok {
		t.Fatal("claim failed")
	}

	// Cursor far away: block 0 is outside the window but claimed.
	f.send(t, types.ClientMessage{Type: types.MsgCursorMoved, DocumentID: "d1", Cursor: 50})

	// No evicted message should arrive. Prove it by forcing a later
	// reply and checking it comes first.
	f.blocks.SetBlock("d1", 50, store.Block{Text: "   "})
	f.send(t, synthesize(50))
	got := f.recv(t)
	if got.Type == types.MsgEvicted {
		t.Fatal("claimed job was evicted")
	}
	if got.Status != types.StatusSkipped {
		t.Fatalf("reply = %+v", got)
	}
}

func TestSession_ForwardsPubSubStatuses(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.blocks.SetBlock("d1", 0, store.Block{Text: "watch me", UsageMultiplier: 1})

	f.send(t, synthesize(0))
	if got := f.recv(t); got.Status != types.StatusQueued {
		t.Fatalf("reply = %+v", got)
	}

	// The subscribe ack is asynchronous; give it a moment before
	// publishing.
	time.Sleep(100 * time.Millisecond)

	// Simulate the result consumer finishing the block.
	update := types.StatusUpdate{
		DocumentID: "d1",
		BlockIdx:   0,
		Status:     types.StatusCached,
		AudioURL:   "/audio/somehash",
		ModelSlug:  "kokoro",
		VoiceSlug:  "af_heart",
	}
	if err := f.queue.PublishStatus(f.ctx, "u1", update); err != nil {
		t.Fatal(err)
	}

	got := f.recv(t)
	if got.Status != types.StatusCached || got.AudioURL != "/audio/somehash" {
		t.Fatalf("forwarded update = %+v", got)
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, gate.Unlimited{})
	f.send(t, types.ClientMessage{Type: "bogus"})
	got := f.recv(t)
	if got.Type != types.MsgError || got.Reason != ReasonBadMessage {
		t.Fatalf("reply = %+v", got)
	}
}
