package types

import "encoding/json"

// Client → server message types.
const (
	MsgSynthesize  = "synthesize"
	MsgCursorMoved = "cursor_moved"
)

// Server → client message types.
const (
	MsgStatus  = "status"
	MsgEvicted = "evicted"
	MsgError   = "error"
)

// Block status values delivered in status messages.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCached     = "cached"
	StatusSkipped    = "skipped"
	StatusError      = "error"
)

// Synthesis modes. Browser mode synthesises locally in the client and
// optionally uploads the audio; it is never metered.
const (
	ModeServer  = "server"
	ModeBrowser = "browser"
)

// ClientMessage is the tagged union of messages a playback client sends
// over the websocket. Type selects which fields are meaningful.
type ClientMessage struct {
	Type          string `json:"type"`
	DocumentID    string `json:"document_id"`
	BlockIndices  []int  `json:"block_indices,omitempty"`
	Cursor        int    `json:"cursor"`
	Model         string `json:"model,omitempty"`
	Voice         string `json:"voice,omitempty"`
	SynthesisMode string `json:"synthesis_mode,omitempty"`
}

// StatusUpdate is the per-block status message. It doubles as the
// payload published on the done:{user}:{document} pub/sub channel, so
// the orchestrator can forward it to subscribed sessions verbatim.
//
// ModelSlug and VoiceSlug are echoed so a client that changed voice can
// discard notifications for work queued under the old voice.
type StatusUpdate struct {
	Type        string `json:"type"`
	DocumentID  string `json:"document_id"`
	BlockIdx    int    `json:"block_idx"`
	Status      string `json:"status"`
	VariantHash string `json:"variant_hash,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	Error       string `json:"error,omitempty"`
	ModelSlug   string `json:"model_slug"`
	VoiceSlug   string `json:"voice_slug"`
}

// Marshal serialises the status update for pub/sub and websocket delivery.
func (s StatusUpdate) Marshal() ([]byte, error) {
	s.Type = MsgStatus
	return json.Marshal(s)
}

// UnmarshalStatusUpdate deserialises a pub/sub status payload.
func UnmarshalStatusUpdate(data []byte) (StatusUpdate, error) {
	var s StatusUpdate
	err := json.Unmarshal(data, &s)
	return s, err
}

// EvictedMessage echoes the block indices removed by a cursor move.
type EvictedMessage struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
}

// ErrorEnvelope reports a document-level failure (unknown document,
// invalid model). It is distinct from a per-block error status.
type ErrorEnvelope struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
