// Package signaling is the per-connection control plane: a WebSocket channel
// with acknowledged requests, a room fan-out hub bridged over the shared
// store, and a session state machine that owns every media resource the
// connection creates.
package signaling

import "encoding/json"

// Message is the wire envelope. Client requests carry a positive ID; the
// server acks with the same ID and event "ack". Server emissions carry no ID.
type Message struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventJoinRoom         = "joinRoom"
	EventLeaveRoom        = "leaveRoom"
	EventCreateTransport  = "createTransport"
	EventConnectTransport = "connectTransport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventCloseProducer    = "closeProducer"
	EventPauseProducer    = "pauseProducer"
	EventResumeProducer   = "resumeProducer"
	EventReplaceTrack     = "replaceTrack"
	EventChatSend         = "chat:send"
	EventChatHistory      = "chat:history"
	EventAudioMute        = "audio-mute"
	EventVideoMute        = "video-mute"
)

// Server -> client emissions.
const (
	EmitAck                = "ack"
	EmitUserJoined         = "user-joined"
	EmitUserLeft           = "user-left"
	EmitNewProducer        = "new-producer"
	EmitProducerClosed     = "producer-closed"
	EmitProducerPaused     = "producer-paused"
	EmitProducerResumed    = "producer-resumed"
	EmitTrackReplaced      = "producer-track-replaced"
	EmitScreenShareStarted = "screen-share-started"
	EmitScreenShareStopped = "screen-share-stopped"
	EmitChatMessage        = "chat:message"
	EmitAudioMuted         = "audio-muted"
	EmitVideoMuted         = "video-muted"
)

// ackError is the ack body for a failed request.
type ackError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// marshal serializes v, falling back to null on error; payloads here are
// built from our own types and cannot legitimately fail.
func marshal(v interface{}) json.RawMessage {
	body, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return body
}
