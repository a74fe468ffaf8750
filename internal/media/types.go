// Package media manages the pool of native SFU worker processes and exposes
// the capability set the signaling layer depends on: create router, create
// transport, connect, produce, consume, pause/resume, close.
//
// RTP and DTLS parameter blobs are carried as opaque JSON: the worker is the
// only component that interprets them, the signaling layer just relays.
package media

import (
	"context"
	"encoding/json"
)

// Kind is the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source describes where a producer's track comes from. Inferred from the
// producer's app data, with microphone/camera fallbacks by kind.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
	SourceData       Source = "data"
	SourceUnknown    Source = "unknown"
)

// InferSource maps a producer's app data to a source, defaulting by kind.
func InferSource(kind Kind, appData AppData) Source {
	if appData != nil {
		if s, ok := appData["source"].(string); ok {
			switch Source(s) {
			case SourceMicrophone, SourceCamera, SourceScreen, SourceData:
				return Source(s)
			}
		}
	}
	if kind == KindAudio {
		return SourceMicrophone
	}
	if kind == KindVideo {
		return SourceCamera
	}
	return SourceUnknown
}

// Opaque parameter blobs, passed through to the worker untouched.
type (
	RTPCapabilities = json.RawMessage
	RTPParameters   = json.RawMessage
	DTLSParameters  = json.RawMessage
	ICEParameters   = json.RawMessage
	ICECandidates   = json.RawMessage
)

// AppData is client-supplied metadata attached to producers.
type AppData map[string]interface{}

// WebRTCTransportOptions configures a WebRTC transport on a router.
type WebRTCTransportOptions struct {
	ListenIP           string `json:"listenIp"`
	AnnouncedIP        string `json:"announcedIp,omitempty"`
	InitialBitrate     int    `json:"initialAvailableOutgoingBitrate,omitempty"`
	MaxIncomingBitrate int    `json:"maxIncomingBitrate,omitempty"`
}

// PlainTransportOptions configures a plain RTP transport used for recording
// ingestion.
type PlainTransportOptions struct {
	ListenIP string `json:"listenIp"`
	RTCPMux  bool   `json:"rtcpMux"`
	Comedia  bool   `json:"comedia"`
}

// Worker is one media worker process.
type Worker interface {
	// Index is the slot in the pool.
	Index() int
	// PID is the worker process id.
	PID() int
	// Alive reports whether the process is still running.
	Alive() bool
	// CreateRouter creates a router seeded with the boot codec table.
	CreateRouter(ctx context.Context) (Router, error)
	// Died is closed when the worker process exits.
	Died() <-chan struct{}
	// Close terminates the worker process.
	Close()
}

// Router is a per-room routing node inside a worker.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateWebRTCTransport(ctx context.Context, opts WebRTCTransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	// CanConsume reports whether a client with the given capabilities can
	// consume the producer.
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close(ctx context.Context) error
}

// Transport is a WebRTC transport on a router.
type Transport interface {
	ID() string
	ICEParameters() ICEParameters
	ICECandidates() ICECandidates
	DTLSParameters() DTLSParameters
	Connect(ctx context.Context, dtls DTLSParameters) error
	Produce(ctx context.Context, kind Kind, rtp RTPParameters, appData AppData) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RTPCapabilities, paused bool) (Consumer, error)
	// OnICEStateChange and OnDTLSStateChange register state listeners.
	// Registering replaces the previous listener; nil unregisters.
	OnICEStateChange(fn func(state string))
	OnDTLSStateChange(fn func(state string))
	Close(ctx context.Context) error
}

// PlainTransport terminates unencrypted RTP on a known port.
type PlainTransport interface {
	ID() string
	// Tuple returns the local ip/port the worker listens on.
	Tuple() (ip string, port int)
	Connect(ctx context.Context, ip string, port int) error
	Consume(ctx context.Context, producerID string, caps RTPCapabilities, paused bool) (Consumer, error)
	Close(ctx context.Context) error
}

// Producer is a published track.
type Producer interface {
	ID() string
	Kind() Kind
	AppData() AppData
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// OnTransportClose fires when the owning transport closes; nil unregisters.
	OnTransportClose(fn func())
	Close(ctx context.Context) error
}

// Consumer is a subscription to a producer. Closing the producer does not
// cascade in the worker; the registry closes the consumer explicitly on the
// producer-close event.
type Consumer interface {
	ID() string
	Kind() Kind
	ProducerID() string
	RTPParameters() RTPParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	OnProducerClose(fn func())
	Close(ctx context.Context) error
}
