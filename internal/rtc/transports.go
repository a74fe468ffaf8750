package rtc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
)

// TransportOptions carries the listen/announce configuration applied to
// every WebRTC transport this node creates.
type TransportOptions struct {
	ListenIP           string
	AnnouncedIP        string
	InitialBitrate     int
	MaxIncomingBitrate int
}

type transportEntry struct {
	transport  media.Transport
	socketID   string
	roomID     string
	isProducer bool
}

// TransportRegistry owns the WebRTC transports created on this node. Each
// transport belongs to exactly one socket; DTLS close tears it down.
type TransportRegistry struct {
	mirror   *Mirror
	opts     TransportOptions
	serverID string
	logger   *zap.Logger

	mu         sync.Mutex
	transports map[string]*transportEntry
	bySocket   map[string]map[string]struct{}
}

// NewTransportRegistry creates the transport table.
func NewTransportRegistry(mirror *Mirror, opts TransportOptions, serverID string, logger *zap.Logger) *TransportRegistry {
	return &TransportRegistry{
		mirror:     mirror,
		opts:       opts,
		serverID:   serverID,
		logger:     logger,
		transports: make(map[string]*transportEntry),
		bySocket:   make(map[string]map[string]struct{}),
	}
}

// Create makes a WebRTC transport on the router for the socket and mirrors
// ownership. A DTLS transition to "closed" removes listeners and closes the
// transport.
func (r *TransportRegistry) Create(ctx context.Context, router media.Router, socketID, roomID string, isProducer bool) (media.Transport, error) {
	transport, err := router.CreateWebRTCTransport(ctx, media.WebRTCTransportOptions{
		ListenIP:           r.opts.ListenIP,
		AnnouncedIP:        media.AnnouncedIP(r.opts.AnnouncedIP),
		InitialBitrate:     r.opts.InitialBitrate,
		MaxIncomingBitrate: r.opts.MaxIncomingBitrate,
	})
	if err != nil {
		return nil, err
	}

	id := transport.ID()
	r.mu.Lock()
	r.transports[id] = &transportEntry{
		transport:  transport,
		socketID:   socketID,
		roomID:     roomID,
		isProducer: isProducer,
	}
	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[string]struct{})
	}
	r.bySocket[socketID][id] = struct{}{}
	r.mu.Unlock()

	transport.OnICEStateChange(func(state string) {
		r.logger.Debug("transport ice state",
			zap.String("transport_id", id), zap.String("state", state))
	})
	transport.OnDTLSStateChange(func(state string) {
		if state == "closed" {
			r.logger.Info("transport dtls closed", zap.String("transport_id", id))
			r.Close(context.Background(), id)
		}
	})

	r.mirror.SetTransport(ctx, id, TransportMeta{
		SocketID:   socketID,
		RoomID:     roomID,
		IsProducer: isProducer,
		ServerID:   r.serverID,
	})
	return transport, nil
}

// Get returns a transport by id if it lives on this node.
func (r *TransportRegistry) Get(transportID string) (media.Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.transports[transportID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// Owner returns the socket owning a transport.
func (r *TransportRegistry) Owner(transportID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.transports[transportID]
	if !ok {
		return "", false
	}
	return e.socketID, true
}

// Close removes listeners, closes the transport and cleans the mirror.
func (r *TransportRegistry) Close(ctx context.Context, transportID string) {
	r.mu.Lock()
	e, ok := r.transports[transportID]
	delete(r.transports, transportID)
	if ok {
		if set := r.bySocket[e.socketID]; set != nil {
			delete(set, transportID)
			if len(set) == 0 {
				delete(r.bySocket, e.socketID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.transport.OnICEStateChange(nil)
	e.transport.OnDTLSStateChange(nil)
	if err := e.transport.Close(ctx); err != nil {
		r.logger.Warn("transport close failed",
			zap.String("transport_id", transportID), zap.Error(err))
	}
	r.mirror.DeleteTransport(ctx, transportID, e.socketID)
}

// CloseAll closes every transport the socket owns. The mirror index is the
// source of truth so entries that do not exist locally (takeover windows)
// are still cleaned.
func (r *TransportRegistry) CloseAll(ctx context.Context, socketID string) {
	ids, err := r.mirror.SocketTransports(ctx, socketID)
	if err != nil {
		r.logger.Warn("transport mirror read failed, falling back to local index",
			zap.String("socket_id", socketID), zap.Error(err))
		ids = nil
	}

	r.mu.Lock()
	local := make([]string, 0, len(r.bySocket[socketID]))
	for id := range r.bySocket[socketID] {
		local = append(local, id)
	}
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(ids)+len(local))
	for _, id := range append(ids, local...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.Get(id); ok {
			r.Close(ctx, id)
		} else {
			r.mirror.DeleteTransport(ctx, id, socketID)
		}
	}
}

// Count returns the number of local transports.
func (r *TransportRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}
