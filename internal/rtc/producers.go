package rtc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
)

// ProducerInfo describes a local producer for room enumeration and peer
// notifications.
type ProducerInfo struct {
	ProducerID string       `json:"producerId"`
	SocketID   string       `json:"socketId"`
	RoomID     string       `json:"roomId"`
	UserID     string       `json:"userId"`
	Kind       media.Kind   `json:"kind"`
	Source     media.Source `json:"source"`
}

// ForeignProducer marks a producer that lives on another node; the caller
// must delegate control operations to the owning server.
type ForeignProducer struct {
	ProducerID string
	ServerID   string
	SocketID   string
	RoomID     string
}

type producerEntry struct {
	producer media.Producer
	info     ProducerInfo
}

// ProducerRegistry owns the producers created on this node.
type ProducerRegistry struct {
	mirror   *Mirror
	serverID string
	logger   *zap.Logger

	mu        sync.Mutex
	producers map[string]*producerEntry
	bySocket  map[string]map[string]struct{}
	byRoom    map[string]map[string]struct{}
}

// NewProducerRegistry creates the producer table.
func NewProducerRegistry(mirror *Mirror, serverID string, logger *zap.Logger) *ProducerRegistry {
	return &ProducerRegistry{
		mirror:    mirror,
		serverID:  serverID,
		logger:    logger,
		producers: make(map[string]*producerEntry),
		bySocket:  make(map[string]map[string]struct{}),
		byRoom:    make(map[string]map[string]struct{}),
	}
}

// Add stores the producer, mirrors it with its inferred source, and arms the
// transport-close hook that removes it.
func (r *ProducerRegistry) Add(ctx context.Context, socketID string, producer media.Producer, roomID, userID string) ProducerInfo {
	info := ProducerInfo{
		ProducerID: producer.ID(),
		SocketID:   socketID,
		RoomID:     roomID,
		UserID:     userID,
		Kind:       producer.Kind(),
		Source:     media.InferSource(producer.Kind(), producer.AppData()),
	}

	r.mu.Lock()
	r.producers[info.ProducerID] = &producerEntry{producer: producer, info: info}
	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[string]struct{})
	}
	r.bySocket[socketID][info.ProducerID] = struct{}{}
	if r.byRoom[roomID] == nil {
		r.byRoom[roomID] = make(map[string]struct{})
	}
	r.byRoom[roomID][info.ProducerID] = struct{}{}
	r.mu.Unlock()

	producer.OnTransportClose(func() {
		r.logger.Debug("producer transport closed", zap.String("producer_id", info.ProducerID))
		r.Close(context.Background(), socketID, info.ProducerID)
	})

	r.mirror.SetProducer(ctx, info.ProducerID, ProducerMeta{
		SocketID: socketID,
		RoomID:   roomID,
		UserID:   userID,
		Kind:     info.Kind,
		Source:   info.Source,
		ServerID: r.serverID,
	})
	return info
}

// Get returns a local producer entry.
func (r *ProducerRegistry) Get(producerID string) (media.Producer, *ProducerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.producers[producerID]
	if !ok {
		return nil, nil, false
	}
	info := e.info
	return e.producer, &info, true
}

// FindByID resolves a producer locally first, falling back to the mirror.
// A mirror-only hit returns a ForeignProducer so the caller can delegate.
func (r *ProducerRegistry) FindByID(ctx context.Context, producerID string) (media.Producer, *ProducerInfo, *ForeignProducer, error) {
	if p, info, ok := r.Get(producerID); ok {
		return p, info, nil, nil
	}
	meta, err := r.mirror.GetProducer(ctx, producerID)
	if err != nil || meta == nil {
		return nil, nil, nil, err
	}
	return nil, nil, &ForeignProducer{
		ProducerID: producerID,
		ServerID:   meta.ServerID,
		SocketID:   meta.SocketID,
		RoomID:     meta.RoomID,
	}, nil
}

// Close closes the producer locally if present and always cleans the mirror,
// which covers producers stranded on another node during a takeover window.
func (r *ProducerRegistry) Close(ctx context.Context, socketID, producerID string) {
	r.mu.Lock()
	e, ok := r.producers[producerID]
	delete(r.producers, producerID)
	roomID := ""
	if ok {
		roomID = e.info.RoomID
		if set := r.bySocket[e.info.SocketID]; set != nil {
			delete(set, producerID)
			if len(set) == 0 {
				delete(r.bySocket, e.info.SocketID)
			}
		}
		if set := r.byRoom[roomID]; set != nil {
			delete(set, producerID)
			if len(set) == 0 {
				delete(r.byRoom, roomID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		e.producer.OnTransportClose(nil)
		if err := e.producer.Close(ctx); err != nil {
			r.logger.Warn("producer close failed",
				zap.String("producer_id", producerID), zap.Error(err))
		}
	}
	r.mirror.DeleteProducer(ctx, producerID, socketID, roomID)
}

// CloseAll closes every local producer the socket owns and returns their
// infos so the caller can notify peers.
func (r *ProducerRegistry) CloseAll(ctx context.Context, socketID string) []ProducerInfo {
	r.mu.Lock()
	ids := make([]string, 0, len(r.bySocket[socketID]))
	for id := range r.bySocket[socketID] {
		ids = append(ids, id)
	}
	infos := make([]ProducerInfo, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.producers[id]; ok {
			infos = append(infos, e.info)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(ctx, socketID, id)
	}
	return infos
}

// InRoom returns the local producers for a room, excluding a socket (the
// joiner's own, normally empty at join time).
func (r *ProducerRegistry) InRoom(roomID, excludeSocketID string) []ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProducerInfo
	for id := range r.byRoom[roomID] {
		e, ok := r.producers[id]
		if !ok || e.info.SocketID == excludeSocketID {
			continue
		}
		out = append(out, e.info)
	}
	return out
}

// PauseByKind pauses every producer of the kind owned by the socket. Used by
// host-forced mute.
func (r *ProducerRegistry) PauseByKind(ctx context.Context, socketID string, kind media.Kind) []string {
	return r.eachByKind(ctx, socketID, kind, func(p media.Producer) error { return p.Pause(ctx) })
}

// ResumeByKind resumes every producer of the kind owned by the socket.
func (r *ProducerRegistry) ResumeByKind(ctx context.Context, socketID string, kind media.Kind) []string {
	return r.eachByKind(ctx, socketID, kind, func(p media.Producer) error { return p.Resume(ctx) })
}

func (r *ProducerRegistry) eachByKind(ctx context.Context, socketID string, kind media.Kind, op func(media.Producer) error) []string {
	r.mu.Lock()
	var targets []*producerEntry
	for id := range r.bySocket[socketID] {
		if e, ok := r.producers[id]; ok && e.info.Kind == kind {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	var affected []string
	for _, e := range targets {
		if err := op(e.producer); err != nil {
			r.logger.Warn("producer kind operation failed",
				zap.String("producer_id", e.info.ProducerID), zap.Error(err))
			continue
		}
		affected = append(affected, e.info.ProducerID)
	}
	return affected
}

// Count returns the number of local producers.
func (r *ProducerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers)
}
