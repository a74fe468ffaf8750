// Package rtc owns the per-node registries for routers, transports,
// producers and consumers, and keeps their cross-node mirror in the shared
// store. Authoritative state lives here; the mirror exists for discovery and
// for cleanup after partial failures.
package rtc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/pkg/redisstore"
)

const (
	stateTTL  = time.Hour
	routerTTL = 24 * time.Hour
)

// RouterMeta is the mirror entry for a room's router.
type RouterMeta struct {
	RouterID string `json:"routerId"`
	ServerID string `json:"serverId"`
}

// TransportMeta is the mirror entry for a WebRTC transport.
type TransportMeta struct {
	SocketID   string `json:"socketId"`
	RoomID     string `json:"roomId"`
	IsProducer bool   `json:"isProducer"`
	ServerID   string `json:"serverId"`
}

// ProducerMeta is the mirror entry for a producer.
type ProducerMeta struct {
	SocketID string       `json:"socketId"`
	RoomID   string       `json:"roomId"`
	UserID   string       `json:"userId"`
	Kind     media.Kind   `json:"kind"`
	Source   media.Source `json:"source"`
	ServerID string       `json:"serverId"`
}

// ConsumerMeta is the mirror entry for a consumer.
type ConsumerMeta struct {
	SocketID   string     `json:"socketId"`
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind"`
	ServerID   string     `json:"serverId"`
}

// Mirror wraps the shared store with the key schema for media entities.
// Every write is best-effort: a failed mirror write degrades visibility, not
// correctness, and TTLs reclaim anything cleanup misses.
type Mirror struct {
	store  *redisstore.Client
	logger *zap.Logger
}

// NewMirror creates the mirror layer.
func NewMirror(store *redisstore.Client, logger *zap.Logger) *Mirror {
	return &Mirror{store: store, logger: logger}
}

func (m *Mirror) set(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	body, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("mirror marshal", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.store.SetWithTTL(ctx, key, body, ttl); err != nil && !redisstore.IsUnavailable(err) {
		m.logger.Warn("mirror write failed", zap.String("key", key), zap.Error(err))
	}
}

// SetRouter mirrors room -> (router, server).
func (m *Mirror) SetRouter(ctx context.Context, roomID string, meta RouterMeta) {
	m.set(ctx, redisstore.RouterKey(roomID), meta, routerTTL)
}

// DeleteRouter removes the router mirror entry.
func (m *Mirror) DeleteRouter(ctx context.Context, roomID string) {
	_ = m.store.Delete(ctx, redisstore.RouterKey(roomID))
}

// GetRouter returns the mirror entry for a room's router, or nil.
func (m *Mirror) GetRouter(ctx context.Context, roomID string) (*RouterMeta, error) {
	raw, err := m.store.Get(ctx, redisstore.RouterKey(roomID))
	if err != nil {
		if redisstore.IsNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta RouterMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SetTransport mirrors a transport and indexes it by socket.
func (m *Mirror) SetTransport(ctx context.Context, transportID string, meta TransportMeta) {
	m.set(ctx, redisstore.TransportKey(transportID), meta, stateTTL)
	_ = m.store.SAdd(ctx, redisstore.SocketTransportsKey(meta.SocketID), transportID)
}

// DeleteTransport removes a transport mirror entry and its socket index.
func (m *Mirror) DeleteTransport(ctx context.Context, transportID, socketID string) {
	_ = m.store.Delete(ctx, redisstore.TransportKey(transportID))
	if socketID != "" {
		_ = m.store.SRem(ctx, redisstore.SocketTransportsKey(socketID), transportID)
	}
}

// SetProducer mirrors a producer and indexes it by socket and room.
func (m *Mirror) SetProducer(ctx context.Context, producerID string, meta ProducerMeta) {
	m.set(ctx, redisstore.ProducerKey(producerID), meta, stateTTL)
	_ = m.store.SAdd(ctx, redisstore.SocketProducersKey(meta.SocketID), producerID)
	_ = m.store.SAdd(ctx, redisstore.RoomProducersKey(meta.RoomID), producerID)
}

// GetProducer returns the mirror entry for a producer, or nil.
func (m *Mirror) GetProducer(ctx context.Context, producerID string) (*ProducerMeta, error) {
	raw, err := m.store.Get(ctx, redisstore.ProducerKey(producerID))
	if err != nil {
		if redisstore.IsNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta ProducerMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DeleteProducer removes a producer mirror entry and its indexes.
func (m *Mirror) DeleteProducer(ctx context.Context, producerID, socketID, roomID string) {
	_ = m.store.Delete(ctx, redisstore.ProducerKey(producerID))
	if socketID != "" {
		_ = m.store.SRem(ctx, redisstore.SocketProducersKey(socketID), producerID)
	}
	if roomID != "" {
		_ = m.store.SRem(ctx, redisstore.RoomProducersKey(roomID), producerID)
	}
}

// SetConsumer mirrors a consumer and indexes it by socket.
func (m *Mirror) SetConsumer(ctx context.Context, consumerID string, meta ConsumerMeta) {
	m.set(ctx, redisstore.ConsumerKey(consumerID), meta, stateTTL)
	_ = m.store.SAdd(ctx, redisstore.SocketConsumersKey(meta.SocketID), consumerID)
}

// DeleteConsumer removes a consumer mirror entry and its socket index.
func (m *Mirror) DeleteConsumer(ctx context.Context, consumerID, socketID string) {
	_ = m.store.Delete(ctx, redisstore.ConsumerKey(consumerID))
	if socketID != "" {
		_ = m.store.SRem(ctx, redisstore.SocketConsumersKey(socketID), consumerID)
	}
}

// SocketTransports returns the mirrored transport ids for a socket.
func (m *Mirror) SocketTransports(ctx context.Context, socketID string) ([]string, error) {
	return m.store.SMembers(ctx, redisstore.SocketTransportsKey(socketID))
}

// SocketProducers returns the mirrored producer ids for a socket.
func (m *Mirror) SocketProducers(ctx context.Context, socketID string) ([]string, error) {
	return m.store.SMembers(ctx, redisstore.SocketProducersKey(socketID))
}

// SocketConsumers returns the mirrored consumer ids for a socket.
func (m *Mirror) SocketConsumers(ctx context.Context, socketID string) ([]string, error) {
	return m.store.SMembers(ctx, redisstore.SocketConsumersKey(socketID))
}

// CleanSocket removes every mirror entry owned by the socket: entities, their
// index memberships and the per-socket sets themselves. Entities unknown to
// this node are cleaned too, covering takeover windows.
func (m *Mirror) CleanSocket(ctx context.Context, socketID string) error {
	producers, err := m.SocketProducers(ctx, socketID)
	if err != nil && !redisstore.IsNil(err) {
		return err
	}
	for _, id := range producers {
		meta, _ := m.GetProducer(ctx, id)
		roomID := ""
		if meta != nil {
			roomID = meta.RoomID
		}
		m.DeleteProducer(ctx, id, socketID, roomID)
	}

	consumers, _ := m.SocketConsumers(ctx, socketID)
	for _, id := range consumers {
		m.DeleteConsumer(ctx, id, socketID)
	}

	transports, _ := m.SocketTransports(ctx, socketID)
	for _, id := range transports {
		m.DeleteTransport(ctx, id, socketID)
	}

	return m.store.Delete(ctx,
		redisstore.SocketProducersKey(socketID),
		redisstore.SocketConsumersKey(socketID),
		redisstore.SocketTransportsKey(socketID),
	)
}

// SocketDirty reports whether any per-socket mirror set still has entries.
func (m *Mirror) SocketDirty(ctx context.Context, socketID string) (bool, error) {
	for _, key := range []string{
		redisstore.SocketProducersKey(socketID),
		redisstore.SocketConsumersKey(socketID),
		redisstore.SocketTransportsKey(socketID),
	} {
		n, err := m.store.SCard(ctx, key)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
