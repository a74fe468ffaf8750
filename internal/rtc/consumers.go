package rtc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
)

type consumerEntry struct {
	consumer   media.Consumer
	socketID   string
	producerID string
}

// ConsumerRegistry owns the consumers created on this node. A consumer dies
// with its transport or its producer; the SFU primitive does not cascade on
// producer close, so the registry closes it explicitly.
type ConsumerRegistry struct {
	mirror   *Mirror
	serverID string
	logger   *zap.Logger

	mu        sync.Mutex
	consumers map[string]*consumerEntry
	bySocket  map[string]map[string]struct{}
}

// NewConsumerRegistry creates the consumer table.
func NewConsumerRegistry(mirror *Mirror, serverID string, logger *zap.Logger) *ConsumerRegistry {
	return &ConsumerRegistry{
		mirror:    mirror,
		serverID:  serverID,
		logger:    logger,
		consumers: make(map[string]*consumerEntry),
		bySocket:  make(map[string]map[string]struct{}),
	}
}

// Add stores the consumer, mirrors it, and arms the removal hooks.
func (r *ConsumerRegistry) Add(ctx context.Context, socketID string, consumer media.Consumer, producerID string) {
	id := consumer.ID()
	r.mu.Lock()
	r.consumers[id] = &consumerEntry{
		consumer:   consumer,
		socketID:   socketID,
		producerID: producerID,
	}
	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[string]struct{})
	}
	r.bySocket[socketID][id] = struct{}{}
	r.mu.Unlock()

	consumer.OnTransportClose(func() {
		r.remove(context.Background(), id, false)
	})
	consumer.OnProducerClose(func() {
		// Close explicitly: the worker keeps orphan consumers alive.
		r.remove(context.Background(), id, true)
	})

	r.mirror.SetConsumer(ctx, id, ConsumerMeta{
		SocketID:   socketID,
		ProducerID: producerID,
		Kind:       consumer.Kind(),
		ServerID:   r.serverID,
	})
}

// Get returns a local consumer by id.
func (r *ConsumerRegistry) Get(consumerID string) (media.Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.consumers[consumerID]
	if !ok {
		return nil, false
	}
	return e.consumer, true
}

func (r *ConsumerRegistry) remove(ctx context.Context, consumerID string, closeConsumer bool) {
	r.mu.Lock()
	e, ok := r.consumers[consumerID]
	delete(r.consumers, consumerID)
	if ok {
		if set := r.bySocket[e.socketID]; set != nil {
			delete(set, consumerID)
			if len(set) == 0 {
				delete(r.bySocket, e.socketID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.consumer.OnTransportClose(nil)
	e.consumer.OnProducerClose(nil)
	if closeConsumer {
		if err := e.consumer.Close(ctx); err != nil {
			r.logger.Warn("consumer close failed",
				zap.String("consumer_id", consumerID), zap.Error(err))
		}
	}
	r.mirror.DeleteConsumer(ctx, consumerID, e.socketID)
}

// Close closes one consumer and cleans its mirror entry.
func (r *ConsumerRegistry) Close(ctx context.Context, consumerID string) {
	r.remove(ctx, consumerID, true)
}

// CloseAll closes every consumer belonging to the socket, cleaning the
// mirror in the same pass.
func (r *ConsumerRegistry) CloseAll(ctx context.Context, socketID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.bySocket[socketID]))
	for id := range r.bySocket[socketID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.remove(ctx, id, true)
	}
}

// Count returns the number of local consumers.
func (r *ConsumerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}
