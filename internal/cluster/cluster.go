// Package cluster delegates producer control operations between nodes. A
// producer lives on exactly one node; when a session on another node needs to
// close, pause or resume it, the request travels over the owning node's
// pub/sub channel and is applied there.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/redisstore"
)

// Operations delegated across nodes.
const (
	OpCloseProducer  = "closeProducer"
	OpPauseProducer  = "pauseProducer"
	OpResumeProducer = "resumeProducer"
)

// Command is the payload carried on a node's cluster channel.
type Command struct {
	Op         string `json:"op"`
	ProducerID string `json:"producerId"`
	SocketID   string `json:"socketId"`
	RoomID     string `json:"roomId"`
	Origin     string `json:"origin"`
}

// Handler applies a delegated command on the node that owns the producer.
type Handler interface {
	HandleClusterCommand(ctx context.Context, cmd Command)
}

// Bus publishes commands to peers and listens for commands addressed to this
// node. Delivery is at-most-once; a missed message is reclaimed by the mirror
// TTLs and disconnect cleanup, so no retry layer sits on top.
type Bus struct {
	store    *redisstore.Client
	serverID string
	logger   *zap.Logger
	cancel   func()
}

// NewBus creates the delegation bus for this node.
func NewBus(store *redisstore.Client, serverID string, logger *zap.Logger) *Bus {
	return &Bus{store: store, serverID: serverID, logger: logger}
}

// Listen subscribes to this node's channel and dispatches inbound commands to
// the handler. Commands that originated here are ignored.
func (b *Bus) Listen(handler Handler) error {
	cancel, err := b.store.Subscribe(redisstore.ClusterChannel(b.serverID), func(payload string) {
		var cmd Command
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			b.logger.Warn("bad cluster command payload", zap.Error(err))
			return
		}
		if cmd.Origin == b.serverID {
			return
		}
		b.logger.Debug("cluster command received",
			zap.String("op", cmd.Op), zap.String("producer_id", cmd.ProducerID),
			zap.String("origin", cmd.Origin))
		handler.HandleClusterCommand(context.Background(), cmd)
	})
	if err != nil {
		return fmt.Errorf("cluster listen: %w", err)
	}
	b.cancel = cancel
	b.logger.Info("cluster bus listening", zap.String("server_id", b.serverID))
	return nil
}

// Delegate sends a command to the node that owns the producer.
func (b *Bus) Delegate(ctx context.Context, targetServerID string, cmd Command) error {
	cmd.Origin = b.serverID
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, redisstore.ClusterChannel(targetServerID), body); err != nil {
		return fmt.Errorf("delegate %s to %s: %w", cmd.Op, targetServerID, err)
	}
	return nil
}

// Close stops the subscription. Idempotent.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
