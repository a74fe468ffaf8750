package signaling

import (
	"context"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/cluster"
	"github.com/aura-connect/backend/internal/media"
)

// Coordinator applies producer control commands delegated from other nodes.
// It is the cluster-bus handler for this node.
type Coordinator struct {
	deps *Deps
}

// NewCoordinator creates the delegated-command applier.
func NewCoordinator(deps *Deps) *Coordinator {
	return &Coordinator{deps: deps}
}

// HandleClusterCommand applies a close/pause/resume originating on a peer to
// the local producer, then notifies the room. Idempotent: a producer already
// gone is a no-op.
func (co *Coordinator) HandleClusterCommand(ctx context.Context, cmd cluster.Command) {
	producer, info, ok := co.deps.Producers.Get(cmd.ProducerID)
	if !ok {
		co.deps.Logger.Debug("delegated command for unknown producer",
			zap.String("op", cmd.Op), zap.String("producer_id", cmd.ProducerID))
		return
	}

	switch cmd.Op {
	case cluster.OpCloseProducer:
		co.deps.Producers.Close(ctx, info.SocketID, info.ProducerID)
		event := EmitProducerClosed
		if info.Source == media.SourceScreen {
			event = EmitScreenShareStopped
		}
		co.deps.Hub.Broadcast(ctx, info.RoomID, event, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, "")
		if co.deps.Recorder != nil {
			co.deps.Recorder.ProducerRemoved(info.RoomID, info.ProducerID)
		}
	case cluster.OpPauseProducer:
		if err := producer.Pause(ctx); err != nil {
			co.deps.Logger.Warn("delegated pause failed",
				zap.String("producer_id", cmd.ProducerID), zap.Error(err))
			return
		}
		co.deps.Hub.Broadcast(ctx, info.RoomID, EmitProducerPaused, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, "")
	case cluster.OpResumeProducer:
		if err := producer.Resume(ctx); err != nil {
			co.deps.Logger.Warn("delegated resume failed",
				zap.String("producer_id", cmd.ProducerID), zap.Error(err))
			return
		}
		co.deps.Hub.Broadcast(ctx, info.RoomID, EmitProducerResumed, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, "")
	default:
		co.deps.Logger.Warn("unknown delegated op", zap.String("op", cmd.Op))
	}
}
