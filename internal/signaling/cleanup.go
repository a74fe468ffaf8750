package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const cleanupAttempts = 3

// Cleanup runs the disconnect teardown with retries: close everything the
// socket owns, clean the mirror, verify, and if the mirror is still dirty try
// again with a growing pause. A mirror left dirty after the final attempt is
// logged and abandoned to the TTLs.
func (s *Session) Cleanup(ctx context.Context) {
	if s.state == StateClosed {
		return
	}
	roomID := s.roomID
	socketID := s.out.SocketID()
	wasJoined := s.state == StateJoined || s.state == StateOperational || s.state == StateLeaving
	s.state = StateClosed

	var closed []producerSnapshot
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		if attempt > 1 {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CleanupRetries.Inc()
			}
			select {
			case <-time.After(time.Duration(attempt-1) * time.Second):
			case <-ctx.Done():
				return
			}
		}

		for _, info := range s.teardownMedia(ctx) {
			closed = append(closed, producerSnapshot{info.ProducerID, info.UserID, string(info.Source)})
		}
		if err := s.deps.Mirror.CleanSocket(ctx, socketID); err != nil {
			s.deps.Logger.Warn("mirror cleanup failed",
				zap.String("socket_id", socketID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		dirty, err := s.deps.Mirror.SocketDirty(ctx, socketID)
		if err != nil {
			s.deps.Logger.Warn("mirror verify failed",
				zap.String("socket_id", socketID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !dirty {
			break
		}
		if attempt == cleanupAttempts {
			// One extra mirror-only pass before giving up.
			if err := s.deps.Mirror.CleanSocket(ctx, socketID); err == nil {
				if stillDirty, _ := s.deps.Mirror.SocketDirty(ctx, socketID); !stillDirty {
					break
				}
			}
			s.deps.Logger.Error("mirror still dirty after cleanup, leaving to TTL expiry",
				zap.String("socket_id", socketID))
		}
	}

	if wasJoined && roomID != "" {
		for _, p := range closed {
			event := EmitProducerClosed
			if p.source == "screen" {
				event = EmitScreenShareStopped
			}
			s.deps.Hub.Broadcast(ctx, roomID, event, map[string]string{
				"producerId": p.producerID,
				"userId":     p.userID,
			}, socketID)
		}
		s.deps.Hub.Broadcast(ctx, roomID, EmitUserLeft, map[string]string{
			"userId":   s.userID,
			"socketId": socketID,
		}, socketID)
		s.deps.Hub.Leave(roomID, socketID)
		if err := s.deps.Rooms.Leave(ctx, roomID, s.userID); err != nil {
			s.deps.Logger.Warn("participant row update on disconnect failed",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

type producerSnapshot struct {
	producerID string
	userID     string
	source     string
}
