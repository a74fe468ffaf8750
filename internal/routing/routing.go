// Package routing assigns rooms to servers and tracks server liveness via
// heartbeats in the shared store. Assignment uses highest-random-weight
// hashing over the healthy server list so a membership change only re-maps
// the rooms that move to the joining or leaving node.
package routing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/redisstore"
)

const (
	// HeartbeatPeriod is how often a node refreshes its status key.
	HeartbeatPeriod = 30 * time.Second
	// HeartbeatTTL is the healthy window: a server whose last heartbeat is
	// older than this is treated as dead even if its key still exists.
	HeartbeatTTL = 60 * time.Second

	// Status keys outlive one missed beat so a slow scheduler tick does not
	// flap the healthy set.
	statusKeyTTL  = 90 * time.Second
	assignmentTTL = 24 * time.Hour
)

// ServerStatus is the heartbeat payload each node writes for itself.
type ServerStatus struct {
	ID              string `json:"id"`
	LastHeartbeatMs int64  `json:"lastHeartbeatMs"`
	APIPort         int    `json:"apiPort"`
	SignalingPort   int    `json:"signalingPort"`
}

// Service is the per-node routing agent. It writes this node's heartbeat and
// answers room-to-server assignment queries for the whole cluster.
type Service struct {
	store  *redisstore.Client
	self   ServerStatus
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewService creates the routing agent for this node.
func NewService(store *redisstore.Client, serverID string, apiPort, signalingPort int, logger *zap.Logger) *Service {
	return &Service{
		store: store,
		self: ServerStatus{
			ID:            serverID,
			APIPort:       apiPort,
			SignalingPort: signalingPort,
		},
		logger: logger,
		now:    time.Now,
	}
}

// ServerID returns this node's instance id.
func (s *Service) ServerID() string { return s.self.ID }

// Start writes the first heartbeat immediately and keeps refreshing it until
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	s.Beat(ctx)
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(HeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Beat(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the heartbeat loop and deletes this node's status key so peers
// see the departure without waiting for the TTL. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	if err := s.store.Delete(ctx, redisstore.ServerStatusKey(s.self.ID)); err != nil {
		s.logger.Warn("heartbeat deregister failed", zap.Error(err))
	}
}

// Beat writes this node's status key. A failed write is logged and tolerated;
// the node keeps treating itself as healthy.
func (s *Service) Beat(ctx context.Context) {
	status := s.self
	status.LastHeartbeatMs = s.now().UnixMilli()
	body, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("heartbeat marshal", zap.Error(err))
		return
	}
	if err := s.store.SetWithTTL(ctx, redisstore.ServerStatusKey(status.ID), body, statusKeyTTL); err != nil {
		s.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

// ListHealthy scans every server status key and returns the servers whose
// last heartbeat falls inside the healthy window, sorted ascending by id so
// the hash input is order-independent. This node is always included: its own
// write may have transiently failed, but the process is demonstrably alive.
func (s *Service) ListHealthy(ctx context.Context) ([]ServerStatus, error) {
	keys, err := s.store.Keys(ctx, redisstore.ServerStatusPattern)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-HeartbeatTTL).UnixMilli()
	healthy := make([]ServerStatus, 0, len(keys))
	seenSelf := false
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if redisstore.IsNil(err) {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		var status ServerStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			s.logger.Warn("bad server status payload", zap.String("key", key), zap.Error(err))
			continue
		}
		if status.LastHeartbeatMs < cutoff {
			continue
		}
		if status.ID == s.self.ID {
			seenSelf = true
		}
		healthy = append(healthy, status)
	}
	if !seenSelf {
		self := s.self
		self.LastHeartbeatMs = s.now().UnixMilli()
		healthy = append(healthy, self)
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy, nil
}

// IsHealthy reports whether a server's heartbeat is inside the healthy
// window. This node is always healthy to itself.
func (s *Service) IsHealthy(ctx context.Context, serverID string) (bool, error) {
	if serverID == s.self.ID {
		return true, nil
	}
	raw, err := s.store.Get(ctx, redisstore.ServerStatusKey(serverID))
	if err != nil {
		if redisstore.IsNil(err) {
			return false, nil
		}
		return false, err
	}
	var status ServerStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return false, nil
	}
	return status.LastHeartbeatMs >= s.now().Add(-HeartbeatTTL).UnixMilli(), nil
}

// GetOrAssign resolves the server owning a room, creating the assignment if
// absent or if the current owner is dead. Under shared-store failure it falls
// back to this node: serving locally beats rejecting the join.
func (s *Service) GetOrAssign(ctx context.Context, roomID string) (string, error) {
	raw, err := s.store.Get(ctx, redisstore.RoomAssignmentKey(roomID))
	switch {
	case err == nil:
		owner := raw
		healthy, herr := s.IsHealthy(ctx, owner)
		if herr != nil {
			s.logger.Warn("owner health check failed, serving locally",
				zap.String("room_id", roomID), zap.Error(herr))
			return s.self.ID, nil
		}
		if healthy {
			return owner, nil
		}
		// Dead owner: drop the stale mapping and reassign below.
		_ = s.store.Delete(ctx, redisstore.RoomAssignmentKey(roomID))
		_ = s.store.SRem(ctx, redisstore.ServerRoomsKey(owner), roomID)
	case redisstore.IsNil(err):
		// Unassigned; fall through.
	default:
		s.logger.Warn("assignment read failed, serving locally",
			zap.String("room_id", roomID), zap.Error(err))
		return s.self.ID, nil
	}

	healthy, err := s.ListHealthy(ctx)
	if err != nil || len(healthy) == 0 {
		s.logger.Warn("healthy server list unavailable, serving locally",
			zap.String("room_id", roomID), zap.Error(err))
		return s.self.ID, nil
	}

	owner := pickServer(roomID, healthy)
	if err := s.writeAssignment(ctx, roomID, owner); err != nil {
		s.logger.Warn("assignment write failed, serving locally",
			zap.String("room_id", roomID), zap.Error(err))
		return s.self.ID, nil
	}
	s.logger.Info("room assigned",
		zap.String("room_id", roomID), zap.String("server_id", owner))
	return owner, nil
}

// ShouldHandle reports whether this node should host the room. An unassigned
// room or one assigned to self is a yes. A room owned by a dead server is
// taken over: the mapping is rewritten to this node.
func (s *Service) ShouldHandle(ctx context.Context, roomID string) (bool, error) {
	raw, err := s.store.Get(ctx, redisstore.RoomAssignmentKey(roomID))
	if err != nil {
		if redisstore.IsNil(err) {
			return true, nil
		}
		s.logger.Warn("assignment read failed, handling locally",
			zap.String("room_id", roomID), zap.Error(err))
		return true, nil
	}
	owner := raw
	if owner == s.self.ID {
		return true, nil
	}

	healthy, err := s.IsHealthy(ctx, owner)
	if err != nil {
		s.logger.Warn("owner health check failed, handling locally",
			zap.String("room_id", roomID), zap.Error(err))
		return true, nil
	}
	if healthy {
		return false, nil
	}

	// Takeover: the owner is dead, claim the room.
	_ = s.store.SRem(ctx, redisstore.ServerRoomsKey(owner), roomID)
	if err := s.writeAssignment(ctx, roomID, s.self.ID); err != nil {
		s.logger.Warn("takeover write failed, handling locally anyway",
			zap.String("room_id", roomID), zap.Error(err))
		return true, nil
	}
	s.logger.Info("room taken over from dead server",
		zap.String("room_id", roomID), zap.String("previous_owner", owner))
	return true, nil
}

// ReleaseRoom drops the room's assignment, used when the room closes.
func (s *Service) ReleaseRoom(ctx context.Context, roomID string) {
	raw, err := s.store.Get(ctx, redisstore.RoomAssignmentKey(roomID))
	if err == nil {
		_ = s.store.SRem(ctx, redisstore.ServerRoomsKey(raw), roomID)
	}
	_ = s.store.Delete(ctx, redisstore.RoomAssignmentKey(roomID))
}

// RoomCount returns the number of rooms currently indexed to this node.
func (s *Service) RoomCount(ctx context.Context) (int64, error) {
	return s.store.SCard(ctx, redisstore.ServerRoomsKey(s.self.ID))
}

func (s *Service) writeAssignment(ctx context.Context, roomID, serverID string) error {
	if err := s.store.SetWithTTL(ctx, redisstore.RoomAssignmentKey(roomID), serverID, assignmentTTL); err != nil {
		return err
	}
	_ = s.store.SAdd(ctx, redisstore.ServerRoomsKey(serverID), roomID)
	return nil
}

// pickServer maps a room onto the healthy list with highest-random-weight
// hashing: each server scores sha256(server|room) and the highest score wins,
// so adding a server only re-maps the rooms that move to it.
func pickServer(roomID string, healthy []ServerStatus) string {
	best := ""
	var bestWeight uint64
	for _, server := range healthy {
		sum := sha256.Sum256([]byte(server.ID + "|" + roomID))
		weight := binary.BigEndian.Uint64(sum[:8])
		if best == "" || weight > bestWeight {
			best, bestWeight = server.ID, weight
		}
	}
	return best
}
