package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/redisstore"
)

// Outbound is the send side of one connection. The hub and the session only
// queue; the write pump owns the wire.
type Outbound interface {
	SocketID() string
	UserID() string
	DisplayName() string
	Enqueue(msg Message)
}

// fanoutPayload crosses nodes on the room channel. Origin suppresses the
// loop-back copy; TargetUserID narrows delivery to one user's sockets.
type fanoutPayload struct {
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data"`
	Origin       string          `json:"origin"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	ExcludeSock  string          `json:"excludeSocket,omitempty"`
}

// Hub tracks which sockets sit in which room on this node and fans emissions
// out locally and across nodes via the shared store's pub/sub.
type Hub struct {
	store    *redisstore.Client
	serverID string
	logger   *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Outbound
	subs  map[string]func()
}

// NewHub creates the room fan-out hub.
func NewHub(store *redisstore.Client, serverID string, logger *zap.Logger) *Hub {
	return &Hub{
		store:    store,
		serverID: serverID,
		logger:   logger,
		rooms:    make(map[string]map[string]Outbound),
		subs:     make(map[string]func()),
	}
}

// Join adds a socket to a room. The first local member opens the cross-node
// subscription for the room.
func (h *Hub) Join(roomID string, out Outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]Outbound)
		if cancel, err := h.store.Subscribe(redisstore.RoomChannel(roomID), func(payload string) {
			h.deliverRemote(roomID, payload)
		}); err == nil {
			h.subs[roomID] = cancel
		} else {
			h.logger.Warn("room fan-out subscribe failed, local-only delivery",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}
	h.rooms[roomID][out.SocketID()] = out
}

// Leave removes a socket from a room; the last local member closes the
// cross-node subscription.
func (h *Hub) Leave(roomID, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		if cancel, ok := h.subs[roomID]; ok {
			cancel()
			delete(h.subs, roomID)
		}
	}
}

func (h *Hub) deliverRemote(roomID, payload string) {
	var p fanoutPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		h.logger.Warn("bad room fan-out payload", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if p.Origin == h.serverID {
		return // local copy already delivered
	}
	h.deliverLocal(roomID, p.Event, p.Data, p.ExcludeSock, p.TargetUserID)
}

func (h *Hub) deliverLocal(roomID, event string, data json.RawMessage, excludeSocket, targetUserID string) {
	h.mu.RLock()
	members := make([]Outbound, 0, len(h.rooms[roomID]))
	for _, out := range h.rooms[roomID] {
		members = append(members, out)
	}
	h.mu.RUnlock()

	msg := Message{Event: event, Data: data}
	for _, out := range members {
		if out.SocketID() == excludeSocket {
			continue
		}
		if targetUserID != "" && out.UserID() != targetUserID {
			continue
		}
		out.Enqueue(msg)
	}
}

// Broadcast emits to every socket in the room except excludeSocket, on this
// node and on peers.
func (h *Hub) Broadcast(ctx context.Context, roomID, event string, payload interface{}, excludeSocket string) {
	data := marshal(payload)
	h.deliverLocal(roomID, event, data, excludeSocket, "")
	h.publish(ctx, roomID, fanoutPayload{
		Event: event, Data: data, Origin: h.serverID, ExcludeSock: excludeSocket,
	})
}

// SendToUser emits to every socket of one user in the room, across nodes.
// Used for direct chat messages.
func (h *Hub) SendToUser(ctx context.Context, roomID, targetUserID, event string, payload interface{}) {
	data := marshal(payload)
	h.deliverLocal(roomID, event, data, "", targetUserID)
	h.publish(ctx, roomID, fanoutPayload{
		Event: event, Data: data, Origin: h.serverID, TargetUserID: targetUserID,
	})
}

func (h *Hub) publish(ctx context.Context, roomID string, p fanoutPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := h.store.Publish(ctx, redisstore.RoomChannel(roomID), body); err != nil && !redisstore.IsUnavailable(err) {
		h.logger.Warn("room fan-out publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Participants returns the local members of a room, excluding one socket.
type ParticipantInfo struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
}

// ParticipantsIn lists local room members, excluding the given socket.
func (h *Hub) ParticipantsIn(roomID, excludeSocket string) []ParticipantInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []ParticipantInfo
	for _, member := range h.rooms[roomID] {
		if member.SocketID() == excludeSocket {
			continue
		}
		out = append(out, ParticipantInfo{
			SocketID: member.SocketID(),
			UserID:   member.UserID(),
			Name:     member.DisplayName(),
		})
	}
	return out
}

// RoomSize returns the number of local members in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Close cancels every room subscription. Used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID, cancel := range h.subs {
		cancel()
		delete(h.subs, roomID)
	}
	h.rooms = make(map[string]map[string]Outbound)
}
