package redisstore

import "fmt"

// Key schema for the cross-node mirror and routing state. Everything the
// cluster shares lives under the "connect:" prefix so a single SCAN pattern
// can audit it.
const (
	routingPrefix = "connect:routing:"
	statePrefix   = "connect:state:"
)

// Routing keys.
func RoomAssignmentKey(roomID string) string { return routingPrefix + "room:" + roomID }
func ServerStatusKey(serverID string) string {
	return fmt.Sprintf("%sserver:%s:status", routingPrefix, serverID)
}
func ServerRoomsKey(serverID string) string {
	return fmt.Sprintf("%sserver:%s:rooms", routingPrefix, serverID)
}

// ServerStatusPattern matches every server heartbeat key.
const ServerStatusPattern = routingPrefix + "server:*:status"

// Mirror keys for media entities.
func ProducerKey(producerID string) string   { return statePrefix + "producer:" + producerID }
func ConsumerKey(consumerID string) string   { return statePrefix + "consumer:" + consumerID }
func TransportKey(transportID string) string { return statePrefix + "transport:" + transportID }
func RouterKey(roomID string) string         { return statePrefix + "router:" + roomID }

// Per-socket index sets.
func SocketProducersKey(socketID string) string {
	return fmt.Sprintf("%ssocket:%s:producers", statePrefix, socketID)
}
func SocketConsumersKey(socketID string) string {
	return fmt.Sprintf("%ssocket:%s:consumers", statePrefix, socketID)
}
func SocketTransportsKey(socketID string) string {
	return fmt.Sprintf("%ssocket:%s:transports", statePrefix, socketID)
}

// Per-room index sets and room-scoped state.
func RoomProducersKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:producers", statePrefix, roomID)
}
func RoomMuteKey(roomCode, userID string) string {
	return fmt.Sprintf("%sroom:%s:mute:%s", statePrefix, roomCode, userID)
}
func RoomControlKey(roomCode string) string {
	return fmt.Sprintf("%sroom:%s:control", statePrefix, roomCode)
}

// RecordingKey holds the recording session snapshot for a room.
func RecordingKey(roomID string) string { return statePrefix + "recording:" + roomID }

// ClusterChannel is the pub/sub channel a node listens on for delegated
// producer control operations.
func ClusterChannel(serverID string) string { return "connect:cluster:server:" + serverID }

// RoomChannel is the pub/sub channel for room-scoped signaling fan-out.
func RoomChannel(roomID string) string { return "connect:room:" + roomID }
