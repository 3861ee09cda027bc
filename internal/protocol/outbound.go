package protocol

import (
	"time"

	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/session"
)

// Outbound message type discriminators.
const (
	TypeWelcome     = "welcome"
	TypeRoomUpdate  = "room_update"
	TypeChatMessage = "chat_message"
	TypeUpdateAck   = "update_ack"
	TypePong        = "pong"
	TypeError       = "error"
)

// SystemSender names the originator of server-generated chat notices.
const SystemSender = "System"

// Welcome confirms a successful join with the player's own record and the
// room and server state as of the join.
type Welcome struct {
	Type        string        `json:"type"`
	Player      room.View     `json:"player"`
	RoomState   room.Snapshot `json:"roomState"`
	ServerStats session.Stats `json:"serverStats"`
	Message     string        `json:"message"`
}

// RoomUpdate is the periodic or player-triggered state broadcast.
type RoomUpdate struct {
	Type        string        `json:"type"`
	RoomState   room.Snapshot `json:"roomState"`
	ServerStats session.Stats `json:"serverStats"`
	Timestamp   string        `json:"timestamp"`
}

// ChatMessage is the event broadcast for chat lines and system notices.
type ChatMessage struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// UpdateAck acknowledges a state update with the current online count.
type UpdateAck struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	OnlinePlayers int64  `json:"onlinePlayers"`
}

// Pong answers a keepalive ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ErrorMessage reports a malformed frame or a rejected operation to the
// originating connection only.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewWelcome builds the join confirmation.
func NewWelcome(player room.View, state room.Snapshot, stats session.Stats, message string) Welcome {
	return Welcome{Type: TypeWelcome, Player: player, RoomState: state, ServerStats: stats, Message: message}
}

// NewRoomUpdate builds a state broadcast payload.
func NewRoomUpdate(state room.Snapshot, stats session.Stats, now time.Time) RoomUpdate {
	return RoomUpdate{Type: TypeRoomUpdate, RoomState: state, ServerStats: stats, Timestamp: stamp(now)}
}

// NewChatMessage builds an event broadcast payload.
func NewChatMessage(sender, message string, now time.Time) ChatMessage {
	return ChatMessage{Type: TypeChatMessage, Sender: sender, Message: message, Timestamp: stamp(now)}
}

// NewUpdateAck builds a state update acknowledgement.
func NewUpdateAck(onlinePlayers int64, now time.Time) UpdateAck {
	return UpdateAck{Type: TypeUpdateAck, Timestamp: stamp(now), OnlinePlayers: onlinePlayers}
}

// NewPong builds a keepalive reply.
func NewPong(now time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: stamp(now)}
}

// NewError builds an error reply.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

func stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
