// Package protocol defines the JSON message envelopes exchanged with clients
// and validates inbound frames at the boundary, before any field access. Every
// inbound kind is a distinct variant behind the Inbound interface so routing
// is a single exhaustive switch over the decoded type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zombiesurvivor/coordinator/internal/room"
)

// Inbound message type discriminators.
const (
	TypeJoin        = "join"
	TypeStateUpdate = "state_update"
	TypeChat        = "chat"
	TypeGameEvent   = "game_event"
	TypePing        = "ping"
)

// Game event subtypes the coordinator interprets; anything else is ignored.
const (
	EventZombieKilled = "zombie_killed"
	EventItemPicked   = "item_picked"
	EventPlayerHit    = "player_hit"
)

var (
	// ErrEmptyPayload indicates a zero-length frame.
	ErrEmptyPayload = errors.New("empty message payload")
	// ErrMissingType indicates the envelope lacked the type discriminator.
	ErrMissingType = errors.New("message missing type discriminator")
	// ErrUnknownType indicates an unrecognised type discriminator.
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is the decoded representation of a client frame.
type Inbound interface {
	isInbound()
}

// JoinProfile is the client-claimed identity accompanying a join request.
// None of it is trusted: the identifier is replaced by identity resolution or
// a generated guest identifier.
type JoinProfile struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	AvatarIdx int    `json:"avatarIdx"`
	IsGuest   bool   `json:"isGuest"`
}

// Join requests registration into the room. Valid only as the first message.
type Join struct {
	AuthToken string      `json:"authToken"`
	Player    JoinProfile `json:"playerData"`
}

// Update carries a partial player state mutation.
type Update struct {
	Player room.StateUpdate `json:"player"`
}

// Chat carries a chat line for the full room.
type Chat struct {
	Message string `json:"message"`
}

// GameEvent reports a game-domain occurrence using a small fixed vocabulary.
type GameEvent struct {
	EventType string  `json:"eventType"`
	TargetID  string  `json:"targetId"`
	Damage    float64 `json:"damage"`
	ItemType  string  `json:"itemType"`
}

// Ping requests an immediate pong reply; valid in any connection state.
type Ping struct{}

func (Join) isInbound()      {}
func (Update) isInbound()    {}
func (Chat) isInbound()      {}
func (GameEvent) isInbound() {}
func (Ping) isInbound()      {}

// Decode parses a raw frame into its inbound variant. Any failure here is a
// malformed-message error: reported to the sender only, never fatal to the
// connection.
func Decode(raw []byte) (Inbound, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	kind := strings.TrimSpace(envelope.Type)
	if kind == "" {
		return nil, ErrMissingType
	}
	switch kind {
	case TypeJoin:
		var msg Join
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode join: %w", err)
		}
		return msg, nil
	case TypeStateUpdate:
		var msg Update
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode state update: %w", err)
		}
		return msg, nil
	case TypeChat:
		var msg Chat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode chat: %w", err)
		}
		return msg, nil
	case TypeGameEvent:
		var msg GameEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode game event: %w", err)
		}
		return msg, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}
