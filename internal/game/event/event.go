// Package event defines the commands clients submit, the sequenced events the
// server produces from them, and the error taxonomy shared by every layer of
// the coordinator.
package event

import (
	"encoding/json"
	"time"
)

// Kind names a command and the event it produces. A command of kind K always
// yields an event of kind K.
type Kind string

const (
	KindJoin      Kind = "JOIN"
	KindChat      Kind = "CHAT"
	KindRollDice  Kind = "ROLL_DICE"
	KindMoveToken Kind = "MOVE_TOKEN"
	KindSetHP     Kind = "SET_HP"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindJoin, KindChat, KindRollDice, KindMoveToken, KindSetHP}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindJoin, KindChat, KindRollDice, KindMoveToken, KindSetHP:
		return true
	}
	return false
}

// Command is a decoded client request. It is not authoritative until the room
// converts it into an Event.
//
// Invariant: retries of the same logical command reuse EventID.
type Command struct {
	ClientID string
	EventID  string
	Kind     Kind
	Payload  json.RawMessage
}

// Event is an immutable, sequenced fact appended to a room's log.
//
// Invariant: Seq is >= 1, strictly increasing and gap-free within a room.
type Event struct {
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"event_id"`
	ClientID  string          `json:"client_id"`
	Kind      Kind            `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash,omitempty"`
}

// JoinPayload is the client-supplied JOIN payload.
type JoinPayload struct {
	Name string `json:"name"`
}

// JoinEvent is the JOIN event payload. HitPoints carries the member's hit
// points so that replay does not depend on the room rules in force.
type JoinEvent struct {
	ClientID  string `json:"client_id"`
	Name      string `json:"name"`
	HitPoints int    `json:"hit_points"`
}

// ChatPayload is the client-supplied CHAT payload.
type ChatPayload struct {
	Text string `json:"text"`
}

// ChatEvent is the CHAT event payload.
type ChatEvent struct {
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
}

// RollDicePayload is the client-supplied ROLL_DICE payload.
type RollDicePayload struct {
	Sides int `json:"sides"`
}

// RollDiceEvent is the ROLL_DICE event payload. Result is drawn once by the
// server and never recomputed.
type RollDiceEvent struct {
	ClientID string `json:"client_id"`
	Sides    int    `json:"sides"`
	Result   int    `json:"result"`
}

// MoveTokenPayload is the client-supplied MOVE_TOKEN payload.
type MoveTokenPayload struct {
	TokenID string `json:"token_id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

// MoveTokenEvent is the MOVE_TOKEN event payload.
type MoveTokenEvent struct {
	ClientID string `json:"client_id"`
	TokenID  string `json:"token_id"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

// SetHPPayload is the client-supplied SET_HP payload.
type SetHPPayload struct {
	TargetID string `json:"target_id"`
	Delta    int    `json:"delta"`
}

// SetHPEvent is the SET_HP event payload.
type SetHPEvent struct {
	ClientID string `json:"client_id"`
	TargetID string `json:"target_id"`
	Delta    int    `json:"delta"`
	NewHP    int    `json:"new_hp"`
}

// DecodePayload unmarshals an event payload into T.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
