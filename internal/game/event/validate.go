package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Limits are the per-room payload constraints that depend on room rules.
// A zero BoardWidth or BoardHeight leaves that axis unbounded.
type Limits struct {
	MaxDiceSides int
	BoardWidth   int
	BoardHeight  int
}

// MinDiceSides is the smallest die the server will roll.
const MinDiceSides = 2

// MaxHPDelta bounds the magnitude of a SET_HP delta. Hit point arithmetic
// stays exact in int and in Lua numbers.
const MaxHPDelta = math.MaxInt32

type joinWire struct {
	Name *string `json:"name"`
}

type chatWire struct {
	Text *string `json:"text"`
}

type rollDiceWire struct {
	Sides *int `json:"sides"`
}

type moveTokenWire struct {
	TokenID *string `json:"token_id"`
	X       *int    `json:"x"`
	Y       *int    `json:"y"`
}

type setHPWire struct {
	TargetID *string `json:"target_id"`
	Delta    *int    `json:"delta"`
}

// Validate checks the envelope shape and the kind-specific payload of cmd.
// It does not consult room state or room rules.
//
// Postcondition: Returns nil, or an error wrapping ErrInvalidPayload or
// ErrUnsupportedCommand.
func Validate(cmd Command) error {
	if err := checkText("client_id", cmd.ClientID); err != nil {
		return err
	}
	if err := checkText("event_id", cmd.EventID); err != nil {
		return err
	}
	if !cmd.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Kind)
	}
	if !isObject(cmd.Payload) {
		return fmt.Errorf("%w: payload must be an object", ErrInvalidPayload)
	}

	switch cmd.Kind {
	case KindJoin:
		var w joinWire
		if err := decode(cmd.Payload, &w); err != nil {
			return err
		}
		if w.Name == nil {
			return fmt.Errorf("%w: JOIN requires a non-empty name", ErrInvalidPayload)
		}
		if err := checkText("name", *w.Name); err != nil {
			return err
		}
	case KindChat:
		var w chatWire
		if err := decode(cmd.Payload, &w); err != nil {
			return err
		}
		if w.Text == nil {
			return fmt.Errorf("%w: CHAT requires non-empty text", ErrInvalidPayload)
		}
		if err := checkText("text", *w.Text); err != nil {
			return err
		}
	case KindRollDice:
		var w rollDiceWire
		if err := decode(cmd.Payload, &w); err != nil {
			return err
		}
		if w.Sides == nil || *w.Sides < MinDiceSides {
			return fmt.Errorf("%w: ROLL_DICE requires integer sides >= %d", ErrInvalidPayload, MinDiceSides)
		}
	case KindMoveToken:
		var w moveTokenWire
		if err := decode(cmd.Payload, &w); err != nil {
			return err
		}
		if w.TokenID == nil || *w.TokenID == "" {
			return fmt.Errorf("%w: MOVE_TOKEN requires a non-empty token_id", ErrInvalidPayload)
		}
		if err := checkText("token_id", *w.TokenID); err != nil {
			return err
		}
		if w.X == nil || w.Y == nil {
			return fmt.Errorf("%w: MOVE_TOKEN requires integer x and y", ErrInvalidPayload)
		}
	case KindSetHP:
		var w setHPWire
		if err := decode(cmd.Payload, &w); err != nil {
			return err
		}
		if w.TargetID == nil || *w.TargetID == "" {
			return fmt.Errorf("%w: SET_HP requires a non-empty target_id", ErrInvalidPayload)
		}
		if err := checkText("target_id", *w.TargetID); err != nil {
			return err
		}
		if w.Delta == nil {
			return fmt.Errorf("%w: SET_HP requires an integer delta", ErrInvalidPayload)
		}
		if *w.Delta > MaxHPDelta || *w.Delta < -MaxHPDelta {
			return fmt.Errorf("%w: SET_HP delta must be within ±%d", ErrInvalidPayload, MaxHPDelta)
		}
	}
	return nil
}

// Check applies the room-specific limits to an already validated command.
//
// Precondition: Validate(cmd) returned nil.
// Postcondition: Returns nil, or an error wrapping ErrInvalidPayload.
func (l Limits) Check(cmd Command) error {
	switch cmd.Kind {
	case KindRollDice:
		p, err := DecodePayload[RollDicePayload](cmd.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if l.MaxDiceSides > 0 && p.Sides > l.MaxDiceSides {
			return fmt.Errorf("%w: ROLL_DICE sides must be <= %d", ErrInvalidPayload, l.MaxDiceSides)
		}
	case KindMoveToken:
		p, err := DecodePayload[MoveTokenPayload](cmd.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if l.BoardWidth > 0 && (p.X < 0 || p.X >= l.BoardWidth) {
			return fmt.Errorf("%w: x=%d outside board width %d", ErrInvalidPayload, p.X, l.BoardWidth)
		}
		if l.BoardHeight > 0 && (p.Y < 0 || p.Y >= l.BoardHeight) {
			return fmt.Errorf("%w: y=%d outside board height %d", ErrInvalidPayload, p.Y, l.BoardHeight)
		}
	}
	return nil
}

// ValidateRoomID checks a room id taken from a connection request.
//
// Postcondition: Returns nil, or an error wrapping ErrInvalidPayload.
func ValidateRoomID(id string) error {
	return checkText("room", id)
}

// checkText rejects blank strings, invalid UTF-8 and NUL. Durable logs
// cannot store NUL in text or JSON columns.
func checkText(field, s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidPayload, field)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("%w: %s contains NUL", ErrInvalidPayload, field)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
