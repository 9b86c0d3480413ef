package gameserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

// Envelope types.
const (
	TypeCommand = "command"
	TypeEvent   = "event"
	TypeError   = "error"
)

// ErrInvalidMessage is returned when a frame is not a well-formed command
// envelope.
var ErrInvalidMessage = errors.New("invalid message")

// CommandEnvelope is the client-to-server frame.
type CommandEnvelope struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id"`
	EventID  string          `json:"event_id"`
	Command  event.Kind      `json:"command"`
	Payload  json.RawMessage `json:"payload"`
}

// EventEnvelope is the server-to-client frame carrying one sequenced event.
type EventEnvelope struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"event_id"`
	EventType event.Kind      `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrorEnvelope is sent only to the connection whose command failed.
type ErrorEnvelope struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Code    event.Code `json:"code,omitempty"`
	EventID string     `json:"event_id,omitempty"`
}

// DecodeCommand parses a command frame.
//
// Postcondition: Returns the command, or an error wrapping ErrInvalidMessage.
// Payload and kind are not validated here.
func DecodeCommand(data []byte) (event.Command, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return event.Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type != TypeCommand {
		return event.Command{}, fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, env.Type)
	}
	return event.Command{
		ClientID: env.ClientID,
		EventID:  env.EventID,
		Kind:     env.Command,
		Payload:  env.Payload,
	}, nil
}

// EncodeCommand builds a command frame. It is the client-side counterpart of
// DecodeCommand.
func EncodeCommand(cmd event.Command) ([]byte, error) {
	return json.Marshal(CommandEnvelope{
		Type:     TypeCommand,
		ClientID: cmd.ClientID,
		EventID:  cmd.EventID,
		Command:  cmd.Kind,
		Payload:  cmd.Payload,
	})
}

// EncodeEvent builds an event frame.
func EncodeEvent(evt event.Event) ([]byte, error) {
	return json.Marshal(EventEnvelope{
		Type:      TypeEvent,
		Seq:       evt.Seq,
		EventID:   evt.EventID,
		EventType: evt.Kind,
		Payload:   evt.Payload,
	})
}

// ErrorCode maps err to its wire code.
func ErrorCode(err error) event.Code {
	if errors.Is(err, ErrInvalidMessage) {
		return event.CodeInvalidMessage
	}
	return event.CodeOf(err)
}

// EncodeError builds an error frame for err. Internal failures are reported
// without their cause.
func EncodeError(err error, eventID string) []byte {
	code := ErrorCode(err)
	msg := err.Error()
	if code == event.CodeInternal {
		msg = "internal error"
	}
	data, mErr := json.Marshal(ErrorEnvelope{
		Type:    TypeError,
		Message: msg,
		Code:    code,
		EventID: eventID,
	})
	if mErr != nil {
		return []byte(`{"type":"error","message":"internal error","code":"INTERNAL"}`)
	}
	return data
}
