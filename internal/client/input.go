// Package client implements the interactive tabletop client: slash command
// parsing, a websocket session that tracks the last seen seq, and retry of
// unacknowledged commands across reconnects.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

// ErrUsage is returned for lines that are not a well-formed slash command.
var ErrUsage = errors.New("usage")

// Help lists the accepted commands.
const Help = `Commands:
  /join <name>
  /chat <text>
  /roll <sides>            (e.g. /roll 20)
  /move <token> <x> <y>
  /hp <target_id> <delta>  (e.g. /hp player-123 -5)
  /quit`

// Input is one parsed line.
type Input struct {
	Quit    bool
	Kind    event.Kind
	Payload json.RawMessage
}

// ParseLine parses a slash command. Blank lines return a zero Input and no
// error.
func ParseLine(line string) (Input, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Input{}, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	fields := strings.Fields(rest)

	switch name {
	case "/quit":
		return Input{Quit: true}, nil
	case "/join":
		if rest == "" {
			return Input{}, fmt.Errorf("%w: /join <name>", ErrUsage)
		}
		return build(event.KindJoin, event.JoinPayload{Name: rest})
	case "/chat":
		if rest == "" {
			return Input{}, fmt.Errorf("%w: /chat <text>", ErrUsage)
		}
		return build(event.KindChat, event.ChatPayload{Text: rest})
	case "/roll":
		if len(fields) != 1 {
			return Input{}, fmt.Errorf("%w: /roll <sides>", ErrUsage)
		}
		sides, err := strconv.Atoi(fields[0])
		if err != nil {
			return Input{}, fmt.Errorf("%w: sides must be an integer", ErrUsage)
		}
		return build(event.KindRollDice, event.RollDicePayload{Sides: sides})
	case "/move":
		if len(fields) != 3 {
			return Input{}, fmt.Errorf("%w: /move <token> <x> <y>", ErrUsage)
		}
		x, errX := strconv.Atoi(fields[1])
		y, errY := strconv.Atoi(fields[2])
		if errX != nil || errY != nil {
			return Input{}, fmt.Errorf("%w: x and y must be integers", ErrUsage)
		}
		return build(event.KindMoveToken, event.MoveTokenPayload{TokenID: fields[0], X: x, Y: y})
	case "/hp":
		if len(fields) != 2 {
			return Input{}, fmt.Errorf("%w: /hp <target_id> <delta>", ErrUsage)
		}
		delta, err := strconv.Atoi(fields[1])
		if err != nil {
			return Input{}, fmt.Errorf("%w: delta must be an integer", ErrUsage)
		}
		return build(event.KindSetHP, event.SetHPPayload{TargetID: fields[0], Delta: delta})
	default:
		return Input{}, fmt.Errorf("%w: unknown command %q, try /join, /chat, /roll, /move, /hp, /quit", ErrUsage, name)
	}
}

func build(kind event.Kind, payload any) (Input, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Input{}, err
	}
	return Input{Kind: kind, Payload: data}, nil
}
