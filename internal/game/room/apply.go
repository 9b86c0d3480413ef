package room

import (
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
)

// Roller draws a die result in [1, sides].
type Roller interface {
	Roll(sides int) (int, error)
}

// Env is everything Decide needs beyond the state and the command.
type Env struct {
	Rules rules.Rules
	Dice  Roller
}

// Decide turns cmd into the payload of the event it produces against s.
// It never mutates s. ROLL_DICE draws from env.Dice exactly once.
//
// Postcondition: Returns a payload that Evolve accepts for s, or an error
// wrapping one of the event sentinel errors.
func Decide(s State, cmd event.Command, env Env) (json.RawMessage, error) {
	if err := event.Validate(cmd); err != nil {
		return nil, err
	}
	if err := env.Rules.Limits().Check(cmd); err != nil {
		return nil, err
	}

	var out any
	switch cmd.Kind {
	case event.KindJoin:
		p, err := event.DecodePayload[event.JoinPayload](cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("JOIN: %w", event.ErrInvalidPayload)
		}
		if existing, ok := s.Players[cmd.ClientID]; ok {
			out = event.JoinEvent{ClientID: cmd.ClientID, Name: existing.Name, HitPoints: existing.HitPoints}
		} else {
			out = event.JoinEvent{ClientID: cmd.ClientID, Name: strings.TrimSpace(p.Name), HitPoints: env.Rules.DefaultHP}
		}

	case event.KindChat:
		p, err := event.DecodePayload[event.ChatPayload](cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("CHAT: %w", event.ErrInvalidPayload)
		}
		out = event.ChatEvent{ClientID: cmd.ClientID, Text: p.Text}

	case event.KindRollDice:
		p, err := event.DecodePayload[event.RollDicePayload](cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("ROLL_DICE: %w", event.ErrInvalidPayload)
		}
		result, err := env.Dice.Roll(p.Sides)
		if err != nil {
			return nil, fmt.Errorf("ROLL_DICE: %w: %w", event.ErrInvalidPayload, err)
		}
		out = event.RollDiceEvent{ClientID: cmd.ClientID, Sides: p.Sides, Result: result}

	case event.KindMoveToken:
		p, err := event.DecodePayload[event.MoveTokenPayload](cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("MOVE_TOKEN: %w", event.ErrInvalidPayload)
		}
		out = event.MoveTokenEvent{ClientID: cmd.ClientID, TokenID: p.TokenID, X: p.X, Y: p.Y}

	case event.KindSetHP:
		p, err := event.DecodePayload[event.SetHPPayload](cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("SET_HP: %w", event.ErrInvalidPayload)
		}
		target, ok := s.Players[p.TargetID]
		if !ok {
			return nil, fmt.Errorf("SET_HP target %q: %w", p.TargetID, event.ErrUnknownTarget)
		}
		if addOverflows(target.HitPoints, p.Delta) {
			return nil, fmt.Errorf("SET_HP %d%+d overflows: %w", target.HitPoints, p.Delta, event.ErrInvalidPayload)
		}
		newHP, err := env.Rules.HP.Adjust(target.HitPoints, p.Delta)
		if err != nil {
			return nil, fmt.Errorf("SET_HP %s policy: %w", env.Rules.HP.Name(), err)
		}
		out = event.SetHPEvent{ClientID: cmd.ClientID, TargetID: p.TargetID, Delta: p.Delta, NewHP: newHP}

	default:
		return nil, fmt.Errorf("command %q: %w", cmd.Kind, event.ErrUnsupportedCommand)
	}

	return json.Marshal(out)
}

func addOverflows(a, b int) bool {
	return (b > 0 && a > math.MaxInt-b) || (b < 0 && a < math.MinInt-b)
}

// Evolve folds evt into s.
//
// Precondition: evt.Seq == s.Seq+1.
// Postcondition: s.Seq == evt.Seq, or a non-nil error wrapping
// ErrInternalSequencingFault and s unchanged.
func Evolve(s *State, evt event.Event) error {
	if evt.Seq != s.Seq+1 {
		return fmt.Errorf("evolve seq %d onto %d: %w", evt.Seq, s.Seq, event.ErrInternalSequencingFault)
	}
	if s.Players == nil {
		s.Players = make(map[string]Player)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]Position)
	}

	switch evt.Kind {
	case event.KindJoin:
		p, err := event.DecodePayload[event.JoinEvent](evt.Payload)
		if err != nil {
			return corrupt(evt, err)
		}
		if _, ok := s.Players[p.ClientID]; !ok {
			s.Players[p.ClientID] = Player{Name: p.Name, HitPoints: p.HitPoints}
		}

	case event.KindChat, event.KindRollDice:
		// No state beyond the seq.

	case event.KindMoveToken:
		p, err := event.DecodePayload[event.MoveTokenEvent](evt.Payload)
		if err != nil {
			return corrupt(evt, err)
		}
		s.Tokens[p.TokenID] = Position{X: p.X, Y: p.Y}

	case event.KindSetHP:
		p, err := event.DecodePayload[event.SetHPEvent](evt.Payload)
		if err != nil {
			return corrupt(evt, err)
		}
		target, ok := s.Players[p.TargetID]
		if !ok {
			return corrupt(evt, fmt.Errorf("unknown target %q", p.TargetID))
		}
		target.HitPoints = p.NewHP
		s.Players[p.TargetID] = target

	default:
		return corrupt(evt, fmt.Errorf("unknown event type %q", evt.Kind))
	}

	s.Seq = evt.Seq
	return nil
}

func corrupt(evt event.Event, cause error) error {
	return fmt.Errorf("evolve seq %d (%s): %w: %w", evt.Seq, evt.Kind, cause, event.ErrInternalSequencingFault)
}

// Apply is the pure transition: it returns the state after cmd, the event
// payload cmd produced and leaves s untouched. A failed command returns s
// unchanged and no payload.
func Apply(s State, cmd event.Command, env Env) (State, json.RawMessage, error) {
	payload, err := Decide(s, cmd, env)
	if err != nil {
		return s, nil, err
	}
	next := s.Clone()
	evt := event.Event{
		Seq:      s.Seq + 1,
		EventID:  cmd.EventID,
		ClientID: cmd.ClientID,
		Kind:     cmd.Kind,
		Payload:  payload,
	}
	if err := Evolve(&next, evt); err != nil {
		return s, nil, err
	}
	return next, payload, nil
}

// Replay folds a log from the empty state.
func Replay(events iter.Seq2[event.Event, error]) (State, error) {
	s := NewState()
	for evt, err := range events {
		if err != nil {
			return State{}, err
		}
		if err := Evolve(&s, evt); err != nil {
			return State{}, err
		}
	}
	return s, nil
}
