// Package rules holds the per-room game rules the core leaves as policy:
// starting hit points, the largest die, board bounds and how SET_HP deltas
// are applied.
package rules

import (
	"fmt"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

const (
	// DefaultHitPoints is the starting hit points of a newly joined member.
	DefaultHitPoints = 20
	// DefaultMaxDiceSides is the largest die ROLL_DICE accepts.
	DefaultMaxDiceSides = 10_000
)

// HPPolicy computes a member's hit points after a SET_HP delta.
//
// Implementations MUST be deterministic and safe for concurrent use.
type HPPolicy interface {
	// Name identifies the policy in configuration and logs.
	Name() string
	// Adjust returns the new hit points for current+delta.
	Adjust(current, delta int) (int, error)
}

// Rules is the rule set in force for one room.
type Rules struct {
	DefaultHP    int
	MaxHP        int
	MaxDiceSides int
	BoardWidth   int
	BoardHeight  int
	HP           HPPolicy
}

// Default returns the rules used when no rules file is configured: 20 starting
// hit points, d10000 at most, an unbounded board and no hit point clamping.
func Default() Rules {
	return Rules{
		DefaultHP:    DefaultHitPoints,
		MaxDiceSides: DefaultMaxDiceSides,
		HP:           Unbounded{},
	}
}

// Limits returns the payload limits these rules impose on commands.
func (r Rules) Limits() event.Limits {
	return event.Limits{
		MaxDiceSides: r.MaxDiceSides,
		BoardWidth:   r.BoardWidth,
		BoardHeight:  r.BoardHeight,
	}
}

// Validate checks the rule set invariants.
func (r Rules) Validate() error {
	if r.DefaultHP < 0 {
		return fmt.Errorf("default_hp must be >= 0, got %d", r.DefaultHP)
	}
	if r.MaxDiceSides != 0 && r.MaxDiceSides < event.MinDiceSides {
		return fmt.Errorf("max_dice_sides must be >= %d, got %d", event.MinDiceSides, r.MaxDiceSides)
	}
	if r.BoardWidth < 0 || r.BoardHeight < 0 {
		return fmt.Errorf("board dimensions must not be negative, got %dx%d", r.BoardWidth, r.BoardHeight)
	}
	if r.HP == nil {
		return fmt.Errorf("hp policy is required")
	}
	return nil
}

// Unbounded applies deltas without clamping. Hit points may go negative.
type Unbounded struct{}

func (Unbounded) Name() string { return PolicyUnbounded }

func (Unbounded) Adjust(current, delta int) (int, error) {
	return current + delta, nil
}

// FloorZero never lets hit points drop below zero.
type FloorZero struct{}

func (FloorZero) Name() string { return PolicyFloorZero }

func (FloorZero) Adjust(current, delta int) (int, error) {
	return max(0, current+delta), nil
}

// Clamp keeps hit points within [0, Max].
type Clamp struct {
	Max int
}

func (Clamp) Name() string { return PolicyClamp }

func (c Clamp) Adjust(current, delta int) (int, error) {
	return min(max(0, current+delta), c.Max), nil
}

// Policy names accepted by the rules file.
const (
	PolicyUnbounded = "unbounded"
	PolicyFloorZero = "floor_zero"
	PolicyClamp     = "clamp"
	PolicyLua       = "lua"
)
