package room

import "maps"

// Player is a room member.
type Player struct {
	Name      string `json:"name"`
	HitPoints int    `json:"hit_points"`
}

// Position is a token's board coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// State is the authoritative state of one room: a pure fold of its log.
//
// Invariant: Seq equals the seq of the last event folded in (0 when empty).
type State struct {
	Players map[string]Player   `json:"players"`
	Tokens  map[string]Position `json:"tokens"`
	Seq     uint64              `json:"seq"`
}

// NewState returns the empty state.
func NewState() State {
	return State{
		Players: make(map[string]Player),
		Tokens:  make(map[string]Position),
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := State{
		Players: maps.Clone(s.Players),
		Tokens:  maps.Clone(s.Tokens),
		Seq:     s.Seq,
	}
	if c.Players == nil {
		c.Players = make(map[string]Player)
	}
	if c.Tokens == nil {
		c.Tokens = make(map[string]Position)
	}
	return c
}
