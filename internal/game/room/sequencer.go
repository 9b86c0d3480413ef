package room

// Sequencer hands out a room's event seqs.
//
// Sequencer is not safe for concurrent use; only the room's serialized path
// calls it.
type Sequencer struct {
	last uint64
}

// NewSequencer returns a Sequencer whose next seq is last+1.
func NewSequencer(last uint64) *Sequencer {
	return &Sequencer{last: last}
}

// Next reserves and returns the next seq.
func (s *Sequencer) Next() uint64 {
	s.last++
	return s.last
}

// Last returns the most recently reserved seq.
func (s *Sequencer) Last() uint64 {
	return s.last
}
