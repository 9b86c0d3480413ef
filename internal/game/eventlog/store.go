// Package eventlog defines the append-only, per-room event log that is the
// source of truth for room state, plus an in-memory implementation and the
// hash chain that links consecutive events.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

//go:generate go tool mockgen -destination=./mocks/store_mock.go -package=mocks . Store

// ErrSequenceGap is returned by Append when the event's seq is not exactly
// one past the room's current high-water mark. It always indicates a
// sequencing bug and is fatal for the room.
var ErrSequenceGap = errors.New("event seq does not extend the log")

// Store is the contract a log writer must satisfy. Implementations must be
// safe for concurrent use across rooms; within a room the caller serializes
// Append.
type Store interface {
	// Append adds evt to roomID's log.
	//
	// Precondition: evt.Seq == LastSeq(roomID) + 1.
	// Postcondition: evt is durable and visible to ReadFrom, or an error is
	// returned. A seq violation wraps ErrSequenceGap.
	Append(ctx context.Context, roomID string, evt event.Event) error
	// ReadFrom lazily yields roomID's events with seq >= from in seq order.
	// The sequence is finite and may be restarted from any seq.
	ReadFrom(ctx context.Context, roomID string, from uint64) iter.Seq2[event.Event, error]
	// LastSeq returns roomID's high-water seq, or 0 for an empty log.
	LastSeq(ctx context.Context, roomID string) (uint64, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]event.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]event.Event)}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, roomID string, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	last := uint64(len(m.rooms[roomID]))
	if evt.Seq != last+1 {
		return fmt.Errorf("room %q: append seq %d after %d: %w", roomID, evt.Seq, last, ErrSequenceGap)
	}
	m.rooms[roomID] = append(m.rooms[roomID], evt)
	return nil
}

// ReadFrom implements Store. Events appended while the sequence is being
// consumed are included.
func (m *MemoryStore) ReadFrom(ctx context.Context, roomID string, from uint64) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if from == 0 {
			from = 1
		}
		for idx := from - 1; ; idx++ {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			m.mu.RLock()
			log := m.rooms[roomID]
			if idx >= uint64(len(log)) {
				m.mu.RUnlock()
				return
			}
			evt := log[idx]
			m.mu.RUnlock()
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// LastSeq implements Store.
func (m *MemoryStore) LastSeq(ctx context.Context, roomID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.rooms[roomID])), nil
}

// Collect drains a ReadFrom sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[event.Event, error]) ([]event.Event, error) {
	var out []event.Event
	for evt, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}
