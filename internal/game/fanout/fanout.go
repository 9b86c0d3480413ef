// Package fanout delivers a room's committed events to its subscribers:
// a catch-up read of the log followed by a bounded live queue.
package fanout

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
)

// DefaultBuffer is the live queue capacity used when none is configured.
const DefaultBuffer = 256

// Subscription is one subscriber's view of a room's stream.
//
// Events after..upTo come from Replay; events after upTo arrive on Live.
// The two never overlap and never leave a gap.
type Subscription struct {
	id     string
	roomID string
	after  uint64
	upTo   uint64
	log    eventlog.Store

	live chan event.Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// After returns the seq the subscriber had already seen.
func (s *Subscription) After() uint64 {
	return s.after
}

// UpTo returns the high-water seq recorded when the subscription was made.
func (s *Subscription) UpTo() uint64 {
	return s.upTo
}

// Replay lazily yields the catch-up events with after < seq <= upTo in seq
// order. It may be called before or while Live fills; live events are
// buffered until the queue overflows.
//
// Postcondition: Yields exactly upTo-after events or a non-nil error.
func (s *Subscription) Replay(ctx context.Context) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		if s.upTo <= s.after {
			return
		}
		next := s.after + 1
		for evt, err := range s.log.ReadFrom(ctx, s.roomID, next) {
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			if evt.Seq > s.upTo {
				break
			}
			if evt.Seq != next {
				yield(event.Event{}, fmt.Errorf("catch-up for room %q expected seq %d, log returned %d: %w",
					s.roomID, next, evt.Seq, event.ErrInternalSequencingFault))
				return
			}
			if !yield(evt, nil) {
				return
			}
			next++
		}
		if next <= s.upTo {
			yield(event.Event{}, fmt.Errorf("catch-up for room %q stopped at seq %d of %d: %w",
				s.roomID, next-1, s.upTo, event.ErrInternalSequencingFault))
		}
	}
}

// Live returns the channel of events committed after UpTo.
func (s *Subscription) Live() <-chan event.Event {
	return s.live
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil while open or after a plain
// unsubscribe, ErrSubscriberOverflow or ErrRoomClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push enqueues evt without blocking. It returns false when the queue is full.
func (s *Subscription) push(evt event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if evt.Seq <= s.after {
		return true
	}
	select {
	case s.live <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Hub tracks a room's subscribers.
//
// Subscribe and Publish must be called from the room's serialized path so
// that the recorded high-water seq and the published stream agree.
// Unsubscribe and Close may be called from anywhere.
type Hub struct {
	roomID string
	log    eventlog.Store
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed error
}

// NewHub creates a Hub for roomID reading catch-up events from log.
//
// Precondition: log and logger must be non-nil. The hub does not add a room
// field; logger should already carry one.
func NewHub(roomID string, log eventlog.Store, buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		roomID: roomID,
		log:    log,
		buffer: buffer,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber that has seen every event up to after.
// upTo is the room's high-water seq at this instant.
//
// Postcondition: Every event with seq > upTo published after this call is
// offered to the subscription's live queue.
func (h *Hub) Subscribe(after, upTo uint64) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		roomID: h.roomID,
		after:  after,
		upTo:   upTo,
		log:    h.log,
		live:   make(chan event.Event, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed != nil {
		sub.close(h.closed)
		return sub
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscriber added",
		zap.String("subscription", sub.id),
		zap.Uint64("after", after),
		zap.Uint64("up_to", upTo),
	)
	return sub
}

// Unsubscribe removes sub and ends it with a nil error. It is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close(nil)
}

// Publish offers evt to every subscriber without blocking. A subscriber whose
// queue is full is removed and ended with ErrSubscriberOverflow.
func (h *Hub) Publish(evt event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if sub.push(evt) {
			continue
		}
		delete(h.subs, id)
		sub.close(event.ErrSubscriberOverflow)
		h.logger.Warn("subscriber dropped on overflow",
			zap.String("subscription", id),
			zap.Uint64("seq", evt.Seq),
		)
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with err and rejects later subscribers.
//
// Precondition: err must be non-nil.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed != nil {
		return
	}
	h.closed = err
	for id, sub := range h.subs {
		sub.close(err)
		delete(h.subs, id)
	}
}
