// Package room implements a game room: its state machine, its sequencer and
// the serialized execution path that turns commands into logged, broadcast
// events.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/game/dedup"
	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/internal/game/fanout"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
)

// Config bounds a room's resources.
type Config struct {
	// QueueTimeout bounds how long a command waits for the room. Zero waits
	// until the caller's context ends.
	QueueTimeout time.Duration
	// DedupSize and DedupTTL bound idempotency retention.
	DedupSize int
	DedupTTL  time.Duration
	// SubscriberBuffer is each subscriber's live queue capacity.
	SubscriberBuffer int
}

// Deps are a room's collaborators.
type Deps struct {
	Log    eventlog.Store
	Rules  rules.Rules
	Dice   Roller
	Logger *zap.Logger
	// Clock stamps events; nil means time.Now.
	Clock func() time.Time
}

// Result is the outcome of a command: the event it produced, and whether
// that event was produced by an earlier submission of the same command.
type Result struct {
	Event     event.Event
	Duplicate bool
}

// Room is a single-writer game room.
//
// All state changes happen while holding the room's one-slot semaphore.
// Lookup, Rules, Faulted and LastActive are safe to call without it.
type Room struct {
	id     string
	cfg    Config
	log    eventlog.Store
	env    Env
	logger *zap.Logger
	clock  func() time.Time

	slot chan struct{}

	state State
	seq   *Sequencer
	chain *eventlog.Chain
	dedup *dedup.Store
	hub   *fanout.Hub

	faulted    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
	lastActive atomic.Int64
}

// Open builds room id by folding its existing log, verifying the hash chain
// and re-deriving idempotency records as it goes.
//
// Precondition: deps.Log, deps.Dice and deps.Logger must be non-nil and
// deps.Rules must pass Validate.
// Postcondition: Returns a room whose state equals the fold of its log, or a
// non-nil error.
func Open(ctx context.Context, id string, deps Deps, cfg Config) (*Room, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Room{
		id:     id,
		cfg:    cfg,
		log:    deps.Log,
		env:    Env{Rules: deps.Rules, Dice: deps.Dice},
		logger: deps.Logger.With(zap.String("room", id)),
		clock:  clock,
		slot:   make(chan struct{}, 1),
		state:  NewState(),
		chain:  eventlog.NewChain(id, ""),
		dedup:  dedup.New(cfg.DedupSize, cfg.DedupTTL),
		done:   make(chan struct{}),
	}

	for evt, err := range deps.Log.ReadFrom(ctx, id, 1) {
		if err != nil {
			return nil, fmt.Errorf("reading log of room %q: %w", id, err)
		}
		if err := r.chain.Verify(evt); err != nil {
			return nil, err
		}
		if err := Evolve(&r.state, evt); err != nil {
			return nil, fmt.Errorf("rebuilding room %q: %w", id, err)
		}
		r.dedup.Record(dedup.Key{ClientID: evt.ClientID, EventID: evt.EventID}, evt)
	}

	r.seq = NewSequencer(r.state.Seq)
	r.hub = fanout.NewHub(id, deps.Log, cfg.SubscriberBuffer, r.logger)
	r.touch()
	if r.state.Seq > 0 {
		r.logger.Info("room rebuilt from log",
			zap.Uint64("seq", r.state.Seq),
			zap.Int("players", len(r.state.Players)),
		)
	}
	return r, nil
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Rules returns the rules the room was opened with.
func (r *Room) Rules() rules.Rules {
	return r.env.Rules
}

// Faulted reports whether a sequencing fault has disabled the room.
func (r *Room) Faulted() bool {
	return r.faulted.Load()
}

// Closed reports whether Close has been called.
func (r *Room) Closed() bool {
	return r.closed.Load()
}

// LastActive returns when the room last executed a command or gained a
// subscriber.
func (r *Room) LastActive() time.Time {
	return time.Unix(0, r.lastActive.Load())
}

// Subscribers returns the number of live subscriptions.
func (r *Room) Subscribers() int {
	return r.hub.Len()
}

// Lookup returns the event an earlier submission of cmd produced.
func (r *Room) Lookup(cmd event.Command) (event.Event, bool) {
	return r.dedup.Lookup(dedup.KeyOf(cmd))
}

// Execute runs cmd on the room's serialized path: duplicate check, decide,
// sequence, append, evolve, record and publish.
//
// Postcondition: Exactly one of the following holds. A new event was appended
// and published; an earlier event was returned with Duplicate set; or an
// error was returned and neither state, log nor seq changed.
func (r *Room) Execute(ctx context.Context, cmd event.Command) (Result, error) {
	if err := r.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer r.release()

	if err := r.usable(); err != nil {
		return Result{}, err
	}

	key := dedup.KeyOf(cmd)
	if evt, ok := r.dedup.Lookup(key); ok {
		return Result{Event: evt, Duplicate: true}, nil
	}

	payload, err := Decide(r.state, cmd, r.env)
	if err != nil {
		return Result{}, err
	}

	evt, err := r.chain.Seal(event.Event{
		Seq:       r.seq.Next(),
		EventID:   cmd.EventID,
		ClientID:  cmd.ClientID,
		Kind:      cmd.Kind,
		Payload:   payload,
		Timestamp: r.clock().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return Result{}, r.fault(err)
	}

	// Appends run to completion even if the submitter goes away.
	if err := r.log.Append(context.WithoutCancel(ctx), r.id, evt); err != nil {
		return Result{}, r.fault(err)
	}
	r.chain.Commit(evt)

	if err := Evolve(&r.state, evt); err != nil {
		return Result{}, r.fault(err)
	}
	r.dedup.Record(key, evt)
	r.hub.Publish(evt)
	r.touch()

	r.logger.Debug("event committed",
		zap.Uint64("seq", evt.Seq),
		zap.String("event_type", string(evt.Kind)),
		zap.String("client", evt.ClientID),
		zap.String("event_id", evt.EventID),
	)
	return Result{Event: evt}, nil
}

// Subscribe attaches a subscriber that has already seen every event up to
// after. The subscription's Replay yields after+1..k and its live queue
// carries k+1 onward, where k is the room's seq at this instant. An after
// beyond k fails with ErrResumeAhead.
func (r *Room) Subscribe(ctx context.Context, after uint64) (*fanout.Subscription, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	if err := r.usable(); err != nil {
		return nil, err
	}
	if after > r.state.Seq {
		return nil, fmt.Errorf("room %q at seq %d, subscriber after %d: %w", r.id, r.state.Seq, after, event.ErrResumeAhead)
	}
	sub := r.hub.Subscribe(after, r.state.Seq)
	r.touch()
	return sub, nil
}

// Unsubscribe detaches sub. It is safe to call more than once.
func (r *Room) Unsubscribe(sub *fanout.Subscription) {
	r.hub.Unsubscribe(sub)
}

// Snapshot returns a copy of the room state.
func (r *Room) Snapshot(ctx context.Context) (State, error) {
	if err := r.acquire(ctx); err != nil {
		return State{}, err
	}
	defer r.release()
	return r.state.Clone(), nil
}

// Close ends every subscription with ErrRoomClosed and rejects later
// commands. The log is untouched. Close is idempotent.
//
// Postcondition: No Execute of this room is appending when Close returns.
// Close waits for an in-flight command and then holds the slot for good.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		r.hub.Close(event.ErrRoomClosed)
		r.slot <- struct{}{}
		r.logger.Info("room closed")
	})
}

func (r *Room) acquire(ctx context.Context) error {
	var timeout <-chan time.Time
	if r.cfg.QueueTimeout > 0 {
		t := time.NewTimer(r.cfg.QueueTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-r.done:
		return fmt.Errorf("room %q: %w", r.id, event.ErrRoomClosed)
	default:
	}
	select {
	case r.slot <- struct{}{}:
		return nil
	case <-r.done:
		return fmt.Errorf("room %q: %w", r.id, event.ErrRoomClosed)
	case <-timeout:
		return fmt.Errorf("room %q busy for %s: %w", r.id, r.cfg.QueueTimeout, event.ErrQueueTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) release() {
	<-r.slot
}

func (r *Room) usable() error {
	if r.closed.Load() {
		return fmt.Errorf("room %q: %w", r.id, event.ErrRoomClosed)
	}
	if r.faulted.Load() {
		return fmt.Errorf("room %q is faulted: %w", r.id, event.ErrInternalSequencingFault)
	}
	return nil
}

// fault disables the room. Once set it stays set; the registry replaces a
// faulted room with one rebuilt from the log.
func (r *Room) fault(cause error) error {
	r.faulted.Store(true)
	r.logger.Error("room faulted", zap.Uint64("seq", r.seq.Last()), zap.Error(cause))
	if errors.Is(cause, event.ErrInternalSequencingFault) {
		return cause
	}
	return fmt.Errorf("room %q: %w: %w", r.id, event.ErrInternalSequencingFault, cause)
}

func (r *Room) touch() {
	r.lastActive.Store(r.clock().UnixNano())
}
