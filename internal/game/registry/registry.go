// Package registry owns the set of live rooms: it creates them on first
// reference, rebuilds them from the event log and evicts idle ones.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
)

// Registry maps room ids to live rooms.
//
// Registry is safe for concurrent use. For any room id at most one *room.Room
// is live at a time, and a replacement is not opened until the instance it
// replaces has finished closing.
type Registry struct {
	log    eventlog.Store
	book   *rules.Book
	dice   room.Roller
	cfg    room.Config
	logger *zap.Logger
	clock  func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	rooms map[string]*room.Room

	// retired holds rooms removed from rooms whose Close may still be running.
	retired map[string]*room.Room
}

// New creates an empty Registry.
//
// Precondition: log, book, dice and logger must be non-nil.
func New(log eventlog.Store, book *rules.Book, dice room.Roller, cfg room.Config, logger *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		book:    book,
		dice:    dice,
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		rooms:   make(map[string]*room.Room),
		retired: make(map[string]*room.Room),
	}
}

// GetOrCreate returns the live room for id, opening it from the log (which
// may be empty) when none is live. Concurrent first references share one
// Open.
func (g *Registry) GetOrCreate(ctx context.Context, id string) (*room.Room, error) {
	if r := g.live(id); r != nil {
		return r, nil
	}
	return g.open(ctx, id)
}

// Get returns the live room for id. A room that is not live but has events
// in the log is rebuilt; a room with an empty log returns ErrRoomNotFound.
func (g *Registry) Get(ctx context.Context, id string) (*room.Room, error) {
	if r := g.live(id); r != nil {
		return r, nil
	}
	last, err := g.log.LastSeq(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up room %q: %w", id, err)
	}
	if last == 0 {
		return nil, fmt.Errorf("room %q: %w", id, event.ErrRoomNotFound)
	}
	return g.open(ctx, id)
}

// Close tears down room id's in-memory state. Its log is kept, so a later
// reference rebuilds it. It reports whether a live room was closed.
func (g *Registry) Close(id string) bool {
	g.mu.Lock()
	r, ok := g.rooms[id]
	if ok {
		g.retireLocked(r)
	}
	g.mu.Unlock()
	if ok {
		g.finishClose(r)
	}
	return ok
}

// CloseAll closes every live room.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	rooms := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
		g.retireLocked(r)
	}
	g.mu.Unlock()
	for _, r := range rooms {
		g.finishClose(r)
	}
}

// EvictIdle closes rooms with no subscribers that have been inactive for at
// least maxIdle and returns their ids.
func (g *Registry) EvictIdle(maxIdle time.Duration) []string {
	cutoff := g.clock().Add(-maxIdle)

	g.mu.Lock()
	var evicted []*room.Room
	for _, r := range g.rooms {
		if r.Subscribers() == 0 && !r.LastActive().After(cutoff) {
			evicted = append(evicted, r)
			g.retireLocked(r)
		}
	}
	g.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, r := range evicted {
		g.finishClose(r)
		ids = append(ids, r.ID())
	}
	if len(ids) > 0 {
		g.logger.Info("evicted idle rooms", zap.Strings("rooms", ids), zap.Duration("max_idle", maxIdle))
	}
	return ids
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// live returns the healthy live room for id. A faulted room is dropped so the
// next open rebuilds it from the log.
func (g *Registry) live(id string) *room.Room {
	g.mu.RLock()
	r, ok := g.rooms[id]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	if !r.Faulted() && !r.Closed() {
		return r
	}

	g.mu.Lock()
	if g.rooms[id] == r {
		g.retireLocked(r)
	}
	g.mu.Unlock()
	g.finishClose(r)
	g.logger.Warn("discarded unusable room", zap.String("room", id), zap.Bool("faulted", r.Faulted()))
	return nil
}

// retireLocked moves r from rooms to retired. g.mu must be held.
func (g *Registry) retireLocked(r *room.Room) {
	delete(g.rooms, r.ID())
	g.retired[r.ID()] = r
}

// finishClose closes r, waiting for any command it is running, and forgets it.
func (g *Registry) finishClose(r *room.Room) {
	r.Close()
	g.mu.Lock()
	if g.retired[r.ID()] == r {
		delete(g.retired, r.ID())
	}
	g.mu.Unlock()
}

func (g *Registry) open(ctx context.Context, id string) (*room.Room, error) {
	v, err, _ := g.group.Do(id, func() (any, error) {
		if r := g.live(id); r != nil {
			return r, nil
		}
		g.mu.RLock()
		old := g.retired[id]
		g.mu.RUnlock()
		if old != nil {
			// The old instance may still be appending.
			g.finishClose(old)
		}
		// Detached from any one caller's cancellation because callers share it.
		r, err := room.Open(context.WithoutCancel(ctx), id, room.Deps{
			Log:    g.log,
			Rules:  g.book.For(id),
			Dice:   g.dice,
			Logger: g.logger,
			Clock:  g.clock,
		}, g.cfg)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.rooms[id] = r
		g.mu.Unlock()
		g.logger.Debug("room opened", zap.String("room", id))
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("opening room %q: %w", id, err)
	}
	return v.(*room.Room), nil
}
