// Package gameserver binds the room core to clients: it routes decoded
// commands to rooms and runs one websocket session per connection.
package gameserver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/fanout"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
)

// Rooms resolves room ids to live rooms.
type Rooms interface {
	// GetOrCreate returns the room, creating it if needed.
	GetOrCreate(ctx context.Context, id string) (*room.Room, error)
	// Get returns the room or an error wrapping event.ErrRoomNotFound.
	Get(ctx context.Context, id string) (*room.Room, error)
}

// closedRetries bounds how often Submit re-resolves a room that was torn
// down between lookup and execution.
const closedRetries = 2

// Router is the command ingestion path shared by every connection.
type Router struct {
	rooms  Rooms
	logger *zap.Logger
}

// NewRouter creates a Router over rooms.
//
// Precondition: rooms and logger must be non-nil.
func NewRouter(rooms Rooms, logger *zap.Logger) *Router {
	return &Router{rooms: rooms, logger: logger}
}

// Submit validates cmd and executes it in roomID.
//
// JOIN creates the room on first reference; any other kind requires the room
// to exist. A command whose (client_id, event_id) was already processed
// returns the original event with Duplicate set and is not executed again.
//
// Postcondition: Returns a Result, or an error wrapping one of the event
// sentinel errors. A returned error means nothing was appended.
func (rt *Router) Submit(ctx context.Context, roomID string, cmd event.Command) (room.Result, error) {
	if err := event.ValidateRoomID(roomID); err != nil {
		return room.Result{}, err
	}
	if err := event.Validate(cmd); err != nil {
		return room.Result{}, err
	}

	var lastErr error
	for range closedRetries {
		res, err := rt.submit(ctx, roomID, cmd)
		if !errors.Is(err, event.ErrRoomClosed) {
			rt.log(roomID, cmd, res, err)
			return res, err
		}
		lastErr = err
	}
	rt.log(roomID, cmd, room.Result{}, lastErr)
	return room.Result{}, lastErr
}

func (rt *Router) submit(ctx context.Context, roomID string, cmd event.Command) (room.Result, error) {
	rm, err := rt.resolve(ctx, roomID, cmd.Kind)
	if err != nil {
		return room.Result{}, err
	}
	if err := rm.Rules().Limits().Check(cmd); err != nil {
		return room.Result{}, err
	}
	if evt, ok := rm.Lookup(cmd); ok {
		return room.Result{Event: evt, Duplicate: true}, nil
	}
	return rm.Execute(ctx, cmd)
}

// Subscribe attaches a subscriber to an existing room. after is the highest
// seq the subscriber has already seen.
func (rt *Router) Subscribe(ctx context.Context, roomID string, after uint64) (*room.Room, *fanout.Subscription, error) {
	if err := event.ValidateRoomID(roomID); err != nil {
		return nil, nil, err
	}
	for range closedRetries {
		rm, err := rt.rooms.Get(ctx, roomID)
		if err != nil {
			return nil, nil, err
		}
		sub, err := rm.Subscribe(ctx, after)
		if errors.Is(err, event.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return rm, sub, nil
	}
	return nil, nil, fmt.Errorf("room %q: %w", roomID, event.ErrRoomClosed)
}

func (rt *Router) resolve(ctx context.Context, roomID string, kind event.Kind) (*room.Room, error) {
	if kind == event.KindJoin {
		return rt.rooms.GetOrCreate(ctx, roomID)
	}
	return rt.rooms.Get(ctx, roomID)
}

func (rt *Router) log(roomID string, cmd event.Command, res room.Result, err error) {
	fields := []zap.Field{
		zap.String("room", roomID),
		zap.String("client", cmd.ClientID),
		zap.String("event_id", cmd.EventID),
		zap.String("command", string(cmd.Kind)),
	}
	switch code := event.CodeOf(err); {
	case err == nil && res.Duplicate:
		rt.logger.Debug("duplicate command", append(fields, zap.Uint64("seq", res.Event.Seq))...)
	case err == nil:
		rt.logger.Debug("command accepted", append(fields, zap.Uint64("seq", res.Event.Seq))...)
	case errors.Is(err, context.Canceled):
		rt.logger.Debug("command abandoned", fields...)
	case code == event.CodeInternalSequencingFault || code == event.CodeInternal:
		rt.logger.Error("command failed", append(fields, zap.Error(err))...)
	default:
		rt.logger.Debug("command rejected", append(fields, zap.String("code", string(code)), zap.Error(err))...)
	}
}
