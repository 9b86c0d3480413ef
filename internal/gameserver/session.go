package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/game/fanout"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
)

// DefaultOutboxSize is the capacity of a session's outgoing frame queue.
const DefaultOutboxSize = 64

const finalWriteTimeout = time.Second

// errSessionEnded ends the errgroup when the subscription ends without error.
var errSessionEnded = errors.New("session ended")

type subscription struct {
	room *room.Room
	sub  *fanout.Subscription
}

// Session serves one connection bound to one room.
//
// Three goroutines run per session: readLoop decodes and submits commands,
// streamLoop forwards the room's stream and writeLoop owns the transport's
// write side. Command replies that are not broadcast (errors and duplicates)
// go to this connection only.
type Session struct {
	id        string
	roomID    string
	after     uint64
	router    *Router
	transport Transport
	logger    *zap.Logger

	outbox chan []byte
	subCh  chan subscription
}

// NewSession creates a session for roomID. after is the highest seq the
// client has already seen (0 for a fresh client).
//
// Precondition: router, transport and logger must be non-nil.
func NewSession(roomID string, after uint64, router *Router, transport Transport, outboxSize int, logger *zap.Logger) *Session {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		roomID:    roomID,
		after:     after,
		router:    router,
		transport: transport,
		logger:    logger.With(zap.String("session", id), zap.String("room", roomID)),
		outbox:    make(chan []byte, outboxSize),
		subCh:     make(chan subscription, 1),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until the client goes away, the subscription
// is dropped or ctx ends. The transport is closed on return.
func (s *Session) Run(ctx context.Context) error {
	subscribed := false
	rm, sub, err := s.router.Subscribe(ctx, s.roomID, s.after)
	switch {
	case err == nil:
		s.subCh <- subscription{room: rm, sub: sub}
		subscribed = true
	case errors.Is(err, event.ErrRoomNotFound):
		// Subscribe once the first command has created the room.
	default:
		s.closeWith(err)
		return err
	}

	s.logger.Info("session started", zap.Uint64("after", s.after), zap.Bool("subscribed", subscribed))

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.readLoop(gctx, subscribed) })
	eg.Go(func() error { return s.writeLoop(gctx) })
	eg.Go(func() error { return s.streamLoop(gctx) })
	err = eg.Wait()

	// A subscription handed over after streamLoop exited.
	select {
	case pending := <-s.subCh:
		pending.room.Unsubscribe(pending.sub)
	default:
	}

	s.closeWith(err)
	if errors.Is(err, errSessionEnded) || isClientGone(err) {
		err = nil
	}
	s.logger.Info("session ended", zap.Error(err))
	return err
}

func (s *Session) readLoop(ctx context.Context, subscribed bool) error {
	for {
		data, err := s.transport.Read(ctx)
		if err != nil {
			return err
		}
		cmd, err := DecodeCommand(data)
		if err != nil {
			if err := s.send(ctx, EncodeError(err, "")); err != nil {
				return err
			}
			continue
		}

		res, err := s.router.Submit(ctx, s.roomID, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.send(ctx, EncodeError(err, cmd.EventID)); err != nil {
				return err
			}
			continue
		}

		if res.Duplicate {
			data, err := EncodeEvent(res.Event)
			if err != nil {
				return err
			}
			if err := s.send(ctx, data); err != nil {
				return err
			}
		}

		if !subscribed {
			rm, sub, err := s.router.Subscribe(ctx, s.roomID, s.after)
			if err != nil {
				return fmt.Errorf("subscribing after first command: %w", err)
			}
			s.subCh <- subscription{room: rm, sub: sub}
			subscribed = true
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.outbox:
			if err := s.transport.Write(ctx, data); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

// streamLoop forwards catch-up then live events. When the room is closed
// under it, it resubscribes from the last seq it forwarded.
func (s *Session) streamLoop(ctx context.Context) error {
	var cur subscription
	select {
	case <-ctx.Done():
		return ctx.Err()
	case cur = <-s.subCh:
	}

	last := s.after
	for {
		err := s.forward(ctx, cur.sub, &last)
		cur.room.Unsubscribe(cur.sub)
		if !errors.Is(err, event.ErrRoomClosed) || ctx.Err() != nil {
			return err
		}
		s.logger.Debug("room closed under subscription, resubscribing", zap.Uint64("after", last))
		rm, sub, subErr := s.router.Subscribe(ctx, s.roomID, last)
		if subErr != nil {
			return subErr
		}
		cur = subscription{room: rm, sub: sub}
	}
}

func (s *Session) forward(ctx context.Context, sub *fanout.Subscription, last *uint64) error {
	emit := func(evt event.Event) error {
		if evt.Seq <= *last {
			return nil
		}
		data, err := EncodeEvent(evt)
		if err != nil {
			return err
		}
		// A stalled writer must not hide an overflow of the live queue.
		select {
		case s.outbox <- data:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return errSessionEnded
		}
		*last = evt.Seq
		return nil
	}

	for evt, err := range sub.Replay(ctx) {
		if err != nil {
			return err
		}
		if err := emit(evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-sub.Live():
			if err := emit(evt); err != nil {
				return err
			}
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return errSessionEnded
		}
	}
}

func (s *Session) send(ctx context.Context, data []byte) error {
	select {
	case s.outbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeWith closes the transport with a status derived from err. For
// errors a client should see, a final error frame is written first.
func (s *Session) closeWith(err error) {
	code, reason := websocket.StatusNormalClosure, ""
	switch {
	case err == nil, errors.Is(err, errSessionEnded), isClientGone(err):
	case errors.Is(err, context.Canceled):
		code, reason = websocket.StatusGoingAway, "server shutting down"
	case errors.Is(err, event.ErrSubscriberOverflow):
		code, reason = websocket.StatusTryAgainLater, string(event.CodeSubscriberOverflow)
		s.writeFinal(err)
	case errors.Is(err, event.ErrResumeAhead):
		code, reason = websocket.StatusPolicyViolation, string(event.CodeResumeAhead)
		s.writeFinal(err)
	default:
		code, reason = websocket.StatusInternalError, string(ErrorCode(err))
		s.writeFinal(err)
	}
	if cErr := s.transport.Close(code, reason); cErr != nil {
		s.logger.Debug("closing transport", zap.Error(cErr))
	}
}

func (s *Session) writeFinal(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	if wErr := s.transport.Write(ctx, EncodeError(err, "")); wErr != nil {
		s.logger.Debug("writing final error frame", zap.Error(wErr))
	}
}

func isClientGone(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
