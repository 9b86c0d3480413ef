package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
	"github.com/P0W3R97/dnd-tabletop/internal/gameserver"
)

// ErrQuit is returned by Session when the user asked to leave.
var ErrQuit = errors.New("quit")

type pendingCommand struct {
	eventID string
	frame   []byte
}

// Client is one participant. It survives reconnects: each Session resumes
// after the last seen seq and resends commands the server never answered,
// reusing their event ids.
type Client struct {
	endpoint string
	roomID   string
	clientID string
	out      io.Writer
	logger   *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
	pending []pendingCommand
}

// New creates a client for roomID on the websocket endpoint, e.g.
// "ws://localhost:8080/ws".
func New(endpoint, roomID, clientID string, out io.Writer, logger *zap.Logger) *Client {
	return &Client{endpoint: endpoint, roomID: roomID, clientID: clientID, out: out, logger: logger}
}

// ClientID returns the participant id sent with every command.
func (c *Client) ClientID() string {
	return c.clientID
}

// LastSeq returns the highest seq received so far.
func (c *Client) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Pending returns how many commands are still unanswered.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// URL returns the endpoint URL for the next connection.
func (c *Client) URL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room", c.roomID)
	if last := c.LastSeq(); last > 0 {
		q.Set("after", strconv.FormatUint(last, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Session connects once and runs until the connection drops, ctx ends, or
// a /quit line arrives on lines (ErrQuit).
func (c *Client) Session(ctx context.Context, lines <-chan string) error {
	target, err := c.URL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.CloseNow()
	c.logger.Debug("connected", zap.String("url", target))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receive(gctx, conn) })
	g.Go(func() error {
		if err := c.resend(gctx, conn); err != nil {
			return err
		}
		return c.sendLoop(gctx, conn, lines)
	})
	err = g.Wait()
	if errors.Is(err, ErrQuit) {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return err
}

func (c *Client) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		c.Handle(data)
	}
}

// Handle processes one server frame: it prints it, advances the last seen
// seq and settles the matching pending command.
func (c *Client) Handle(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		fmt.Fprintln(c.out, "<< invalid JSON from server >>")
		return
	}
	switch head.Type {
	case gameserver.TypeEvent:
		var env gameserver.EventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			fmt.Fprintln(c.out, "<< malformed event >>")
			return
		}
		c.mu.Lock()
		if env.Seq > c.lastSeq {
			c.lastSeq = env.Seq
		}
		c.settleLocked(env.EventID)
		c.mu.Unlock()
		fmt.Fprintf(c.out, "[seq=%d] %s %s\n", env.Seq, env.EventType, env.Payload)
	case gameserver.TypeError:
		var env gameserver.ErrorEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			fmt.Fprintln(c.out, "<< malformed error >>")
			return
		}
		c.mu.Lock()
		if env.EventID != "" {
			c.settleLocked(env.EventID)
		}
		if env.Code == event.CodeResumeAhead {
			// The room's log restarted; catch up from the beginning.
			c.lastSeq = 0
		}
		c.mu.Unlock()
		fmt.Fprintf(c.out, "ERROR (%s): %s\n", env.Code, env.Message)
	default:
		fmt.Fprintf(c.out, "<< unknown message: %s >>\n", data)
	}
}

func (c *Client) settleLocked(eventID string) {
	for i, p := range c.pending {
		if p.eventID == eventID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Prepare turns a parsed input into a command frame with a fresh event id
// and records it as pending.
func (c *Client) Prepare(in Input) ([]byte, error) {
	cmd := event.Command{
		ClientID: c.clientID,
		EventID:  uuid.NewString(),
		Kind:     in.Kind,
		Payload:  in.Payload,
	}
	frame, err := gameserver.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pending = append(c.pending, pendingCommand{eventID: cmd.EventID, frame: frame})
	c.mu.Unlock()
	return frame, nil
}

func (c *Client) resend(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	frames := make([][]byte, 0, len(c.pending))
	for _, p := range c.pending {
		frames = append(frames, p.frame)
	}
	c.mu.Unlock()
	for _, f := range frames {
		if err := conn.Write(ctx, websocket.MessageText, f); err != nil {
			return fmt.Errorf("resending: %w", err)
		}
	}
	if len(frames) > 0 {
		c.logger.Info("resent unacknowledged commands", zap.Int("count", len(frames)))
	}
	return nil
}

func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn, lines <-chan string) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return ErrQuit
			}
			line = l
		}

		in, err := ParseLine(line)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if in.Quit {
			return ErrQuit
		}
		if in.Kind == "" {
			continue
		}
		frame, err := c.Prepare(in)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("sending: %w", err)
		}
	}
}
