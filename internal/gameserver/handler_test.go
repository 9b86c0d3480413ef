package gameserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	rt, _, _ := testRouter(t, nil)
	srv := httptest.NewServer(NewHandler(rt, HandlerConfig{ReadLimit: 1 << 16, WriteTimeout: time.Second}, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, clientID, query string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{t: t, conn: conn, id: clientID}
}

func (c *wsClient) send(eventID string, kind event.Kind, payload string) {
	c.t.Helper()
	data, err := EncodeCommand(event.Command{ClientID: c.id, EventID: eventID, Kind: kind, Payload: json.RawMessage(payload)})
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *wsClient) sendRaw(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// next reads one frame and returns its type with the raw bytes.
func (c *wsClient) next() (string, []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(c.t, json.Unmarshal(data, &head))
	return head.Type, data
}

func (c *wsClient) nextEvent() EventEnvelope {
	c.t.Helper()
	typ, data := c.next()
	require.Equal(c.t, TypeEvent, typ, string(data))
	var env EventEnvelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env
}

func (c *wsClient) nextError() ErrorEnvelope {
	c.t.Helper()
	typ, data := c.next()
	require.Equal(c.t, TypeError, typ, string(data))
	var env ErrorEnvelope
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env
}

func TestHandler_EndToEnd(t *testing.T) {
	srv := testServer(t)

	alice := dial(t, srv, "A", "room=table-1")
	alice.send("j1", event.KindJoin, `{"name":"Alice"}`)
	joined := alice.nextEvent()
	assert.Equal(t, uint64(1), joined.Seq)
	assert.Equal(t, event.KindJoin, joined.EventType)

	bob := dial(t, srv, "B", "room=table-1")
	assert.Equal(t, uint64(1), bob.nextEvent().Seq, "late joiner is caught up")

	alice.send("r1", event.KindRollDice, `{"sides":20}`)
	rollA := alice.nextEvent()
	rollB := bob.nextEvent()
	assert.Equal(t, uint64(2), rollA.Seq)
	assert.JSONEq(t, string(rollA.Payload), string(rollB.Payload))
	var roll event.RollDiceEvent
	require.NoError(t, json.Unmarshal(rollA.Payload, &roll))
	assert.GreaterOrEqual(t, roll.Result, 1)
	assert.LessOrEqual(t, roll.Result, 20)

	// The retry is answered to the sender only.
	alice.send("r1", event.KindRollDice, `{"sides":20}`)
	dup := alice.nextEvent()
	assert.Equal(t, rollA.Seq, dup.Seq)
	assert.JSONEq(t, string(rollA.Payload), string(dup.Payload))

	alice.send("h1", event.KindSetHP, `{"target_id":"ghost","delta":-5}`)
	failed := alice.nextError()
	assert.Equal(t, event.CodeUnknownTarget, failed.Code)
	assert.Equal(t, "h1", failed.EventID)

	alice.send("c1", event.KindChat, `{"text":"hello"}`)
	assert.Equal(t, uint64(3), alice.nextEvent().Seq)
	assert.Equal(t, uint64(3), bob.nextEvent().Seq, "bob saw neither the duplicate nor the error")
}

func TestHandler_ReconnectCatchUp(t *testing.T) {
	srv := testServer(t)
	alice := dial(t, srv, "A", "room=r")
	alice.send("j", event.KindJoin, `{"name":"Alice"}`)
	alice.nextEvent()
	for i := range 4 {
		alice.send(fmt.Sprintf("c%d", i), event.KindChat, `{"text":"x"}`)
		alice.nextEvent()
	}

	again := dial(t, srv, "A", "room=r&after=3")
	assert.Equal(t, uint64(4), again.nextEvent().Seq)
	assert.Equal(t, uint64(5), again.nextEvent().Seq)

	alice.send("m", event.KindMoveToken, `{"token_id":"t","x":1,"y":1}`)
	assert.Equal(t, uint64(6), again.nextEvent().Seq)
}

func TestHandler_ResumeAheadOfRestartedLog(t *testing.T) {
	srv := testServer(t)

	// The client last saw seq 5 before the server lost its log.
	stale := dial(t, srv, "A", "room=r&after=5")
	stale.send("j", event.KindJoin, `{"name":"Alice"}`)
	assert.Equal(t, event.CodeResumeAhead, stale.nextError().Code)

	fresh := dial(t, srv, "A", "room=r")
	evt := fresh.nextEvent()
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Equal(t, "j", evt.EventID)

	ahead := dial(t, srv, "B", "room=r&after=2")
	assert.Equal(t, event.CodeResumeAhead, ahead.nextError().Code)
}

func TestHandler_NonJoinOnUnknownRoom(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv, "A", "room=nowhere")
	c.send("1", event.KindChat, `{"text":"hello?"}`)
	assert.Equal(t, event.CodeRoomNotFound, c.nextError().Code)
}

func TestHandler_InvalidFrames(t *testing.T) {
	srv := testServer(t)
	c := dial(t, srv, "A", "room=r")

	c.sendRaw([]byte(`not json`))
	assert.Equal(t, event.CodeInvalidMessage, c.nextError().Code)

	c.send("1", event.Kind("FIREBALL"), `{}`)
	assert.Equal(t, event.CodeUnsupportedCommand, c.nextError().Code)

	c.send("2", event.KindRollDice, `{"sides":1}`)
	assert.Equal(t, event.CodeInvalidPayload, c.nextError().Code)
}

func TestHandler_BadRequests(t *testing.T) {
	srv := testServer(t)
	for _, path := range []string{
		"/ws",
		"/ws?room=r&after=-1",
		"/ws?room=r&after=abc",
		"/ws?room=%20%20",
		"/ws?room=table%00",
		"/ws?room=table%FF",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestHandler_Healthz(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
