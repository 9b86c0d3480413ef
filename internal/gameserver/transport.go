package gameserver

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Transport is a message-oriented, bidirectional connection.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewTransport wraps a websocket connection. Writes are text frames bounded
// by writeTimeout when it is positive.
func NewTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
