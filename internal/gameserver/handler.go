package gameserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	// ReadLimit caps the size of one incoming frame in bytes.
	ReadLimit int64
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// OutboxSize is each session's outgoing frame queue capacity.
	OutboxSize int
	// OriginPatterns lists the origins allowed to connect besides the
	// server's own host.
	OriginPatterns []string
}

// Handler serves GET /ws?room=<id>&after=<seq> and GET /healthz.
type Handler struct {
	router *Router
	cfg    HandlerConfig
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler creates the HTTP handler for the websocket endpoint.
//
// Precondition: router and logger must be non-nil.
func NewHandler(router *Router, cfg HandlerConfig, logger *zap.Logger) *Handler {
	h := &Handler{router: router, cfg: cfg, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /ws", h.serveWS)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("room")
	if err := event.ValidateRoomID(roomID); err != nil {
		http.Error(w, "room query parameter must be non-blank UTF-8 without NUL", http.StatusBadRequest)
		return
	}
	var after uint64
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		after = v
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	session := NewSession(roomID, after, h.router, NewTransport(conn, h.cfg.WriteTimeout), h.cfg.OutboxSize, h.logger)
	h.logger.Debug("accepted connection",
		zap.String("session", session.ID()),
		zap.String("room", roomID),
		zap.String("remote", r.RemoteAddr),
	)
	if err := session.Run(r.Context()); err != nil {
		h.logger.Warn("session failed", zap.String("session", session.ID()), zap.Error(err))
	}
}
