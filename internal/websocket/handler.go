package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"renung/pkg/types"
)

// Messages sent in error events raised by the transport itself.
const (
	MsgMalformedFrame = "Malformed message"
	MsgServerBusy     = "Server busy, try again"
)

// Config holds transport timings and limits.
type Config struct {
	AllowedOrigins   []string // "*" allows any origin
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	FrameRate        float64 // frames per second per connection
	FrameBurst       int
	DisconnectWait   time.Duration
}

// DefaultConfig returns the heartbeat and flood guard defaults.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:   []string{"*"},
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        5 * time.Second,
		MaxMessageSize:   64 * 1024,
		FrameRate:        20,
		FrameBurst:       40,
		DisconnectWait:   5 * time.Second,
	}
}

// Dispatcher receives decoded frames and teardown notices in arrival order.
type Dispatcher interface {
	Submit(connectionID string, env types.Envelope) error
	Disconnect(ctx context.Context, connectionID string) error
}

// Gatekeeper decides whether a freshly upgraded connection is served.
type Gatekeeper interface {
	HandleConnect(connectionID string) bool
}

// Handler upgrades HTTP requests and pumps frames into the dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	gatekeeper Gatekeeper
	config     Config
	upgrader   websocket.Upgrader
	logger     *log.Logger

	dropped atomic.Uint64
}

// NewHandler creates a handler. gatekeeper may be nil.
func NewHandler(registry *Registry, dispatcher Dispatcher, gatekeeper Gatekeeper, cfg Config, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		gatekeeper: gatekeeper,
		config:     cfg,
		logger:     logger.WithPrefix("ws"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	return h
}

// DroppedFrames counts frames discarded by the flood guard.
func (h *Handler) DroppedFrames() uint64 {
	return h.dropped.Load()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || lo.Contains(h.config.AllowedOrigins, "*") {
		return true
	}
	return lo.ContainsBy(h.config.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimRight(allowed, "/"), origin)
	})
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := NewConnection(ws, h.config.WriteWait, h.logger)

	if h.gatekeeper != nil && !h.gatekeeper.HandleConnect(conn.ID()) {
		_ = conn.Close()
		return
	}
	if err := h.registry.RegisterConnection(conn); err != nil {
		h.logger.Error("register failed", "connection", conn.ID(), "err", err)
		_ = conn.Close()
		return
	}

	h.logger.Debug("connection opened", "connection", conn.ID(), "remote", conn.RemoteAddr())
	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer h.teardown(conn)

	ws := conn.conn
	if h.config.MaxMessageSize > 0 {
		ws.SetReadLimit(h.config.MaxMessageSize)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.pingLoop(conn)

	guard := rate.NewLimiter(rate.Limit(h.config.FrameRate), h.config.FrameBurst)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read failed", "connection", conn.ID(), "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !guard.Allow() {
			h.dropped.Add(1)
			h.logger.Debug("frame dropped by flood guard", "connection", conn.ID())
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.sendError(conn, "", MsgMalformedFrame)
			continue
		}

		if err := h.dispatcher.Submit(conn.ID(), env); err != nil {
			h.logger.Warn("event not queued", "connection", conn.ID(), "event", env.Event, "err", err)
			h.sendError(conn, env.Event, MsgServerBusy)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteWait)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) teardown(conn *Connection) {
	h.registry.UnregisterConnection(conn)
	_ = conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.DisconnectWait)
	defer cancel()
	if err := h.dispatcher.Disconnect(ctx, conn.ID()); err != nil {
		h.logger.Warn("disconnect not delivered", "connection", conn.ID(), "err", err)
	}
	h.logger.Debug("connection closed", "connection", conn.ID(), "duration", time.Since(conn.ConnectedAt()).Round(time.Millisecond))
}

func (h *Handler) sendError(conn *Connection, event, message string) {
	frame, err := encode(types.EventError, types.ErrorPayload{Message: message, Event: event})
	if err != nil {
		return
	}
	_ = conn.enqueue(frame)
}
