// Package ws streams origin events to WebSocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Commands need an API key; the stream is read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Config is reported to clients in the hello message.
type Config struct {
	Mode      string
	Channel   string
	StartedAt time.Time
}

// envelope is every frame the hub sends.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// filterMsg changes which users a client follows. An empty set follows all.
type filterMsg struct {
	Action string   `json:"action"`
	Users  []string `json:"users"`
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	users map[string]bool
}

type broadcastMsg struct {
	user string
	data []byte
}

// Hub relays events from the bus's event channel to every connected client
// that follows the event's user.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

// NewHub creates a Hub. An empty channel uses bridge.EventChannel.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = bridge.EventChannel
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the event channel and serves clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgs, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws hub started", slog.String("channel", h.cfg.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.DebugContext(ctx, "client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.DebugContext(ctx, "client disconnected", slog.Int("clients", n))

		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			h.relay(ctx, payload)
		}
	}
}

func (h *Hub) relay(ctx context.Context, payload []byte) {
	ev, err := bridge.DecodeEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "dropping undecodable event", slog.String("error", err.Error()))
		return
	}
	frame, err := sonnet.Marshal(envelope{Type: "event", Payload: ev})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(ev.User) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.WarnContext(ctx, "dropping event for slow client", slog.String("user", ev.User))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. A "user" query
// parameter pre-sets the filter.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		users: make(map[string]bool),
	}
	for _, u := range r.URL.Query()["user"] {
		c.users[strings.ToLower(u)] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	c.hello()

	go c.writePump()
	go c.readPump()
}

func (c *client) follows(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users) == 0 || c.users[strings.ToLower(user)]
}

func (c *client) applyFilter(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, u := range msg.Users {
			c.users[strings.ToLower(u)] = true
		}
	case "unsubscribe":
		for _, u := range msg.Users {
			delete(c.users, strings.ToLower(u))
		}
	}
}

func (c *client) hello() {
	uptime := int64(time.Since(c.hub.cfg.StartedAt).Seconds())
	frame, err := sonnet.Marshal(envelope{Type: "hello", Payload: map[string]any{
		"mode":           c.hub.cfg.Mode,
		"uptime_seconds": max(uptime, 0),
	}})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if sonnet.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.applyFilter(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
