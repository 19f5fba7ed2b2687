// Package ws pushes reconciliation events from the signal bus to websocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
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
	// Origin policy is enforced by the CORS and auth middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one websocket connection. An empty types set receives every
// event.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	types map[domain.EventType]bool
	trade string
}

// filterMsg narrows the events a client receives:
// {"types":["order_filled","ledger_written"],"trade_id":"T1"}.
type filterMsg struct {
	Types   []domain.EventType `json:"types"`
	TradeID string             `json:"trade_id"`
}

type delivery struct {
	ev   domain.Event
	data []byte
}

// Config is reported to clients in the hello message.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans bus events out to connected clients.
type Hub struct {
	bus        domain.SignalBus
	logger     *slog.Logger
	cfg        Config
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan delivery
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub reading domain.EventChannel from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		cfg:        cfg,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the bus and serves clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgs, err := h.bus.Subscribe(ctx, domain.EventChannel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case payload, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			ev, err := events.Decode(payload)
			if err != nil {
				h.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			h.fanOut(delivery{ev: ev, data: payload})

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))
		}
	}
}

func (h *Hub) fanOut(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(d.ev) {
			continue
		}
		select {
		case c.send <- d.data:
		default:
			h.logger.Warn("dropping event for slow client", slog.String("type", string(d.ev.Type)))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		types: make(map[domain.EventType]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.hello()

	go c.writePump()
	go c.readPump()
}

func (c *client) wants(ev domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) > 0 && !c.types[ev.Type] {
		return false
	}
	return c.trade == "" || c.trade == ev.TradeID
}

func (c *client) setFilter(f filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = make(map[domain.EventType]bool, len(f.Types))
	for _, t := range f.Types {
		c.types[t] = true
	}
	c.trade = f.TradeID
}

func (c *client) hello() {
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"detail": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"uptime_seconds": int64(time.Since(c.hub.cfg.StartedAt).Seconds()),
		},
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var f filterMsg
		if err := json.Unmarshal(message, &f); err == nil {
			c.setFilter(f)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
