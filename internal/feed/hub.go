// Package feed streams vault events to websocket subscribers.
package feed

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/internal/metrics"
	"github.com/Checker-Finance/vault-ledger/pkg/eventbus"
	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

const (
	sink         = "websocket"
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	sendBuffer   = 64
)

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	asset string // empty means every asset
}

// wants reports whether ev passes the client's asset filter. Events without
// an asset (admin changes) always pass.
func (c *client) wants(ev model.VaultEvent) bool {
	return c.asset == "" || ev.Asset == "" || ev.Asset == c.asset
}

// Hub fans vault events out to connected websocket clients. A client that
// cannot keep up is disconnected.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Attach subscribes the hub to every event on the bus.
func (h *Hub) Attach(bus *eventbus.Bus[model.VaultEvent]) {
	bus.Subscribe(eventbus.Wildcard, func(_ string, ev model.VaultEvent) { h.Broadcast(ev) })
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues ev for every interested client.
func (h *Hub) Broadcast(ev model.VaultEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.IncError("feed", "marshal_failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
			metrics.IncEvent(sink, "ok")
		default:
			metrics.IncEvent(sink, "dropped")
			h.logger.Warn("feed.client.too_slow", zap.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// The optional "asset" query parameter restricts the stream to one symbol.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed.upgrade_failed", zap.Error(err))
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		asset: strings.ToUpper(r.URL.Query().Get("asset")),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("feed.client.connected", zap.String("remote", conn.RemoteAddr().String()), zap.String("asset", c.asset))

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		h.logger.Info("feed.client.disconnected", zap.String("remote", c.conn.RemoteAddr().String()))
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("feed.client.read_error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
