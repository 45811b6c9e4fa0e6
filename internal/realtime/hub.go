// Package realtime streams trade lifecycle events to the parties of each
// trade over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/p2pdesk/internal/metrics"
)

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000
	// MaxClientsPerUser caps tabs/devices per user.
	MaxClientsPerUser = 8

	queueSize      = 256
	sendBufferSize = 64
	maxMessageSize = 4 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	writeWait      = 10 * time.Second
)

var expectedCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a trade lifecycle event.
type EventType string

const (
	EventTradeCreated    EventType = "trade_created"
	EventEscrowLocked    EventType = "escrow_locked"
	EventPaymentMarked   EventType = "payment_marked"
	EventTradeCompleted  EventType = "trade_completed"
	EventTradeCancelled  EventType = "trade_cancelled"
	EventDisputeOpened   EventType = "dispute_opened"
	EventDisputeResolved EventType = "dispute_resolved"
)

// Event is a message pushed to connected users. Only Users receive it.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   string    `json:"tradeId,omitempty"`
	Users     []string  `json:"-"`
	Data      any       `json:"data"`
}

// Subscription narrows what a connection receives. Empty fields match
// everything addressed to the connection's user.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	TradeIDs   []string    `json:"tradeIds"`
}

func (s Subscription) matches(ev *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	return len(s.TradeIDs) == 0 || slices.Contains(s.TradeIDs, ev.TradeID)
}

// Client is one WebSocket connection of a user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int   `json:"connections"`
	Users       int   `json:"users"`
	Delivered   int64 `json:"delivered"`
	Peak        int64 `json:"peak"`
}

// Hub fans trade events out to the connections of the users they name.
// Connections are indexed by user so an event costs one lookup per party.
type Hub struct {
	logger *slog.Logger

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}
	count  int

	maxClients int
	delivered  atomic.Int64
	peak       atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger.With("component", "realtime"),
		broadcast:  make(chan *Event, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		maxClients: MaxClients,
	}
}

// Run owns connection membership until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.byUser {
				for c := range conns {
					close(c.send) // writePump sends the close frame
				}
			}
			h.byUser = make(map[string]map[*Client]struct{})
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			h.remove(c)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	conns := h.byUser[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.byUser[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()

	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("subscriber connected", "user", c.userID, "connections", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.dropLocked(c)
	n := h.count
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// dropLocked forgets c and closes its queue. Callers hold h.mu.
func (h *Hub) dropLocked(c *Client) {
	conns, ok := h.byUser[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byUser, c.userID)
	}
	h.count--
	close(c.send)
}

func (h *Hub) deliver(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("unencodable event", "type", ev.Type, "tradeId", ev.TradeID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, user := range ev.Users {
		for c := range h.byUser[user] {
			if !c.subscription().matches(ev) {
				continue
			}
			select {
			case c.send <- payload:
				h.delivered.Add(1)
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", "user", c.userID)
		h.dropLocked(c)
	}
	n := h.count
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event. It never blocks; a full queue drops the event.
func (h *Hub) Broadcast(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		metrics.WebSocketEventsDropped.Inc()
		h.logger.Warn("event queue full, dropping event", "type", ev.Type, "tradeId", ev.TradeID)
	}
}

// Stats reports current connections and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: h.count,
		Users:       len(h.byUser),
		Delivered:   h.delivered.Load(),
		Peak:        h.peak.Load(),
	}
}

// Handler upgrades the caller's request. The identity middleware must have
// set "userID".
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "X-User-ID header required"})
			return
		}
		h.HandleWebSocket(c.Writer, c.Request, userID)
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.count, len(h.byUser[userID])
	h.mu.RUnlock()
	if total >= h.maxClients || mine >= MaxClientsPerUser {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, userID: userID, send: make(chan []byte, sendBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates until the connection fails.
func (c *Client) readPump() {
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
		var sub Subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue // ignore malformed subscriptions, keep the connection
			}
			if !websocket.IsCloseError(err, expectedCloseCodes...) {
				c.hub.logger.Debug("websocket read ended", "user", c.userID, "error", err)
			}
			return
		}
		c.subscribe(sub)
	}
}

// writePump drains the send queue and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
