// Package realtime streams dispute progress over WebSocket.
//
// The hub implements escrow.Notifier so every lifecycle notification reaches
// connected UI clients as it happens. A party only receives notifications
// addressed to them; arbitration staff receive all of them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
	"github.com/bruno-dias18/rivvlock-sub001/internal/metrics"
)

const (
	// DefaultMaxClients caps concurrent streams across all actors.
	DefaultMaxClients = 10000
	// DefaultMaxPerActor caps concurrent streams for a single actor.
	DefaultMaxPerActor = 5

	sendBuffer     = 64
	maxMessageSize = 16 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	writeWait      = 10 * time.Second
)

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

// Event is one frame sent to a client.
type Event struct {
	Type      escrow.NotificationType `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Data      escrow.Notification     `json:"data"`
}

// Subscription narrows what a client receives. Empty lists match everything
// the client may see. Clients send a new subscription as a JSON text frame at
// any time.
type Subscription struct {
	EventTypes     []escrow.NotificationType `json:"eventTypes"`
	DisputeIDs     []string                  `json:"disputeIds"`
	TransactionIDs []string                  `json:"transactionIds"`
}

func (s Subscription) matches(n *escrow.Notification) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, n.Type) {
		return false
	}
	if len(s.DisputeIDs) > 0 && !slices.Contains(s.DisputeIDs, n.DisputeID) {
		return false
	}
	if len(s.TransactionIDs) > 0 && !slices.Contains(s.TransactionIDs, n.TransactionID) {
		return false
	}
	return true
}

// Client is one WebSocket stream.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	actor escrow.Actor
	mu    sync.RWMutex
	sub   Subscription
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

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub owns the set of connected clients. All membership changes go through
// Run's goroutine.
type Hub struct {
	clients     map[*Client]struct{}
	perActor    map[string]int
	events      chan *Event
	register    chan *Client
	unregister  chan *Client
	mu          sync.RWMutex
	logger      *slog.Logger
	done        chan struct{}
	maxClients  int
	maxPerActor int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

var _ escrow.Notifier = (*Hub)(nil)

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		perActor:    make(map[string]int),
		events:      make(chan *Event, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		logger:      logger,
		done:        make(chan struct{}),
		maxClients:  DefaultMaxClients,
		maxPerActor: DefaultMaxPerActor,
	}
}

// WithLimits overrides the connection caps. Non-positive values keep the
// defaults.
func (h *Hub) WithLimits(maxClients, maxPerActor int) *Hub {
	if maxClients > 0 {
		h.maxClients = maxClients
	}
	if maxPerActor > 0 {
		h.maxPerActor = maxPerActor
	}
	return h
}

// Run processes registrations and fans out events until ctx is done, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.perActor[client.actor.ID]++
			n := len(h.clients)
			h.mu.Unlock()

			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream connected", "actor_id", client.actor.ID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream disconnected", "actor_id", client.actor.ID, "total", n)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

// deliver queues event on every client allowed to see it. A client whose
// buffer is full is disconnected rather than blocking the hub.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode stream event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !visible(client, event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			h.drop(client)
			h.dropped.Add(1)
			h.logger.Warn("dropping slow stream client", "actor_id", client.actor.ID)
		}
	}
	h.mu.Unlock()
}

// drop removes client and closes its send channel. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if h.perActor[client.actor.ID]--; h.perActor[client.actor.ID] <= 0 {
		delete(h.perActor, client.actor.ID)
	}
	close(client.send)
}

// visible applies recipient visibility, then the client's subscription.
func visible(client *Client, event *Event) bool {
	if !client.actor.Arbitrator && !slices.Contains(event.Data.Recipients, client.actor.ID) {
		return false
	}
	return client.subscription().matches(&event.Data)
}

// Notify implements escrow.Notifier. It never blocks; when the queue is full
// the event is dropped and logged.
func (h *Hub) Notify(_ context.Context, n escrow.Notification) {
	select {
	case h.events <- &Event{Type: n.Type, Timestamp: n.At, Data: n}:
	default:
		h.logger.Warn("stream queue full, dropping notification", "type", n.Type, "dispute_id", n.DisputeID)
	}
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedClients:   h.dropped.Load(),
	}
}

// RegisterProtectedRoutes mounts the stream. Stats are staff-only.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/stream", func(c *gin.Context) {
		h.ServeStream(c.Writer, c.Request, auth.Actor(c))
	})
	r.GET("/stream/stats", auth.RequireArbitrator(), func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Stats())
	})
}

// admit reports why actor may not open another stream, or "" when it may.
func (h *Hub) admit(actor escrow.Actor) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case len(h.clients) >= h.maxClients:
		return "too many connections"
	case h.perActor[actor.ID] >= h.maxPerActor:
		return "too many connections for actor"
	default:
		return ""
	}
}

// ServeStream upgrades the request and starts the client's pumps.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if reason := h.admit(actor); reason != "" {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), actor: actor}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription frames until the connection fails.
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("websocket read error", "actor_id", c.actor.ID, "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "actor_id", c.actor.ID)
			continue
		}
		c.subscribe(sub)
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
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
