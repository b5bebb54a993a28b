// Package websocket relays live intake channels over WebSockets. It
// implements a hub-and-spoke pattern: clients subscribe to channel topics,
// publish named events to a topic, and receive every event published there.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/pubsub"
)

// ClientMessage represents an inbound frame from a WebSocket client.
type ClientMessage struct {
	Action string          `json:"action"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Name   string          `json:"name,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Observer is notified of every message the hub relays, after fan-out. It
// runs on the publisher's read path and must not block.
type Observer func(msg pubsub.Message)

// Hub tracks clients and their topic subscriptions. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // topic -> set of clients
	all       map[*Client]struct{}
	observers []Observer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// Observe registers an observer for relayed messages.
func (h *Hub) Observe(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from the hub, all topic subscriptions, and
// closes the client's Send channel. Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe dynamically adds topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage handles an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	case "publish":
		if msg.Topic == "" || msg.Name == "" {
			h.logger.Debug().Str("client_id", client.ID).Msg("publish without topic or name ignored")
			return
		}
		h.Broadcast(pubsub.Message{
			Topic:     msg.Topic,
			Name:      msg.Name,
			Data:      msg.Data,
			ClientID:  client.ID,
			Timestamp: h.now().UTC(),
		})
	default:
		h.logger.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("unknown action ignored")
	}
}

// Broadcast sends a message to all clients subscribed to its topic, in the
// order Broadcast is called for a given publisher.
func (h *Hub) Broadcast(msg pubsub.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}

	h.mu.RLock()
	for client := range h.clients[msg.Topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("event", msg.Name).Msg("client buffer full, dropping message")
		}
	}
	observers := append([]Observer(nil), h.observers...)
	h.mu.RUnlock()

	for _, o := range observers {
		o(msg)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler: Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

// TokenVerifier validates channel credentials presented on connect.
type TokenVerifier interface {
	Verify(token string) (*auth.ChannelClaims, error)
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new handler bound to the given Hub. allowedOrigins
// empty means any origin.
func NewHandler(hub *Hub, verifier TokenVerifier, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// RegisterRoutes registers the WebSocket endpoint.
func (wsh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect verifies the channel credential, upgrades the connection,
// registers the client with the hub, and starts read/write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
			token = strings.TrimSpace(h[len("bearer "):])
		}
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing channel token")
	}
	claims, err := wsh.verifier.Verify(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired channel token")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     claims.Subject,
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
		conn:   ws,
	}
	wsh.hub.Register(client)
	wsh.logger.Info().Str("client_id", client.ID).Msg("channel client connected")

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

// readPump reads frames from the connection and processes them.
func (wsh *Handler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
		wsh.logger.Info().Str("client_id", client.ID).Msg("channel client disconnected")
	}()

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump writes queued frames to the connection until Send is closed.
func (wsh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for frame := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
			return
		}
	}
}
