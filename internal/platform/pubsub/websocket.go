package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// hubRequest is the client-to-hub frame understood by the intake hub.
type hubRequest struct {
	Action string          `json:"action"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Name   string          `json:"name,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WebSocketConnector attaches to the intake hub. Every (re)connect fetches a
// fresh credential from the token source. After a dropped connection the
// channel redials with exponential backoff until closed.
type WebSocketConnector struct {
	serverURL  string
	tokens     TokenSource
	dialer     *gorillawebsocket.Dialer
	logger     zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	writeWait  time.Duration
}

// NewWebSocketConnector creates a connector for the hub at serverURL
// (http or https base URL of the intake server).
func NewWebSocketConnector(serverURL string, tokens TokenSource, logger zerolog.Logger) *WebSocketConnector {
	return &WebSocketConnector{
		serverURL:  strings.TrimRight(serverURL, "/"),
		tokens:     tokens,
		dialer:     gorillawebsocket.DefaultDialer,
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 15 * time.Second,
		writeWait:  10 * time.Second,
	}
}

// Connect obtains a credential, dials the hub and subscribes to the channel
// topic. A credential failure is returned as ErrAuthUnavailable.
func (wc *WebSocketConnector) Connect(ctx context.Context, channel string) (Channel, error) {
	conn, clientID, err := wc.dial(ctx, channel)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		connector: wc,
		name:      channel,
		clientID:  clientID,
		handlers:  newRegistry(),
		logger:    wc.logger.With().Str("transport", "websocket").Str("channel", channel).Logger(),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	ch.setConn(conn)
	go ch.run(conn)
	return ch, nil
}

func (wc *WebSocketConnector) dial(ctx context.Context, channel string) (*gorillawebsocket.Conn, string, error) {
	tok, err := wc.tokens.Token(ctx)
	if err != nil {
		return nil, "", err
	}

	endpoint, err := hubURL(wc.serverURL, tok.Token)
	if err != nil {
		return nil, "", err
	}

	conn, _, err := wc.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: dial hub: %v", ErrNotConnected, err)
	}

	sub := hubRequest{Action: "subscribe", Topics: []string{channel}}
	_ = conn.SetWriteDeadline(time.Now().Add(wc.writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("%w: subscribe %s: %v", ErrNotConnected, channel, err)
	}
	return conn, tok.ClientID, nil
}

func hubURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	connector *WebSocketConnector
	name      string
	handlers  *registry
	logger    zerolog.Logger

	mu       sync.Mutex // guards conn, clientID, writes
	conn     *gorillawebsocket.Conn
	clientID string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsChannel) setConn(conn *gorillawebsocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// run pumps inbound frames and redials after failures until the channel is
// closed.
func (c *wsChannel) run(conn *gorillawebsocket.Conn) {
	defer close(c.done)

	for {
		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("hub connection lost, reconnecting")

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

func (c *wsChannel) readLoop(conn *gorillawebsocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handlers.dispatch(msg)
	}
}

func (c *wsChannel) redial() (*gorillawebsocket.Conn, bool) {
	backoff := c.connector.minBackoff
	for {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, clientID, err := c.connector.dial(c.ctx, c.name)
		if err == nil {
			c.mu.Lock()
			if c.ctx.Err() != nil {
				c.mu.Unlock()
				conn.Close()
				return nil, false
			}
			c.conn = conn
			c.clientID = clientID
			c.mu.Unlock()
			c.logger.Info().Msg("hub connection restored")
			return conn, true
		}

		c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("hub reconnect failed")
		backoff *= 2
		if backoff > c.connector.maxBackoff {
			backoff = c.connector.maxBackoff
		}
	}
}

// Publish writes one frame. The write gives up at the earlier of ctx's
// deadline and the connector's write wait; a failed write drops the
// connection so the run loop redials.
func (c *wsChannel) Publish(ctx context.Context, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("publish %s: %w", event, ErrNotConnected)
	}
	deadline := time.Now().Add(c.connector.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	req := hubRequest{Action: "publish", Topic: c.name, Name: event, Data: data}
	if err := c.conn.WriteJSON(req); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("publish %s: %w: %v", event, ErrNotConnected, err)
	}
	return nil
}

func (c *wsChannel) Subscribe(event string, handler Handler) error {
	c.handlers.add(event, handler)
	return nil
}

func (c *wsChannel) Unsubscribe(event string) error {
	c.handlers.remove(event)
	return nil
}

func (c *wsChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
			c.conn.Close()
		}
		c.mu.Unlock()
		<-c.done
	})
	return nil
}
