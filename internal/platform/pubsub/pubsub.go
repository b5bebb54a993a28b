// Package pubsub is the transport boundary for live form sessions. A
// Connector attaches to a named channel; the returned Channel publishes named
// events and dispatches inbound events to per-name handlers.
//
// Backends: an in-process Broker, a WebSocket client for the intake hub,
// Redis pub/sub and MQTT. All remote backends share the Message wire shape.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotConnected is returned by Publish while the channel is down or
	// after Close. Callers surface it as a connectivity problem; it is never
	// retried by this package.
	ErrNotConnected = errors.New("pubsub: channel not connected")

	// ErrAuthUnavailable means no channel credential could be obtained.
	ErrAuthUnavailable = errors.New("pubsub: unable to obtain channel credential")
)

// Message is one event on a channel. It is also the JSON envelope used on
// the wire by the remote backends.
type Message struct {
	Topic     string          `json:"topic,omitempty"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives inbound messages for one event name.
type Handler func(Message)

// Channel is a connected pub/sub channel.
type Channel interface {
	// Publish sends payload under the event name. Payload is JSON encoded
	// unless it already is a json.RawMessage.
	Publish(ctx context.Context, event string, payload any) error
	// Subscribe registers handler for inbound events with the given name.
	Subscribe(event string, handler Handler) error
	// Unsubscribe drops every handler registered for the event name.
	Unsubscribe(event string) error
	// Connected reports the current connectivity of the channel.
	Connected() bool
	// Close releases the channel. Calling it more than once is a no-op.
	Close() error
}

// Connector attaches to a named channel.
type Connector interface {
	Connect(ctx context.Context, channel string) (Channel, error)
}

// encodePayload turns a publish payload into raw JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// registry keeps handlers per event name. Dispatch runs handlers without
// holding the lock so a handler may subscribe or unsubscribe.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]Handler)}
}

func (r *registry) add(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

// remove reports whether the event had any handlers.
func (r *registry) remove(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[event]
	delete(r.handlers, event)
	return ok
}

func (r *registry) events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

func (r *registry) dispatch(msg Message) {
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[msg.Name]...)
	r.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
}
