package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Broker is an in-process pub/sub fabric. Delivery is synchronous: Publish
// returns after every subscriber's handlers ran, which keeps per-publisher
// ordering trivially intact.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]map[*memoryChannel]struct{}
	offline  bool
	seq      int
	now      func() time.Time
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{
		channels: make(map[string]map[*memoryChannel]struct{}),
		now:      time.Now,
	}
}

// SetOnline toggles connectivity for every channel of the broker. While
// offline, Publish fails with ErrNotConnected.
func (b *Broker) SetOnline(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = !online
}

// Connect attaches a new client to the named channel.
func (b *Broker) Connect(_ context.Context, channel string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ch := &memoryChannel{
		broker:   b,
		name:     channel,
		clientID: fmt.Sprintf("memory-%d", b.seq),
		handlers: newRegistry(),
	}
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[*memoryChannel]struct{})
	}
	b.channels[channel][ch] = struct{}{}
	return ch, nil
}

// Subscribers returns the number of open clients on the named channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func (b *Broker) deliver(from *memoryChannel, msg Message) error {
	b.mu.RLock()
	if b.offline {
		b.mu.RUnlock()
		return ErrNotConnected
	}
	if _, ok := b.channels[from.name][from]; !ok {
		b.mu.RUnlock()
		return ErrNotConnected
	}
	targets := make([]*memoryChannel, 0, len(b.channels[from.name]))
	for ch := range b.channels[from.name] {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		ch.handlers.dispatch(msg)
	}
	return nil
}

func (b *Broker) detach(ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[ch.name]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.channels, ch.name)
		}
	}
}

type memoryChannel struct {
	broker    *Broker
	name      string
	clientID  string
	handlers  *registry
	closeOnce sync.Once
}

func (c *memoryChannel) Publish(_ context.Context, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := Message{
		Topic:     c.name,
		Name:      event,
		Data:      data,
		ClientID:  c.clientID,
		Timestamp: c.broker.now().UTC(),
	}
	if err := c.broker.deliver(c, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (c *memoryChannel) Subscribe(event string, handler Handler) error {
	c.handlers.add(event, handler)
	return nil
}

func (c *memoryChannel) Unsubscribe(event string) error {
	c.handlers.remove(event)
	return nil
}

func (c *memoryChannel) Connected() bool {
	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	if c.broker.offline {
		return false
	}
	_, ok := c.broker.channels[c.name][c]
	return ok
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() { c.broker.detach(c) })
	return nil
}
