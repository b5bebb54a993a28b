package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRedisHealthInterval is how often an open channel pings Redis to
// refresh its connectivity.
const DefaultRedisHealthInterval = 5 * time.Second

// RedisConnector maps a channel onto one Redis pub/sub channel. Event names
// travel inside the Message envelope. go-redis re-establishes the pub/sub
// connection on its own after network failures.
type RedisConnector struct {
	client         *redis.Client
	logger         zerolog.Logger
	prefix         string
	healthInterval time.Duration
}

// NewRedisConnector creates a connector over an existing client. Redis
// channel names are prefix + channel.
func NewRedisConnector(client *redis.Client, prefix string, logger zerolog.Logger) *RedisConnector {
	return &RedisConnector{
		client:         client,
		prefix:         prefix,
		logger:         logger,
		healthInterval: DefaultRedisHealthInterval,
	}
}

// WithHealthInterval sets the ping interval for channels opened afterwards.
func (rc *RedisConnector) WithHealthInterval(d time.Duration) *RedisConnector {
	if d > 0 {
		rc.healthInterval = d
	}
	return rc
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Connect subscribes to the Redis channel and starts the receive loop.
func (rc *RedisConnector) Connect(ctx context.Context, channel string) (Channel, error) {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrNotConnected, err)
	}

	topic := rc.prefix + channel
	ps := rc.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s: %v", ErrNotConnected, topic, err)
	}

	ch := &redisChannel{
		client:   rc.client,
		ps:       ps,
		name:     channel,
		topic:    topic,
		clientID: "client-" + uuid.NewString(),
		handlers: newRegistry(),
		logger:   rc.logger.With().Str("transport", "redis").Str("channel", channel).Logger(),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	ch.connected.Store(true)
	go ch.listen()
	go ch.health(rc.healthInterval)
	return ch, nil
}

type redisChannel struct {
	client    *redis.Client
	ps        *redis.PubSub
	name      string
	topic     string
	clientID  string
	handlers  *registry
	logger    zerolog.Logger
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
}

// health pings Redis so a channel that only receives still notices when
// the server goes away, and when it comes back.
func (c *redisChannel) health(interval time.Duration) {
	defer close(c.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if c.connected.Swap(err == nil) != (err == nil) {
				if err != nil {
					c.logger.Warn().Err(err).Msg("redis unreachable")
				} else {
					c.logger.Info().Msg("redis reachable again")
				}
			}
		}
	}
}

func (c *redisChannel) listen() {
	defer close(c.done)
	for m := range c.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		c.connected.Store(true)
		c.handlers.dispatch(msg)
	}
}

func (c *redisChannel) Publish(ctx context.Context, event string, payload any) error {
	if c.closed.Load() {
		return fmt.Errorf("publish %s: %w", event, ErrNotConnected)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{
		Topic:     c.name,
		Name:      event,
		Data:      data,
		ClientID:  c.clientID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.client.Publish(ctx, c.topic, body).Err(); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("publish %s: %w: %v", event, ErrNotConnected, err)
	}
	c.connected.Store(true)
	return nil
}

func (c *redisChannel) Subscribe(event string, handler Handler) error {
	c.handlers.add(event, handler)
	return nil
}

func (c *redisChannel) Unsubscribe(event string) error {
	c.handlers.remove(event)
	return nil
}

func (c *redisChannel) Connected() bool {
	return !c.closed.Load() && c.connected.Load()
}

func (c *redisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.connected.Store(false)
		close(c.stop)
		<-c.stopped
		err = c.ps.Close()
		<-c.done
	})
	return err
}
