package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTConfig holds broker settings for the MQTT backend.
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	QoS      byte
}

// MQTTConnector maps a channel onto one MQTT topic named after it. Event
// names travel inside the Message envelope so every event shares the
// broker's per-topic ordering. paho reconnects on its own; the subscription
// is restored from the on-connect handler.
type MQTTConnector struct {
	cfg       MQTTConfig
	logger    zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewMQTTConnector creates a connector for the configured broker.
func NewMQTTConnector(cfg MQTTConfig, logger zerolog.Logger) *MQTTConnector {
	return &MQTTConnector{cfg: cfg, logger: logger, newClient: mqtt.NewClient}
}

// Connect opens the broker connection.
func (mc *MQTTConnector) Connect(ctx context.Context, channel string) (Channel, error) {
	ch := &mqttChannel{
		name:     channel,
		clientID: "client-" + uuid.NewString(),
		qos:      mc.cfg.QoS,
		handlers: newRegistry(),
		logger:   mc.logger.With().Str("transport", "mqtt").Str("channel", channel).Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(mc.cfg.Broker)
	opts.SetClientID(ch.clientID)
	if mc.cfg.Username != "" {
		opts.SetUsername(mc.cfg.Username)
	}
	if mc.cfg.Password != "" {
		opts.SetPassword(mc.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) { ch.resubscribe() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ch.logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	ch.client = mc.newClient(opts)
	if err := waitToken(ctx, ch.client.Connect()); err != nil {
		return nil, fmt.Errorf("%w: mqtt connect %s: %v", ErrNotConnected, mc.cfg.Broker, err)
	}
	return ch, nil
}

type mqttChannel struct {
	client    mqtt.Client
	name      string
	clientID  string
	qos       byte
	handlers  *registry
	logger    zerolog.Logger
	closeOnce sync.Once

	subMu      sync.Mutex // guards subscribed and broker subscription calls
	subscribed bool
}

func (c *mqttChannel) onMessage(_ mqtt.Client, m mqtt.Message) {
	var msg Message
	if err := json.Unmarshal(m.Payload(), &msg); err != nil {
		c.logger.Warn().Err(err).Str("topic", m.Topic()).Msg("dropping malformed message")
		return
	}
	c.handlers.dispatch(msg)
}

func (c *mqttChannel) resubscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if !c.subscribed {
		return
	}
	if err := waitToken(context.Background(), c.client.Subscribe(c.name, c.qos, c.onMessage)); err != nil {
		c.logger.Error().Err(err).Str("topic", c.name).Msg("mqtt resubscribe failed")
	}
}

func (c *mqttChannel) Publish(ctx context.Context, event string, payload any) error {
	if !c.client.IsConnectionOpen() {
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
	if err := waitToken(ctx, c.client.Publish(c.name, c.qos, false, body)); err != nil {
		return fmt.Errorf("publish %s: %w: %v", event, ErrNotConnected, err)
	}
	return nil
}

// Subscribe registers handler. The broker subscription is made with the
// first handler of any event.
func (c *mqttChannel) Subscribe(event string, handler Handler) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.handlers.add(event, handler)
	if c.subscribed {
		return nil
	}
	if err := waitToken(context.Background(), c.client.Subscribe(c.name, c.qos, c.onMessage)); err != nil {
		c.handlers.remove(event)
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}
	c.subscribed = true
	return nil
}

// Unsubscribe drops the handlers of event, and the broker subscription once
// no event has handlers left.
func (c *mqttChannel) Unsubscribe(event string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.handlers.remove(event) {
		return nil
	}
	if !c.subscribed || len(c.handlers.events()) > 0 {
		return nil
	}
	c.subscribed = false
	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(context.Background(), c.client.Unsubscribe(c.name)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", c.name, err)
	}
	return nil
}

func (c *mqttChannel) Connected() bool {
	return c.client.IsConnectionOpen()
}

func (c *mqttChannel) Close() error {
	c.closeOnce.Do(func() {
		c.client.Disconnect(250)
	})
	return nil
}

// waitToken blocks until the token completes or ctx ends.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
