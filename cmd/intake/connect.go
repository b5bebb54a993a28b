package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/pubsub"
)

// newConnector picks the transport named by TRANSPORT. The returned cleanup
// releases backend resources shared by every channel of the connector.
func newConnector(cfg *config.Config, logger zerolog.Logger) (pubsub.Connector, func(), error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		tokens := pubsub.NewHTTPTokenSource(cfg.ServerURL)
		return pubsub.NewWebSocketConnector(cfg.ServerURL, tokens, logger), func() {}, nil
	case config.TransportRedis:
		client, err := pubsub.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return pubsub.NewRedisConnector(client, "intake:", logger), func() { client.Close() }, nil
	case config.TransportMQTT:
		mc := pubsub.NewMQTTConnector(pubsub.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		}, logger)
		return mc, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
}

// connectChannel attaches to the configured intake channel.
func connectChannel(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (pubsub.Channel, func(), error) {
	connector, cleanup, err := newConnector(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ch, err := connector.Connect(ctx, cfg.ChannelName)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("unable to connect to %s: %w", cfg.ChannelName, err)
	}
	return ch, cleanup, nil
}

func timings(cfg *config.Config) intake.Timings {
	return intake.Timings{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		InactivityThreshold: cfg.InactivityThreshold,
		ResetDelay:          cfg.ResetDelay,
		NotificationTTL:     cfg.NotificationTTL,
	}
}
