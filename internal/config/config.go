package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Transports understood by the patient and staff commands.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportMQTT      = "mqtt"
)

// devTokenSecret signs channel tokens when ENV=development and TOKEN_SECRET
// is unset.
const devTokenSecret = "intake-development-secret"

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	ChannelName         string        `mapstructure:"CHANNEL_NAME"`
	Transport           string        `mapstructure:"TRANSPORT"`
	ServerURL           string        `mapstructure:"SERVER_URL"`
	TokenSecret         string        `mapstructure:"TOKEN_SECRET"`
	TokenTTL            time.Duration `mapstructure:"TOKEN_TTL"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	MQTTBroker          string        `mapstructure:"MQTT_BROKER"`
	MQTTUsername        string        `mapstructure:"MQTT_USERNAME"`
	MQTTPassword        string        `mapstructure:"MQTT_PASSWORD"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	HeartbeatInterval   time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	InactivityThreshold time.Duration `mapstructure:"INACTIVITY_THRESHOLD"`
	ResetDelay          time.Duration `mapstructure:"RESET_DELAY"`
	NotificationTTL     time.Duration `mapstructure:"NOTIFICATION_TTL"`
}

var keys = []string{
	"PORT", "ENV", "CHANNEL_NAME", "TRANSPORT", "SERVER_URL", "TOKEN_SECRET",
	"TOKEN_TTL", "REDIS_URL", "MQTT_BROKER", "MQTT_USERNAME", "MQTT_PASSWORD",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"HEARTBEAT_INTERVAL", "INACTIVITY_THRESHOLD", "RESET_DELAY", "NOTIFICATION_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CHANNEL_NAME", "patient-form")
	v.SetDefault("TRANSPORT", TransportWebSocket)
	v.SetDefault("SERVER_URL", "http://localhost:8000")
	v.SetDefault("TOKEN_TTL", time.Hour)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HEARTBEAT_INTERVAL", 30*time.Second)
	v.SetDefault("INACTIVITY_THRESHOLD", 120*time.Second)
	v.SetDefault("RESET_DELAY", 3*time.Second)
	v.SetDefault("NOTIFICATION_TTL", 5*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.TokenSecret == "" && cfg.IsDev() {
		log.Warn().Msg("TOKEN_SECRET not set, signing channel tokens with the development secret")
		cfg.TokenSecret = devTokenSecret
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the cross-field rules. Outside development TOKEN_SECRET
// must be set; the selected transport must have its endpoint configured.
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when ENV=%q", c.Env)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.ChannelName == "" {
		return fmt.Errorf("CHANNEL_NAME must not be empty")
	}

	switch c.Transport {
	case TransportWebSocket:
		if c.ServerURL == "" {
			return fmt.Errorf("SERVER_URL is required when TRANSPORT is %q", c.Transport)
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when TRANSPORT is %q", c.Transport)
		}
	case TransportMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when TRANSPORT is %q", c.Transport)
		}
	default:
		return fmt.Errorf("TRANSPORT must be %q, %q or %q, got %q",
			TransportWebSocket, TransportRedis, TransportMQTT, c.Transport)
	}

	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"INACTIVITY_THRESHOLD": c.InactivityThreshold,
		"RESET_DELAY":          c.ResetDelay,
		"NOTIFICATION_TTL":     c.NotificationTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.DatabaseURL != "" && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
