package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/platform/audit"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake server (token endpoint and channel hub)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

// newServer wires the HTTP surface: health, the channel token endpoint and
// the WebSocket hub.
func newServer(cfg *config.Config, issuer *auth.TokenIssuer, hub *websocket.Hub, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"channel": cfg.ChannelName,
			"clients": hub.ClientCount(),
		})
	})

	api := e.Group("/api")
	auth.NewTokenHandler(issuer, logger).RegisterRoutes(api)
	websocket.NewHandler(hub, issuer, cfg.CORSOrigins, logger).RegisterRoutes(e)

	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	issuer, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL, cfg.ChannelName)
	if err != nil {
		return err
	}
	hub := websocket.NewHub(logger)
	var health echo.HandlerFunc

	// Audit log is optional
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := audit.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			cancel()
			return err
		}
		defer pool.Close()

		store := audit.NewStorePG(pool)
		err = store.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return err
		}
		writer := audit.NewWriter(store, audit.DefaultQueueSize, logger)
		defer writer.Close()
		hub.Observe(writer.Observe)
		logger.Info().Msg("session audit log enabled")
		health = audit.HealthHandler(pool)
	}

	e := newServer(cfg, issuer, hub, logger)
	if health != nil {
		e.GET("/health/db", health)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("channel", cfg.ChannelName).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
