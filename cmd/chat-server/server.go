package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/config"
	"github.com/ehr/chat/internal/domain/call"
	"github.com/ehr/chat/internal/domain/chat"
	"github.com/ehr/chat/internal/domain/identity"
	"github.com/ehr/chat/internal/domain/typing"
	"github.com/ehr/chat/internal/platform/auth"
	"github.com/ehr/chat/internal/platform/db"
	"github.com/ehr/chat/internal/platform/eventbus"
	"github.com/ehr/chat/internal/platform/metrics"
	"github.com/ehr/chat/internal/platform/middleware"
	"github.com/ehr/chat/internal/platform/websocket"
	"github.com/ehr/chat/internal/realtime"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func verifierConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthJWKSURL == "" {
		jc.SigningKey = []byte(cfg.JWTSigningKey)
	}
	return jc
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	if rl.BurstSize <= 0 {
		rl.BurstSize = int(rl.RequestsPerSecond)
	}
	rl.IdleTTL = middleware.DefaultRateLimitConfig().IdleTTL
	return rl
}

// nodeID identifies this process on the event bus.
func nodeID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()
	hub := websocket.NewHub(logger, m)

	// Cross-node fan-out (optional)
	node := nodeID()
	var remote eventbus.Publisher
	if cfg.RedisURL != "" {
		client, err := eventbus.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()

		bus := eventbus.NewRedisBus(client, cfg.RedisChannel, node, logger, m)
		remote = bus
		middleware.Go(logger, "eventbus", func() {
			if err := bus.Run(ctx, hub); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("event bus stopped")
			}
		})
		logger.Info().Str("node", node).Str("channel", cfg.RedisChannel).Msg("event bus enabled")
	}
	emitter := eventbus.NewEmitter(node, hub, remote, logger, m)

	// Services
	identitySvc := identity.NewService(identity.NewDirectory(pool))
	chatSvc := chat.NewService(
		chat.NewConversationRepo(pool),
		chat.NewMessageRepo(pool),
		identitySvc,
		emitter,
		db.Transactor(pool),
		logger,
		m,
	)
	tracker := typing.NewTracker(cfg.TypingTimeout, emitter, logger)
	callSvc := call.NewService(hub, chatSvc, identitySvc, emitter, logger, m)
	gateway := realtime.NewGateway(identitySvc, chatSvc, tracker, callSvc, hub, logger)

	verifier := auth.NewVerifier(verifierConfig(cfg))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Operational endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", m.Handler())

	// Real-time
	wsHandler := websocket.NewWebSocketHandler(hub, verifier, gateway, websocket.HandlerConfig{
		SendBuffer:      cfg.WSSendBuffer,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		AllowedOrigins:  cfg.CORSOrigins,
	}, logger)
	wsHandler.RegisterRoutes(e.Group(""))

	// HTTP fallback
	apiV1 := e.Group("/api/v1")
	apiV1.Use(auth.JWTMiddleware(verifier))
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	chat.NewHandler(chatSvc, hub).RegisterRoutes(apiV1.Group("/chat"))

	// Graceful shutdown
	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("node", node).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
