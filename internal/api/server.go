// Package api serves the operator control surface: health and status
// reads, prometheus metrics, the event stream, and JWT-gated emergency
// controls.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fleet-trader/config"
	"fleet-trader/internal/accounts"
	"fleet-trader/internal/auth"
	"fleet-trader/internal/events"
	"fleet-trader/internal/health"
)

// EngineAPI defines what the trading engine exposes to the API.
type EngineAPI interface {
	Status() map[string]interface{}
	EmergencyStop(ctx context.Context, reason, details string) error
	EmergencyReset(ctx context.Context) error
}

// Server is the HTTP control plane.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	jwt        *auth.JWTManager
	engine     EngineAPI
	registry   *accounts.Registry
	monitor    *health.Monitor
	hub        *Hub
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, engine EngineAPI, registry *accounts.Registry, monitor *health.Monitor, bus *events.EventBus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		cfg:      cfg,
		authCfg:  authCfg,
		jwt:      auth.NewJWTManager(authCfg.JWTSecret, authCfg.TokenDuration),
		engine:   engine,
		registry: registry,
		monitor:  monitor,
		hub:      NewHub(bus, logger),
		// Mutating endpoints share one small budget; the operator is
		// a human, not a client fleet.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

// requestLogger logs each request through zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	l := logger.With().Str("component", "api").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := l.Debug()
		if c.Writer.Status() >= 500 {
			evt = l.Error()
		} else if c.Writer.Status() >= 400 {
			evt = l.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// rateLimitMiddleware rejects bursts on the mutating endpoints.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/accounts", s.handleAccounts)
		api.POST("/auth/login", s.handleLogin)
	}

	protected := s.router.Group("/api/emergency")
	protected.Use(auth.Middleware(s.jwt))
	protected.Use(s.rateLimitMiddleware())
	{
		protected.POST("/stop", s.handleEmergencyStop)
		protected.POST("/reset", s.handleEmergencyReset)
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.hub.Start()
	s.logger.Info().Str("addr", addr).Msg("control API listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and the event stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down control API")
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
