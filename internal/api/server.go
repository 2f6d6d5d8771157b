package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-data-gateway/internal/history"
	"market-data-gateway/internal/stream"
	"market-data-gateway/internal/symbols"
)

// RateLimiter provides simple in-memory rate limiting per client
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	PathPrefix     string // websocket route prefix, e.g. "/ws"
	CORSOrigins    []string
	RateLimit      int // REST requests per minute per client
	MaxBookLimit   int
	ProductionMode bool
}

// Server is the downstream-facing HTTP server: five websocket stream
// endpoints plus a small read-only REST surface.
type Server struct {
	config     ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	streams    *stream.Registry
	symbols    *symbols.Registry
	fetcher    *history.Fetcher
	upgrader   websocket.Upgrader
	limiter    *RateLimiter
	logger     zerolog.Logger
	started    time.Time
}

// NewServer creates the API server. The stream registry, symbol registry
// and history fetcher must all be non-nil.
func NewServer(
	config ServerConfig,
	streams *stream.Registry,
	syms *symbols.Registry,
	fetcher *history.Fetcher,
	logger zerolog.Logger,
) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = config.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	if config.PathPrefix == "" {
		config.PathPrefix = "/ws"
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 120
	}

	server := &Server{
		config:   config,
		router:   router,
		streams:  streams,
		symbols:  syms,
		fetcher:  fetcher,
		upgrader: newUpgrader(config.CORSOrigins),
		limiter:  NewRateLimiter(config.RateLimit, time.Minute),
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}

	server.setupRoutes()

	return server
}

// rateLimitMiddleware limits REST requests per client IP
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": errorBody{
					Type:    "RateLimited",
					Message: "too many requests, slow down",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Read-only REST surface
	rest := s.router.Group("/", s.rateLimitMiddleware())
	{
		rest.GET("/symbols", s.handleSymbols)
		rest.GET("/orderbook/:symbol", s.handleOrderBook)
		rest.GET("/liquidation-volume/:symbol/:timeframe", s.handleLiquidationVolume)
	}

	// Websocket stream endpoints
	ws := s.router.Group(s.config.PathPrefix)
	{
		ws.GET("/orderbook/:symbol", s.handleOrderBookWS)
		ws.GET("/candles/:symbol/:timeframe", s.handleCandlesWS)
		ws.GET("/trades/:symbol", s.handleTradesWS)
		ws.GET("/liquidations/:symbol", s.handleLiquidationsWS)
		ws.GET("/ticker/:symbol", s.handleTickerWS)
	}
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns gateway health: symbol registry state and the set
// of live hubs with their subscriber counts
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	if s.symbols.Degraded() {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"hubs":    s.streams.Status(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"started": s.started.UTC().Format(time.RFC3339),
	})
}
