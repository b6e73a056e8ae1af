// Package api is the inbound control surface: health, control-plane
// mutations, latest rankings and the two streaming channels (WebSocket and
// SSE) fed from the broadcast bus.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/broadcast"
	"github.com/perpflow/scanner/internal/rules"
	"github.com/perpflow/scanner/internal/scanner"
	"github.com/perpflow/scanner/internal/store"
)

// Config contains server configuration.
type Config struct {
	Host           string
	Port           int
	AdminToken     string
	AllowedOrigins string
}

// Server is the REST + streaming API server.
type Server struct {
	router *gin.Engine
	scan   *scanner.Scanner
	bus    *broadcast.Broadcast
	rules  *rules.Engine
	cache  *store.Cache // optional
	addr   string
	token  string
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, scan *scanner.Scanner, bus *broadcast.Broadcast, engine *rules.Engine, cache *store.Cache, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	log := logger.With().Str("component", "api").Logger()
	router.Use(loggerMiddleware(log))

	origins := []string{"*"}
	if cfg.AllowedOrigins != "" {
		origins = strings.Split(cfg.AllowedOrigins, ",")
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Admin-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		scan:   scan,
		bus:    bus,
		rules:  engine,
		cache:  cache,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		token:  cfg.AdminToken,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/rankings/latest", s.handleLatestRankings)
	s.router.GET("/events", s.handleSSE)
	s.router.GET("/ws/rankings", s.handleWebSocket)

	control := s.router.Group("/control")
	control.Use(s.adminAuth())
	{
		control.POST("/pause", s.handlePause)
		control.POST("/resume", s.handleResume)
		control.POST("/force-scan", s.handleForceScan)
		control.POST("/breaker", s.handleBreaker)
		control.GET("/state", s.handleControlState)
	}

	ruleRoutes := s.router.Group("/rules")
	ruleRoutes.Use(s.adminAuth())
	{
		ruleRoutes.GET("", s.handleListRules)
		ruleRoutes.POST("", s.handleRegisterRule)
	}
}

// adminAuth gates mutations behind the X-Admin-Token header. An empty
// configured token disables the gate (development mode).
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Token") != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: streaming endpoints hold connections open.
		IdleTimeout: 60 * time.Second,
	}
	s.log.Info().Str("addr", s.addr).Msg("Starting API server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("API server error")
		}
	}()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine for httptest.
func (s *Server) Router() http.Handler {
	return s.router
}
