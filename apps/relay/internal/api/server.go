// Package api exposes the relay over HTTP: the websocket endpoint, health
// checks and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/developer-mesh/collabsync/apps/relay/internal/hub"
	"github.com/developer-mesh/collabsync/pkg/config"
	"github.com/developer-mesh/collabsync/pkg/observability"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the readiness check response
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     float64                    `json:"uptime_seconds"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Bridge is the health view of the multi-instance bridge
type Bridge interface {
	Healthy() bool
}

// Server serves the relay endpoints
type Server struct {
	cfg       config.RelayConfig
	hub       *hub.Hub
	logger    observability.Logger
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time
	validate  *validator.Validate

	mu     sync.RWMutex
	bridge Bridge
	srv    *http.Server
}

// NewServer creates the HTTP server. gatherer may be nil to use the default
// Prometheus registry.
func NewServer(cfg config.RelayConfig, h *hub.Hub, logger observability.Logger, gatherer prometheus.Gatherer, version string) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       cfg,
		hub:       h,
		logger:    logger,
		gatherer:  gatherer,
		version:   version,
		startTime: time.Now(),
		validate:  validator.New(),
	}
}

// SetBridge adds the bridge to readiness checks
func (s *Server) SetBridge(b Bridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/health/live", s.handleLive)
	router.GET("/health/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws/:room", s.handleWebSocket)
	return router
}

// ListenAndServe serves until Shutdown
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("Relay listening", map[string]interface{}{
		"address": s.cfg.ListenAddress,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes client connections and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Draining client connections", map[string]interface{}{
		"connections": s.hub.ConnectionCount(),
	})
	s.hub.Shutdown()

	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      HealthStatusHealthy,
		"version":     s.version,
		"connections": s.hub.ConnectionCount(),
		"rooms":       s.hub.RoomCount(),
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    HealthStatusHealthy,
		"timestamp": time.Now(),
		"alive":     true,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Seconds(),
		Components: map[string]ComponentHealth{
			"hub": {
				Status: HealthStatusHealthy,
				Details: map[string]interface{}{
					"connections": s.hub.ConnectionCount(),
					"rooms":       s.hub.RoomCount(),
				},
			},
		},
	}

	s.mu.RLock()
	bridge := s.bridge
	s.mu.RUnlock()
	if bridge != nil {
		health := ComponentHealth{Status: HealthStatusHealthy}
		if !bridge.Healthy() {
			// Local rooms still work without the bridge
			health = ComponentHealth{Status: HealthStatusDegraded, Message: "circuit breaker open"}
			resp.Status = HealthStatusDegraded
		}
		resp.Components["bridge"] = health
	}

	if s.cfg.MaxConnections > 0 && s.hub.ConnectionCount() >= s.cfg.MaxConnections {
		resp.Status = HealthStatusUnhealthy
		resp.Components["hub"] = ComponentHealth{Status: HealthStatusUnhealthy, Message: "connection limit reached"}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	room := c.Param("room")
	if err := s.validate.Var(room, "required,max=128,printascii"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	if s.cfg.MaxConnections > 0 && s.hub.ConnectionCount() >= s.cfg.MaxConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.AllowedOrigins,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	err = s.hub.Serve(c.Request.Context(), room, conn)
	switch {
	case errors.Is(err, hub.ErrTooManyConnections):
		_ = conn.Close(websocket.StatusTryAgainLater, "connection limit reached")
	case errors.Is(err, hub.ErrRateLimited):
		_ = conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
	case err != nil:
		s.logger.Debug("Connection ended", map[string]interface{}{
			"room":  room,
			"error": err.Error(),
		})
		_ = conn.CloseNow()
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
