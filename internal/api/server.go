// Package api exposes the orchestrator over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayq/relay/internal/orchestrator"
	"github.com/relayq/relay/pkg/health"
	"github.com/relayq/relay/pkg/logging"
)

// Config contains API server configuration
type Config struct {
	// SubmitTimeout bounds how long a synchronous submission waits for its
	// result before the request is reported as still pending
	SubmitTimeout time.Duration
	// AllowedOrigins configures CORS
	AllowedOrigins []string
}

// DefaultConfig returns default API configuration
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:  30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Server wires the HTTP routes to the orchestrator
type Server struct {
	config   Config
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
	health   *health.Service
	logger   *logging.Logger
	router   *gin.Engine
}

// NewServer creates the API server. The metrics registry and health service
// may be nil; /metrics is then disabled and /health reports only
// connectivity.
func NewServer(config Config, orch *orchestrator.Orchestrator, registry *prometheus.Registry, healthSvc *health.Service, logger *logging.Logger) *Server {
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	s := &Server{
		config:   config,
		orch:     orch,
		registry: registry,
		health:   healthSvc,
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler for use with an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(s.logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = s.config.AllowedOrigins
	if len(s.config.AllowedOrigins) == 1 && s.config.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-Request-ID")
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/requests", s.handleSubmit)
		v1.DELETE("/requests/:id", s.handleCancel)
		v1.DELETE("/requests", s.handleCancelAll)

		v1.GET("/circuits", s.handleCircuits)
		v1.POST("/circuits/reset", s.handleCircuitReset)

		v1.GET("/offline", s.handleOfflineList)
		v1.DELETE("/offline", s.handleOfflineClear)

		v1.GET("/status", s.handleStatus)
	}

	return router
}
