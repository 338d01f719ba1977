package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/api/handlers"
	"example.com/backstage/services/agreements/internal/metrics"
	"example.com/backstage/services/agreements/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	service    handlers.AgreementService
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, service handlers.AgreementService, m *metrics.Metrics, tracer tracing.Tracer) *Server {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	server := &Server{
		config:  cfg,
		service: service,
		metrics: m,
		tracer:  tracer,
	}
	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(RequestIDMiddleware())
	if s.config.CorsEnabled {
		router.Use(CORSMiddleware())
	}
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware())
	if app := s.tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	handlers.NewMetricsHandler(s.metrics, s.tracer).RegisterRoutes(router)
	handlers.NewAgreementHandler(s.service, s.tracer).RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
