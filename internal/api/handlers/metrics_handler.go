package handlers

import (
	"net/http"
	"runtime"

	"example.com/backstage/services/agreements/internal/metrics"
	"example.com/backstage/services/agreements/internal/tracing"

	"github.com/gin-gonic/gin"
)

// MetricsHandler serves the in-process metrics and the health check
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, tracer tracing.Tracer) *MetricsHandler {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &MetricsHandler{
		metrics: m,
		tracer:  tracer,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck reports 503 when any registered component is unhealthy
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	status := http.StatusOK
	if !h.metrics.Healthy() {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  status == http.StatusOK,
		"details": h.metrics.GetHealthChecks(),
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
