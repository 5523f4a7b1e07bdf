// Package health exposes the kubernetes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/bus"
	"github.com/vireomeet/sfu-core/internal/v1/lifecycle"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/media"
)

// Handler serves the probe endpoints.
type Handler struct {
	redisService *bus.Service
	engine       media.Engine
	drain        *lifecycle.Manager
}

// NewHandler wires the probe dependencies. redisService may be nil in
// single-instance mode; drain may be nil in tests.
func NewHandler(redisService *bus.Service, engine media.Engine, drain *lifecycle.Manager) *Handler {
	return &Handler{
		redisService: redisService,
		engine:       engine,
		drain:        drain,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only when every critical dependency is healthy and the
// process is accepting joins; 503 otherwise so the load balancer stops
// routing new connections here.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	mediaStatus := h.checkMediaEngine(ctx)
	checks["media_engine"] = mediaStatus
	if mediaStatus != "healthy" {
		allHealthy = false
	}

	if h.drain != nil && h.drain.Draining() {
		checks["draining"] = "draining"
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies connectivity with a PING. A nil service means
// single-instance mode and counts as healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkMediaEngine reports unhealthy once no usable workers remain. Rooms
// on dead workers cannot recover, so the pod should be replaced.
func (h *Handler) checkMediaEngine(ctx context.Context) string {
	if h.engine == nil {
		return "unhealthy"
	}
	if h.engine.HealthyWorkers() < 1 {
		logging.Error(ctx, "No healthy media workers remain")
		return "unhealthy"
	}
	return "healthy"
}
