package handler

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crystal-devs/rc-realtime/internal/service"
)

// HealthHandler handles health and ready checks.
type HealthHandler struct {
	registry *service.Registry
	ready    atomic.Bool
}

// NewHealthHandler creates a health handler that reports ready.
func NewHealthHandler(registry *service.Registry) *HealthHandler {
	h := &HealthHandler{registry: registry}
	h.ready.Store(true)
	return h
}

// SetReady flips readiness; the application turns it off when shutdown begins.
func (h *HealthHandler) SetReady(ready bool) { h.ready.Store(ready) }

// Health responds to GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"service":       "rc-realtime",
		"time":          time.Now().Unix(),
		"connections":   h.registry.Count(),
		"authenticated": h.registry.AuthenticatedCount(),
	})
}

// Ready responds to GET /ready (for k8s readiness).
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
