package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/service"
)

// NotifyHandler is the internal ingest API used by the moderation, upload and
// bulk-action code paths. A notification that reaches nobody is still accepted:
// callers never fail their business operation because of the fabric.
type NotifyHandler struct {
	broadcaster *service.Broadcaster
	subs        *service.SubscriptionManager
	queue       *service.QueueMonitor
	logger      *zap.Logger
}

func NewNotifyHandler(b *service.Broadcaster, subs *service.SubscriptionManager, q *service.QueueMonitor, logger *zap.Logger) *NotifyHandler {
	return &NotifyHandler{broadcaster: b, subs: subs, queue: q, logger: logger}
}

// ServiceAuth guards the internal API with a shared bearer token. An empty
// token disables the API.
func ServiceAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// bind decodes the body into v and reports whether the request may proceed.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return false
	}
	return true
}

func accepted(c *gin.Context, delivered int) {
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// StatusChange godoc
// POST /internal/events/:event_id/status
func (h *NotifyHandler) StatusChange(c *gin.Context) {
	var n model.StatusChange
	if !bind(c, &n) {
		return
	}
	n.EventID = c.Param("event_id")
	accepted(c, h.broadcaster.StatusChange(n))
}

// NewMedia godoc
// POST /internal/events/:event_id/media
func (h *NotifyHandler) NewMedia(c *gin.Context) {
	var n model.NewMedia
	if !bind(c, &n) {
		return
	}
	n.EventID = c.Param("event_id")
	accepted(c, h.broadcaster.NewMedia(n))
}

// MediaRemoved godoc
// POST /internal/events/:event_id/media/removed
func (h *NotifyHandler) MediaRemoved(c *gin.Context) {
	var n model.MediaRemoved
	if !bind(c, &n) {
		return
	}
	n.EventID = c.Param("event_id")
	accepted(c, h.broadcaster.MediaRemoved(n))
}

// Progress godoc
// POST /internal/events/:event_id/progress
// The response says whether the throttle let the update through.
func (h *NotifyHandler) Progress(c *gin.Context) {
	var p model.Progress
	if !bind(c, &p) {
		return
	}
	p.EventID = c.Param("event_id")
	c.JSON(http.StatusAccepted, gin.H{"admitted": h.broadcaster.ReportProgress(p)})
}

// BulkStarted godoc
// POST /internal/events/:event_id/bulk/started
func (h *NotifyHandler) BulkStarted(c *gin.Context) {
	var n model.BulkStarted
	if !bind(c, &n) {
		return
	}
	n.EventID = c.Param("event_id")
	accepted(c, h.broadcaster.BulkStarted(n))
}

// BulkProgress godoc
// POST /internal/events/:event_id/bulk/progress
func (h *NotifyHandler) BulkProgress(c *gin.Context) {
	var n model.BulkProgress
	if !bind(c, &n) {
		return
	}
	n.EventID = c.Param("event_id")
	accepted(c, h.broadcaster.BulkProgress(n))
}

type bulkCompletedRequest struct {
	model.BulkCompleted
	DurationMs int64 `json:"duration_ms"`
}

// BulkCompleted godoc
// POST /internal/events/:event_id/bulk/completed
func (h *NotifyHandler) BulkCompleted(c *gin.Context) {
	var req bulkCompletedRequest
	if !bind(c, &req) {
		return
	}
	n := req.BulkCompleted
	n.EventID = c.Param("event_id")
	n.Duration = time.Duration(req.DurationMs) * time.Millisecond
	accepted(c, h.broadcaster.BulkCompleted(n))
}

type bulkItemsRequest struct {
	OperationID string           `json:"operation_id"`
	Items       []model.BulkItem `json:"items"`
}

// BulkItems godoc
// POST /internal/events/:event_id/bulk/items
func (h *NotifyHandler) BulkItems(c *gin.Context) {
	var req bulkItemsRequest
	if !bind(c, &req) {
		return
	}
	chunks, err := h.broadcaster.DispatchBulkItems(c.Param("event_id"), req.OperationID, req.Items)
	if err != nil {
		h.logger.Warn("bulk items rejected",
			zap.String("event_id", c.Param("event_id")),
			zap.String("operation_id", req.OperationID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"chunks": chunks})
}

// Occupancy godoc
// GET /internal/events/:event_id/occupancy
func (h *NotifyHandler) Occupancy(c *gin.Context) {
	c.JSON(http.StatusOK, h.subs.Occupancy(c.Param("event_id")))
}

// StartQueueMonitor godoc
// POST /internal/events/:event_id/queue-monitor
func (h *NotifyHandler) StartQueueMonitor(c *gin.Context) {
	if err := h.queue.Start(c.Param("event_id")); err != nil {
		if errors.Is(err, errs.ErrQueueUnavailable) || errors.Is(err, errs.ErrShuttingDown) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start queue monitor"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"watching": h.queue.Watching()})
}

// StopQueueMonitor godoc
// DELETE /internal/events/:event_id/queue-monitor
func (h *NotifyHandler) StopQueueMonitor(c *gin.Context) {
	if !h.queue.Stop(c.Param("event_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not monitored"})
		return
	}
	c.Status(http.StatusNoContent)
}

// QueueMonitors godoc
// GET /internal/queue-monitors
func (h *NotifyHandler) QueueMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watching": h.queue.Watching()})
}
