package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-devs/rc-realtime/internal/handler"
	"github.com/crystal-devs/rc-realtime/pkg/constants"
)

// New builds the HTTP router.
func New(
	streamWS *handler.StreamWSHandler,
	notify *handler.NotifyHandler,
	health *handler.HealthHandler,
	gatherer prometheus.Gatherer,
	serviceToken string,
) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, health.Health)
	r.GET(constants.PathReady, health.Ready)
	r.GET(constants.PathMetrics, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// WebSocket: /ws, authenticated in-band
	r.GET(constants.PathWS, streamWS.ServeWS)

	internal := r.Group(constants.PathInternal, handler.ServiceAuth(serviceToken))
	{
		events := internal.Group("/events/:event_id")
		events.POST("/status", notify.StatusChange)
		events.POST("/media", notify.NewMedia)
		events.POST("/media/removed", notify.MediaRemoved)
		events.POST("/progress", notify.Progress)
		events.POST("/bulk/started", notify.BulkStarted)
		events.POST("/bulk/progress", notify.BulkProgress)
		events.POST("/bulk/completed", notify.BulkCompleted)
		events.POST("/bulk/items", notify.BulkItems)
		events.GET("/occupancy", notify.Occupancy)
		events.POST("/queue-monitor", notify.StartQueueMonitor)
		events.DELETE("/queue-monitor", notify.StopQueueMonitor)

		internal.GET("/queue-monitors", notify.QueueMonitors)
	}

	return r
}
