package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the notification fabric.
type Metrics struct {
	// Connections
	Connections      *prometheus.GaugeVec
	AuthAttempts     *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	HeartbeatLatency *prometheus.HistogramVec

	// Routing
	Subscriptions *prometheus.GaugeVec

	// Notifications
	NotificationsSent    *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	ProgressDecisions    *prometheus.CounterVec

	// Queue monitor
	QueueAlerts *prometheus.CounterVec
	QueuePolls  *prometheus.CounterVec
}

// New creates the metric set and registers it with reg. A nil reg leaves the
// collectors unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open WebSocket connections by state",
		}, []string{"state"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_auth_attempts_total",
			Help: "Authentication attempts by method and result",
		}, []string{"method", "result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_evictions_total",
			Help: "Connections force-closed by the fabric",
		}, []string{"reason"}),
		HeartbeatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realtime_heartbeat_latency_seconds",
			Help:    "Client-reported heartbeat latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"role"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_subscriptions",
			Help: "Active event subscriptions by audience",
		}, []string{"audience"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_notifications_sent_total",
			Help: "Notification frames fanned out, by type and audience",
		}, []string{"type", "audience"}),
		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_notification_failures_total",
			Help: "Notifications that failed to build or send",
		}, []string{"kind"}),
		ProgressDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_progress_decisions_total",
			Help: "Progress throttle decisions",
		}, []string{"decision"}),
		QueueAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_queue_alerts_total",
			Help: "Queue health alerts raised, by type",
		}, []string{"type"}),
		QueuePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_queue_polls_total",
			Help: "Queue monitor polls by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.AuthAttempts,
			m.Evictions,
			m.HeartbeatLatency,
			m.Subscriptions,
			m.NotificationsSent,
			m.NotificationFailures,
			m.ProgressDecisions,
			m.QueueAlerts,
			m.QueuePolls,
		)
	}
	return m
}
