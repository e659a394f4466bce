package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "social_gateway_connections",
		Help: "Authenticated socket connections held by this instance",
	})
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_presence_transitions_total",
		Help: "Physical online/offline transitions observed by the presence registry",
	}, []string{"direction"})
	PresenceAnnouncements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_presence_announcements_total",
		Help: "Presence broadcasts sent to audiences",
	}, []string{"status"})
	NotificationsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_notifications_routed_total",
		Help: "Notifications by delivery outcome",
	}, []string{"outcome"})
	QueueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_queue_jobs_total",
		Help: "Queue job executions by type and result",
	}, []string{"type", "result"})
	PushTokensInvalidated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "social_push_tokens_invalidated_total",
		Help: "Device tokens deactivated after the provider rejected them",
	})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "social_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		GatewayConnections,
		PresenceTransitions,
		PresenceAnnouncements,
		NotificationsRouted,
		QueueJobs,
		PushTokensInvalidated,
		HTTPRequestDuration,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.With(prometheus.Labels{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}
