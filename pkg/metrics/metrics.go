// Package metrics registers the Prometheus collectors for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

// Metrics holds every collector the control plane exports.
type Metrics struct {
	registry *prometheus.Registry

	Sessions   prometheus.Gauge
	Producers  prometheus.Gauge
	Consumers  prometheus.Gauge
	Transports prometheus.Gauge
	Routers    prometheus.Gauge
	Workers    prometheus.Gauge
	Rooms      prometheus.Gauge
	Recordings prometheus.Gauge

	SignalingEvents *prometheus.CounterVec
	CleanupRetries  prometheus.Counter

	DatabaseLatency prometheus.Histogram
	RedisLatency    prometheus.Histogram
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_signaling_sessions", Help: "Connected signaling sessions on this node."}),
		Producers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_producers", Help: "Active producers on this node."}),
		Consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_consumers", Help: "Active consumers on this node."}),
		Transports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_transports", Help: "Active WebRTC transports on this node."}),
		Routers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_routers", Help: "Active routers on this node."}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_media_workers_live", Help: "Live media worker processes."}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_rooms", Help: "Rooms assigned to this node."}),
		Recordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connect_recordings_active", Help: "Active composite recordings."}),
		SignalingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connect_signaling_events_total", Help: "Signaling events processed, by event."},
			[]string{"event"}),
		CleanupRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connect_cleanup_retries_total", Help: "Disconnect cleanup retry attempts."}),
		DatabaseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "connect_database_latency_seconds",
			Help:    "Database operation latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RedisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "connect_redis_latency_seconds",
			Help:    "Shared-store operation latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sessions, m.Producers, m.Consumers, m.Transports, m.Routers,
		m.Workers, m.Rooms, m.Recordings,
		m.SignalingEvents, m.CleanupRetries,
		m.DatabaseLatency, m.RedisLatency,
	)
	return m
}

// Handler returns the gin handler for the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
