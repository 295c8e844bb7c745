// Package metrics exposes Prometheus instrumentation for the gateway's
// HTTP surface, upstream provider calls, routing selections, health
// probes, and backup writes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every metric the gateway records. Safe for concurrent
// use — every field is a prometheus vector, itself concurrency-safe.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	providerTokensUsed   *prometheus.CounterVec

	routeSelectionsTotal *prometheus.CounterVec

	healthProbesTotal  *prometheus.CounterVec
	healthProbeLatency *prometheus.HistogramVec
	providerHealthy    *prometheus.GaugeVec

	backupWritesTotal *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers every gateway metric under namespace and
// returns the collector used to record them.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by the gateway.",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.providerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of upstream provider adapter calls.",
		},
		[]string{"provider", "model", "outcome"},
	)

	c.providerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Upstream provider call duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.providerTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens reported by upstream providers.",
		},
		[]string{"provider", "model", "kind"}, // kind: prompt, completion
	)

	c.routeSelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_selections_total",
			Help:      "Total number of routing engine selections.",
		},
		[]string{"route", "mode", "outcome"},
	)

	c.healthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of provider health probes, by resulting status.",
		},
		[]string{"provider", "status"},
	)

	c.healthProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Health probe round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	c.providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "1 if the provider is currently healthy, 0 otherwise.",
		},
		[]string{"provider"},
	)

	c.backupWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_writes_total",
			Help:      "Total number of backup snapshot writes, by outcome.",
		},
		[]string{"outcome"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections.",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections.",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed north-bound HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordProviderCall records one adapter call to an upstream provider.
func (c *Collector) RecordProviderCall(provider, model, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerCallsTotal.WithLabelValues(provider, model, outcome).Inc()
	c.providerCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.providerTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.providerTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRouteSelection records one routing engine selection outcome.
func (c *Collector) RecordRouteSelection(route, mode, outcome string) {
	c.routeSelectionsTotal.WithLabelValues(route, mode, outcome).Inc()
}

// RecordHealthProbe records one provider health probe outcome and
// updates the provider's current health gauge.
func (c *Collector) RecordHealthProbe(provider, status string, healthy bool, duration time.Duration) {
	c.healthProbesTotal.WithLabelValues(provider, status).Inc()
	c.healthProbeLatency.WithLabelValues(provider).Observe(duration.Seconds())
	if healthy {
		c.providerHealthy.WithLabelValues(provider).Set(1)
	} else {
		c.providerHealthy.WithLabelValues(provider).Set(0)
	}
}

// RecordBackupWrite records the outcome of a backup snapshot write.
func (c *Collector) RecordBackupWrite(outcome string) {
	c.backupWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordDBConnections records the current connection pool occupancy.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
