// Package metrics defines the prometheus collectors shared by shipyard
// components. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shipyard"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds every collector.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	ingestMessages  *prometheus.CounterVec
	ingestBatches   prometheus.Counter
	consumerRestart prometheus.Counter
	broadcastDrops  prometheus.Counter

	launches *prometheus.CounterVec
	reaped   prometheus.Counter
	uploads  *prometheus.CounterVec

	proxyRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Queue messages handled by the log consumer, by outcome",
		}, []string{"outcome"}),
		ingestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Batches committed by the log consumer",
		}),
		consumerRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "consumer_restarts_total",
			Help:      "Times the log consumer was rebuilt after a fatal error",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_events_total",
			Help:      "Events dropped for slow live subscribers",
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "launches_total",
			Help:      "Build job launches, by backend and result",
		}, []string{"backend", "result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "reaped_total",
			Help:      "Deployments failed by the reaper after exceeding their timeout",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "uploads_total",
			Help:      "Artifact uploads, by result",
		}, []string{"result"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the reverse proxy, by status",
		}, []string{"status"}),
	}

	if reg == nil {
		return m
	}

	m.httpRequests = register(reg, m.httpRequests)
	m.httpLatency = register(reg, m.httpLatency)
	m.ingestMessages = register(reg, m.ingestMessages)
	m.ingestBatches = register(reg, m.ingestBatches)
	m.consumerRestart = register(reg, m.consumerRestart)
	m.broadcastDrops = register(reg, m.broadcastDrops)
	m.launches = register(reg, m.launches)
	m.reaped = register(reg, m.reaped)
	m.uploads = register(reg, m.uploads)
	m.proxyRequests = register(reg, m.proxyRequests)
	return m
}

// register adds c to reg, returning the existing collector when an
// identical one was registered before.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Ingest outcomes.
const (
	OutcomeInserted  = "inserted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// ObserveHTTP records one handled request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpLatency.With(labels).Observe(d.Seconds())
}

// IngestMessage counts one consumed message by outcome.
func (m *Metrics) IngestMessage(outcome string) {
	if m == nil {
		return
	}
	m.ingestMessages.WithLabelValues(outcome).Inc()
}

// IngestBatch counts one committed batch.
func (m *Metrics) IngestBatch() {
	if m == nil {
		return
	}
	m.ingestBatches.Inc()
}

// ConsumerRestart counts one consumer rebuild.
func (m *Metrics) ConsumerRestart() {
	if m == nil {
		return
	}
	m.consumerRestart.Inc()
}

// BroadcastDrop counts one event dropped for a slow subscriber.
func (m *Metrics) BroadcastDrop(string) {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

// Launch counts one build job launch.
func (m *Metrics) Launch(backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.launches.WithLabelValues(backend, result).Inc()
}

// Reaped counts deployments failed by the reaper.
func (m *Metrics) Reaped(n int) {
	if m == nil {
		return
	}
	m.reaped.Add(float64(n))
}

// Upload counts one artifact upload by result.
func (m *Metrics) Upload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.uploads.WithLabelValues(result).Inc()
}

// ProxyRequest counts one proxied request by response status.
func (m *Metrics) ProxyRequest(status int) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}
