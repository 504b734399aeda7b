package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type EventType string

const (
	EventRequestRouted   EventType = "request_routed"
	EventBackendFailed   EventType = "backend_failed"
	EventPoolExhausted   EventType = "pool_exhausted"
	EventResponseRelayed EventType = "response_relayed"
	EventHealthChanged   EventType = "health_changed"
)

// Failure reasons attached to EventBackendFailed.
const (
	ReasonConnect   = "connect"
	ReasonTimeout   = "timeout"
	ReasonMalformed = "malformed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	Reason     string
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	logger   *slog.Logger
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	exhaustedTotal prometheus.Counter
	relayDuration  *prometheus.HistogramVec
	backendHealthy *prometheus.GaugeVec
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		logger:   logger,
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lb_requests_total",
				Help: "Requests forwarded to each backend.",
			},
			[]string{"backend"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lb_backend_failures_total",
				Help: "Failed forwarding attempts per backend and reason.",
			},
			[]string{"backend", "reason"},
		),
		exhaustedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lb_pool_exhausted_total",
				Help: "Requests answered with 503 because no backend was available.",
			},
		),
		relayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lb_relay_duration_seconds",
				Help:    "Time from backend connect to response fully read.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
		),
		backendHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lb_backend_healthy",
				Help: "1 while the backend is in rotation, 0 after a failed health check or connect.",
			},
			[]string{"backend"},
		),
	}
}

// Emit queues an event without blocking. Events are dropped when the buffer is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestRouted:
		c.metrics.IncrementRequests(event.Backend)
		c.requestsTotal.WithLabelValues(event.Backend).Inc()

	case EventBackendFailed:
		c.metrics.RecordFailure(event.Backend, event.Reason)
		c.failuresTotal.WithLabelValues(event.Backend, event.Reason).Inc()

	case EventPoolExhausted:
		c.metrics.RecordPoolExhausted()
		c.exhaustedTotal.Inc()

	case EventResponseRelayed:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)
		c.relayDuration.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
		gauge := 0.0
		if event.Healthy {
			gauge = 1
		}
		c.backendHealthy.WithLabelValues(event.Backend).Set(gauge)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// Gatherer exposes the collector's private Prometheus registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}
