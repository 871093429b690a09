package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "call_dispatcher"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	callsDispatchedTotal *prometheus.CounterVec
	deliveriesTotal      *prometheus.CounterVec
	deliveryDuration     *prometheus.HistogramVec
	deliveriesInflight   *prometheus.GaugeVec
	acksTotal            *prometheus.CounterVec
	lateAcksTotal        *prometheus.CounterVec
	expiredTotal         *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	receiptsTotal        *prometheus.CounterVec
	redispatchesTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		callsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_dispatched_total",
				Help:      "Dispatch attempts grouped by outcome (created, conflict, content_error).",
			},
			[]string{"outcome"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "Push deliveries grouped by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Push gateway call duration in seconds grouped by platform.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"platform"},
		),
		deliveriesInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_inflight",
				Help:      "Current number of in-flight push deliveries grouped by platform.",
			},
			[]string{"platform"},
		),
		acksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "acks_total",
				Help:      "Acknowledgments grouped by result.",
			},
			[]string{"result"},
		),
		lateAcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "late_acks_total",
				Help:      "Acknowledgments that arrived after the call reached a failed or expired state.",
			},
			[]string{"state"},
		),
		expiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_expired_total",
				Help:      "Calls that exhausted their retry budget grouped by the state they expired from.",
			},
			[]string{"from_state"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_total",
				Help:      "Redeliveries started by the retry processor grouped by trigger.",
			},
			[]string{"trigger"},
		),
		receiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "receipts_total",
				Help:      "Device delivery receipts processed grouped by status.",
			},
			[]string{"status"},
		),
		redispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "redispatches_total",
				Help:      "Same-day dispatches for users whose earlier call that day failed or expired, grouped by that call's state.",
			},
			[]string{"after_state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.callsDispatchedTotal,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.deliveriesInflight,
		m.acksTotal,
		m.lateAcksTotal,
		m.expiredTotal,
		m.retriesTotal,
		m.receiptsTotal,
		m.redispatchesTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncCallDispatched(outcome string) {
	if m == nil {
		return
	}
	m.callsDispatchedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncDelivery(platform string, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalizeLabel(platform), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(platform string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeLabel(platform)).Observe(seconds)
}

func (m *Metrics) IncDeliveryInFlight(platform string) {
	if m == nil {
		return
	}
	m.deliveriesInflight.WithLabelValues(normalizeLabel(platform)).Inc()
}

func (m *Metrics) DecDeliveryInFlight(platform string) {
	if m == nil {
		return
	}
	m.deliveriesInflight.WithLabelValues(normalizeLabel(platform)).Dec()
}

func (m *Metrics) IncAck(result string) {
	if m == nil {
		return
	}
	m.acksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncLateAck(state string) {
	if m == nil {
		return
	}
	m.lateAcksTotal.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *Metrics) IncExpired(fromState string) {
	if m == nil {
		return
	}
	m.expiredTotal.WithLabelValues(normalizeLabel(fromState)).Inc()
}

func (m *Metrics) IncRetry(trigger string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(normalizeLabel(trigger)).Inc()
}

func (m *Metrics) IncReceipt(status string) {
	if m == nil {
		return
	}
	m.receiptsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncRedispatch(afterState string) {
	if m == nil {
		return
	}
	m.redispatchesTotal.WithLabelValues(normalizeLabel(afterState)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
