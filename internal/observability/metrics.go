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

const namespace = "sms_dispatch"

// Poll outcomes recorded per examined candidate.
const (
	PollOutcomeTerminal          = "terminal"
	PollOutcomePromoted          = "promoted"
	PollOutcomeRetained          = "retained"
	PollOutcomeFetchFailed       = "fetch_failed"
	PollOutcomeNoStatus          = "no_status"
	PollOutcomeProviderIDPending = "provider_id_pending"
	PollOutcomeAmbiguous         = "ambiguous"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	messagesSentTotal    *prometheus.CounterVec
	messagesFailedTotal  *prometheus.CounterVec
	messagesQueuedTotal  *prometheus.CounterVec
	sendDuration         *prometheus.HistogramVec
	pollOutcomesTotal    *prometheus.CounterVec
	pollRunCandidates    prometheus.Histogram
	webhookEventsTotal   *prometheus.CounterVec
	workerInflight       *prometheus.GaugeVec
	upgradeFallbackTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages accepted by a provider.",
			},
			[]string{"driver"},
		),
		messagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_failed_total",
				Help:      "Total number of sends that produced a failed result.",
			},
			[]string{"driver", "reason"},
		),
		messagesQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_queued_total",
				Help:      "Total number of sends deferred to the worker queue.",
			},
			[]string{"driver"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds, including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"driver"},
		),
		pollOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_outcomes_total",
				Help:      "Status poll results per examined message.",
			},
			[]string{"driver", "outcome"},
		),
		pollRunCandidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_run_candidates",
				Help:      "Number of candidates selected per status poll run.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Provider webhooks processed by driver, kind, and result.",
			},
			[]string{"driver", "kind", "result"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight deferred sends grouped by driver.",
			},
			[]string{"driver"},
		),
		upgradeFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queued_upgrade_fallback_total",
				Help:      "Deferred sends stored as audit rows because the provisional row could not be upgraded.",
			},
			[]string{"driver"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.messagesQueuedTotal,
		m.sendDuration,
		m.pollOutcomesTotal,
		m.pollRunCandidates,
		m.webhookEventsTotal,
		m.workerInflight,
		m.upgradeFallbackTotal,
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

func (m *Metrics) IncMessageSent(driver string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(driver)).Inc()
}

func (m *Metrics) IncMessageFailed(driver string, reason string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(driver), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncMessageQueued(driver string) {
	if m == nil {
		return
	}
	m.messagesQueuedTotal.WithLabelValues(normalizeLabel(driver)).Inc()
}

func (m *Metrics) ObserveSendDuration(driver string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(driver)).Observe(seconds)
}

func (m *Metrics) IncPollOutcome(driver string, outcome string) {
	if m == nil {
		return
	}
	m.pollOutcomesTotal.WithLabelValues(normalizeLabel(driver), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObservePollRun(candidates int) {
	if m == nil {
		return
	}
	m.pollRunCandidates.Observe(float64(candidates))
}

func (m *Metrics) IncWebhookEvent(driver string, kind string, result string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(driver), normalizeLabel(kind), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncWorkerInFlight(driver string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(driver)).Inc()
}

func (m *Metrics) DecWorkerInFlight(driver string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(driver)).Dec()
}

func (m *Metrics) IncUpgradeFallback(driver string) {
	if m == nil {
		return
	}
	m.upgradeFallbackTotal.WithLabelValues(normalizeLabel(driver)).Inc()
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
