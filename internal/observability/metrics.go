package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchyard"

// Metrics holds the engine's collectors on their own registry so several
// engines can live in one process (tests do this).
type Metrics struct {
	Registry *prometheus.Registry

	Claims            *prometheus.CounterVec
	Completions       *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	DeadLetters       *prometheus.CounterVec
	StoryRetries      prometheus.Counter
	Escalations       prometheus.Counter
	BudgetAlerts      prometheus.Counter
	TasksExpired      prometheus.Counter
	Events            *prometheus.CounterVec
	OutboundDropped   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "claims_total",
			Help: "Claim attempts by result.",
		}, []string{"result"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "completions_total",
			Help: "Completed work items by terminal status.",
		}, []string{"status"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_sent_total",
			Help: "Relay messages written, by message type.",
		}, []string{"type"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_delivered_total",
			Help: "Relay messages claimed by a target.",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "dead_letters_total",
			Help: "Relay messages dead-lettered, by reason.",
		}, []string{"reason"}),
		StoryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sprint", Name: "story_retries_total",
			Help: "Sprint stories reset for automatic retry.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sprint", Name: "escalations_total",
			Help: "Sprint story failures escalated to the orchestrator.",
		}),
		BudgetAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "budget_alerts_total",
			Help: "Dreams that crossed their budget cap.",
		}),
		TasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "tasks_expired_total",
			Help: "Work items marked expired by the TTL sweep.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "events_total",
			Help: "Telemetry events emitted, by type.",
		}, []string{"type"}),
		OutboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbound", Name: "dropped_total",
			Help: "Outbound jobs dropped because the queue was full.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	m.Registry.MustRegister(
		m.Claims, m.Completions, m.MessagesSent, m.MessagesDelivered, m.DeadLetters,
		m.StoryRetries, m.Escalations, m.BudgetAlerts, m.TasksExpired, m.Events,
		m.OutboundDropped, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
