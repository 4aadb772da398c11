// Package metrics exposes engine and HTTP measurements to Prometheus.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automations/rules"
)

// Collector implements multitenantengine.Recorder on a private registry.
type Collector struct {
	registry         *prometheus.Registry
	triggers         *prometheus.CounterVec
	triggerDuration  *prometheus.HistogramVec
	rulesFired       *prometheus.CounterVec
	actions          *prometheus.CounterVec
	actionsScheduled *prometheus.CounterVec
	auditFailures    prometheus.Counter
	queueDepth       prometheus.Gauge
	scheduledPending prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	logger           *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_triggers_processed_total",
			Help: "Triggers processed, by trigger type and outcome",
		}, []string{"trigger_type", "outcome"}),
		triggerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_trigger_duration_seconds",
			Help:    "Time taken to evaluate a trigger and dispatch its actions",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger_type"}),
		rulesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_rules_fired_total",
			Help: "Rules whose conditions matched",
		}, []string{"trigger_type"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_actions_executed_total",
			Help: "Actions executed, by action type and outcome",
		}, []string{"action_type", "outcome"}),
		actionsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_actions_scheduled_total",
			Help: "Delayed actions accepted by the scheduler",
		}, []string{"action_type"}),
		auditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_audit_write_failures_total",
			Help: "Execution records that could not be written",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "automation_trigger_queue_depth",
			Help: "Triggers waiting to be evaluated",
		}),
		scheduledPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "automation_scheduled_actions_pending",
			Help: "Delayed actions waiting in memory",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_http_requests_total",
			Help: "HTTP requests served, by method and status code",
		}, []string{"method", "code"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "automation_triggers_rate_limited_total",
			Help: "Trigger submissions rejected by the per-tenant rate limiter",
		}),
		logger: logger,
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) TriggerProcessed(triggerType string, rulesFired int, duration time.Duration, err error) {
	c.triggers.WithLabelValues(triggerType, outcome(err)).Inc()
	c.triggerDuration.WithLabelValues(triggerType).Observe(duration.Seconds())
	if rulesFired > 0 {
		c.rulesFired.WithLabelValues(triggerType).Add(float64(rulesFired))
	}
}

func (c *Collector) ActionExecuted(actionType rules.ActionType, err error) {
	c.actions.WithLabelValues(string(actionType), outcome(err)).Inc()
}

func (c *Collector) ActionScheduled(actionType rules.ActionType) {
	c.actionsScheduled.WithLabelValues(string(actionType)).Inc()
}

func (c *Collector) AuditWriteFailed() {
	c.auditFailures.Inc()
}

func (c *Collector) QueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) ScheduledPending(count int) {
	c.scheduledPending.Set(float64(count))
}

// RateLimited counts a rejected trigger submission.
func (c *Collector) RateLimited() {
	c.rateLimited.Inc()
}

// ObserveRequest counts a served HTTP request.
func (c *Collector) ObserveRequest(method string, status int) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RegisterCounterFunc exposes an externally maintained counter, such as the
// logger's error totals.
func (c *Collector) RegisterCounterFunc(name, help string, fn func() float64) {
	if err := c.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, fn)); err != nil {
		c.logger.Warn("Failed to register counter", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
