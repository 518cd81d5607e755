package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fieldline/internal/domain"
)

// Metrics turns telemetry events into Prometheus series.
type Metrics struct {
	toolLatency   *prometheus.HistogramVec
	toolOutcomes  *prometheus.CounterVec
	routes        *prometheus.CounterVec
	alertsAdded   *prometheus.CounterVec
	safetyVerdict *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg, reusing ones that are already
// registered so several engines can share a registry in tests.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldline",
			Subsystem: "tools",
			Name:      "invocation_duration_seconds",
			Help:      "Latency of tool invocations by tool and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		toolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldline",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocation attempts by tool and outcome.",
		}, []string{"tool", "outcome"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldline",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Queries handled by route.",
		}, []string{"route"}),
		alertsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldline",
			Subsystem: "alerts",
			Name:      "generated_total",
			Help:      "Alerts added by refresh passes.",
		}, []string{"farmer"}),
		safetyVerdict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldline",
			Subsystem: "safety",
			Name:      "verdicts_total",
			Help:      "Non-allow safety verdicts by action.",
		}, []string{"action"}),
	}
	m.toolLatency = mustRegister(reg, m.toolLatency)
	m.toolOutcomes = mustRegister(reg, m.toolOutcomes)
	m.routes = mustRegister(reg, m.routes)
	m.alertsAdded = mustRegister(reg, m.alertsAdded)
	m.safetyVerdict = mustRegister(reg, m.safetyVerdict)
	return m
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Observe is a sink callback.
func (m *Metrics) Observe(evt domain.Event) error {
	if m == nil {
		return nil
	}
	switch evt.Type {
	case EventToolResult:
		tool := stringField(evt.Payload, "tool")
		outcome := "failure"
		if ok, _ := evt.Payload["success"].(bool); ok {
			outcome = "success"
		}
		latency := time.Duration(numberField(evt.Payload, "latency_ms") * float64(time.Millisecond))
		m.toolLatency.WithLabelValues(tool, outcome).Observe(latency.Seconds())
		m.toolOutcomes.WithLabelValues(tool, outcome).Inc()
	case EventRouterRequest:
		m.routes.WithLabelValues(stringField(evt.Payload, "route")).Inc()
	case EventAlertsGenerated:
		m.alertsAdded.WithLabelValues(stringField(evt.Payload, "farmer_id")).Add(numberField(evt.Payload, "added"))
	case EventSafetyVerdict:
		m.safetyVerdict.WithLabelValues(stringField(evt.Payload, "action")).Inc()
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// numberField accepts both in-process numeric types and JSON-decoded float64.
func numberField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
