package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/teletherapy-platform/internal/monitor"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
)

// FlowMetrics exposes counters, gauges and histograms for the flow engine.
type FlowMetrics struct {
	transitionsTotal *prometheus.CounterVec
	violationsTotal  *prometheus.CounterVec
	recoveriesTotal  *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	healthFailing    prometheus.Gauge
	healthStatus     *prometheus.GaugeVec
	operationLatency *prometheus.HistogramVec
}

func NewFlowMetrics(reg prometheus.Registerer) *FlowMetrics {
	m := &FlowMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teletherapy",
			Subsystem: "flow",
			Name:      "transitions_total",
			Help:      "Accepted state transitions",
		}, []string{"entity", "to"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teletherapy",
			Subsystem: "flow",
			Name:      "violations_total",
			Help:      "Rejected transitions and integrity anomalies",
		}, []string{"type", "severity"}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teletherapy",
			Subsystem: "recovery",
			Name:      "operations_total",
			Help:      "Queued operation events by outcome",
		}, []string{"queue", "outcome"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teletherapy",
			Subsystem: "recovery",
			Name:      "alerts_total",
			Help:      "Operator alerts raised",
		}, []string{"severity"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "teletherapy",
			Subsystem: "recovery",
			Name:      "queue_depth",
			Help:      "Operations per queue and status",
		}, []string{"queue", "status"}),
		healthFailing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teletherapy",
			Subsystem: "health",
			Name:      "failing_checks",
			Help:      "Failing checks in the last health run",
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "teletherapy",
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current aggregate health status",
		}, []string{"status"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teletherapy",
			Subsystem: "flow",
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.violationsTotal, m.recoveriesTotal, m.alertsTotal,
		m.queueDepth, m.healthFailing, m.healthStatus, m.operationLatency)
	return m
}

// ObserveEvent is a monitor subscriber.
func (m *FlowMetrics) ObserveEvent(evt monitor.Event) {
	if m == nil {
		return
	}
	switch {
	case evt.Transition != nil:
		m.transitionsTotal.WithLabelValues(string(evt.Transition.Entity), string(evt.Transition.To)).Inc()
	case evt.Violation != nil:
		m.violationsTotal.WithLabelValues(evt.Violation.Type, string(evt.Violation.Severity)).Inc()
	case evt.Recovery != nil:
		m.recoveriesTotal.WithLabelValues(evt.Recovery.Queue, evt.Recovery.Outcome).Inc()
	case evt.Alert != nil:
		m.alertsTotal.WithLabelValues(string(evt.Alert.Severity)).Inc()
	}
}

func (m *FlowMetrics) ObserveQueue(st recovery.QueueStatus) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(st.Name, string(recovery.StatusPending)).Set(float64(st.Pending))
	m.queueDepth.WithLabelValues(st.Name, string(recovery.StatusFailed)).Set(float64(st.Failed))
}

func (m *FlowMetrics) ObserveHealth(report recovery.HealthReport) {
	if m == nil {
		return
	}
	m.healthFailing.Set(float64(report.Failing))
	for _, s := range []recovery.HealthStatus{recovery.HealthHealthy, recovery.HealthDegraded, recovery.HealthUnhealthy} {
		v := 0.0
		if s == report.Status {
			v = 1
		}
		m.healthStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (m *FlowMetrics) ObserveOperation(operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operationLatency.WithLabelValues(operation, result).Observe(seconds)
}
