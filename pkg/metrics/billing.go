package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "billing"

// BillingMetrics covers the webhook boundary, the reconciler, the command
// gateway and snapshot builds. A nil *BillingMetrics is a no-op.
type BillingMetrics struct {
	webhookRequests *prometheus.CounterVec
	webhookDuration prometheus.Histogram
	reconcile       *prometheus.CounterVec
	gateway         *prometheus.CounterVec
	snapshotBuilds  *prometheus.CounterVec
	mrr             *prometheus.GaugeVec
}

// NewBillingMetrics registers the collectors on reg.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Billing webhook deliveries by internal event type and outcome.",
		}, []string{"type", "outcome"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Billing webhook handling latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciler decisions by outcome and event type.",
		}, []string{"outcome", "type"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_attempts_total",
			Help:      "Outbound provider command attempts by command and result.",
		}, []string{"command", "result"}),
		snapshotBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_builds_total",
			Help:      "Metrics snapshot builds by window and result.",
		}, []string{"window", "result"}),
		mrr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mrr",
			Help:      "Monthly recurring revenue of the latest published snapshot.",
		}, []string{"window"}),
	}
	if reg != nil {
		reg.MustRegister(m.webhookRequests, m.webhookDuration, m.reconcile, m.gateway, m.snapshotBuilds, m.mrr)
	}
	return m
}

func (m *BillingMetrics) ObserveWebhook(eventType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
	m.webhookDuration.Observe(took.Seconds())
}

func (m *BillingMetrics) IncReconcile(outcome, eventType string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(normalizeLabel(outcome), normalizeLabel(eventType)).Inc()
}

func (m *BillingMetrics) IncGatewayAttempt(command, result string) {
	if m == nil {
		return
	}
	m.gateway.WithLabelValues(normalizeLabel(command), normalizeLabel(result)).Inc()
}

func (m *BillingMetrics) ObserveSnapshot(window string, err error, mrr float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshotBuilds.WithLabelValues(normalizeLabel(window), "failure").Inc()
		return
	}
	m.snapshotBuilds.WithLabelValues(normalizeLabel(window), "success").Inc()
	m.mrr.WithLabelValues(normalizeLabel(window)).Set(mrr)
}
