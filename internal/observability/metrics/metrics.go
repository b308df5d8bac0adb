package metrics

import "github.com/prometheus/client_golang/prometheus"

// ChatMetrics exposes counters/histograms for the chat safety and orchestration flows.
type ChatMetrics struct {
	detectionsTotal    *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
	tagsTotal          *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	draftsTotal        *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
}

func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "safety",
			Name:      "detections_total",
			Help:      "Danger detector runs by layer and outcome",
		}, []string{"layer", "outcome"}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "safety",
			Name:      "escalations_total",
			Help:      "Danger escalations by triggering layer and result",
		}, []string{"layer", "result"}),
		tagsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "tagging",
			Name:      "tags_total",
			Help:      "Therapist tags created by urgency",
		}, []string{"urgency"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "notify",
			Name:      "scheduled_total",
			Help:      "Notifications handed to a channel by event, kind and status",
		}, []string{"event", "kind", "status"}),
		draftsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "careline",
			Subsystem: "drafts",
			Name:      "actions_total",
			Help:      "Draft workflow actions by action and status",
		}, []string{"action", "status"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "careline",
			Subsystem: "ai",
			Name:      "gateway_latency_seconds",
			Help:      "Latency of AI gateway calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"operation", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.detectionsTotal, m.escalationsTotal, m.tagsTotal, m.notificationsTotal, m.draftsTotal, m.gatewayLatency)
	return m
}

func (m *ChatMetrics) ObserveDetection(layer, outcome string) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(layer, outcome).Inc()
}

func (m *ChatMetrics) ObserveEscalation(layer, result string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(layer, result).Inc()
}

func (m *ChatMetrics) ObserveTag(urgency string) {
	if m == nil {
		return
	}
	m.tagsTotal.WithLabelValues(urgency).Inc()
}

func (m *ChatMetrics) ObserveNotification(event, kind string, ok bool) {
	if m == nil {
		return
	}
	status := "scheduled"
	if !ok {
		status = "failed"
	}
	m.notificationsTotal.WithLabelValues(event, kind, status).Inc()
}

func (m *ChatMetrics) ObserveDraft(action string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.draftsTotal.WithLabelValues(action, status).Inc()
}

func (m *ChatMetrics) ObserveGateway(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.gatewayLatency.WithLabelValues(operation, status).Observe(seconds)
}
