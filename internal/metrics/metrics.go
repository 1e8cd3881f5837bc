package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crisis"

// Metrics holds the engine's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Detections         *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	SyncQueueDepth     prometheus.Gauge
	SyncDeadLetters    prometheus.Counter
	OperationalAlerts  *prometheus.CounterVec
	EscalationsRelayed *prometheus.CounterVec
	ActiveEvents       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Classified inputs by severity and trigger type",
		}, []string{"severity", "trigger_type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed crisis state transitions by kind",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Alert deliveries by channel and status",
		}, []string{"channel", "status"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one alert to one channel",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Entries waiting in the offline sync queue",
		}),
		SyncDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dead_letters_total",
			Help:      "Entries moved to the dead-letter set",
		}),
		OperationalAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operational_alerts_total",
			Help:      "Permanent delivery failures raised for operator follow-up",
		}, []string{"source"}),
		EscalationsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "escalations_total",
			Help:      "Escalations relayed to the human-response webhook by outcome",
		}, []string{"outcome"}),
		ActiveEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_events",
			Help:      "Open or escalated crisis events held in memory",
		}),
	}

	reg.MustRegister(
		m.Detections,
		m.Transitions,
		m.Deliveries,
		m.DeliveryDuration,
		m.SyncQueueDepth,
		m.SyncDeadLetters,
		m.OperationalAlerts,
		m.EscalationsRelayed,
		m.ActiveEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDetection(severity, triggerType string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(severity, triggerType).Inc()
}

func (m *Metrics) ObserveTransition(kind string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDelivery(channel, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, status).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(seconds)
}

func (m *Metrics) SetSyncQueueDepth(n int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveDeadLetter() {
	if m == nil {
		return
	}
	m.SyncDeadLetters.Inc()
}

func (m *Metrics) ObserveOperationalAlert(source string) {
	if m == nil {
		return
	}
	m.OperationalAlerts.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveRelay(outcome string) {
	if m == nil {
		return
	}
	m.EscalationsRelayed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveEvents(n int) {
	if m == nil {
		return
	}
	m.ActiveEvents.Set(float64(n))
}
