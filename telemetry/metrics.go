package telemetry

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Delivery outcomes recorded per fan-out attempt.
const (
	OutcomeDelivered    = "delivered"
	OutcomeDropped      = "dropped"
	OutcomeRejected     = "rejected"
	OutcomeQuarantined  = "quarantined"
	OutcomeDeadLettered = "deadlettered"
)

// Metrics contains all bus-level metrics.
type Metrics struct {
	ActiveClients        prometheus.Gauge
	MessagesSent         prometheus.Counter
	MessagesReceived     prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	RoomsTotal           prometheus.Gauge
	ChannelsTotal        prometheus.Gauge
	WebsocketConnections prometheus.Gauge
	TelemetryConnections prometheus.Gauge

	DeliveriesTotal    *prometheus.CounterVec
	ForwardedTotal     prometheus.Counter
	FeedbackSuppressed prometheus.Counter
	InspectionVerdicts *prometheus.CounterVec
	InspectionLatency  prometheus.Histogram
	OperatorsByHealth  *prometheus.GaugeVec
	ExportPublished    prometheus.Counter
	ExportErrors       prometheus.Counter

	uptime prometheus.GaugeFunc
	memory prometheus.GaugeFunc

	registry *prometheus.Registry
	started  time.Time
}

// NewMetrics creates and registers all bus metrics on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),

		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_clients",
			Help: "Currently authenticated client connections",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Envelopes delivered to subscriber queues",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Envelopes accepted from publishers",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors by wire error code",
		}, []string{"code"}),
		RoomsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rooms_total",
			Help: "Distinct rooms in the topic namespace",
		}),
		ChannelsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channels_total",
			Help: "Topics (channels) in the topic namespace",
		}),
		WebsocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open WebSocket connections, authenticated or not",
		}),
		TelemetryConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_connections",
			Help: "Subscribers on telemetry topics",
		}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Per-subscriber delivery attempts by outcome",
		}, []string{"outcome"}),
		ForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_forwarded_total",
			Help: "Envelopes republished along circuit edges",
		}),
		FeedbackSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_feedback_suppressed_total",
			Help: "Feedback traversals suppressed by an exhausted hop budget",
		}),
		InspectionVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspection_verdicts_total",
			Help: "Inspection decisions by verdict",
		}, []string{"verdict"}),
		InspectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inspection_latency_seconds",
			Help:    "Inspection pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		OperatorsByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "operators",
			Help: "Registered operators by health state",
		}, []string{"health"}),
		ExportPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_published_total",
			Help: "Envelopes mirrored to the export bridge",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_errors_total",
			Help: "Export bridge publish failures",
		}),
	}

	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since the bus started",
	}, func() float64 {
		return time.Since(m.started).Seconds()
	})
	m.memory = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "memory_usage_bytes",
		Help: "Heap bytes in use",
	}, func() float64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.HeapAlloc)
	})

	m.registry.MustRegister(
		m.ActiveClients,
		m.MessagesSent,
		m.MessagesReceived,
		m.ErrorsTotal,
		m.RoomsTotal,
		m.ChannelsTotal,
		m.WebsocketConnections,
		m.TelemetryConnections,
		m.DeliveriesTotal,
		m.ForwardedTotal,
		m.FeedbackSuppressed,
		m.InspectionVerdicts,
		m.InspectionLatency,
		m.OperatorsByHealth,
		m.ExportPublished,
		m.ExportErrors,
		m.uptime,
		m.memory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Uptime returns seconds since the metrics were created.
func (m *Metrics) Uptime() float64 { return time.Since(m.started).Seconds() }

// RecordReceived counts an envelope accepted from a publisher.
func (m *Metrics) RecordReceived() { m.MessagesReceived.Inc() }

// RecordDelivery counts one fan-out attempt and its outcome. Delivered
// attempts also feed messages_sent_total.
func (m *Metrics) RecordDelivery(outcome string) {
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDelivered {
		m.MessagesSent.Inc()
	}
}

// RecordError counts an error by its wire code.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordInspection records one pipeline decision.
func (m *Metrics) RecordInspection(verdict string, latency time.Duration) {
	m.InspectionVerdicts.WithLabelValues(verdict).Inc()
	m.InspectionLatency.Observe(latency.Seconds())
}

// RecordForwarded counts a circuit republication.
func (m *Metrics) RecordForwarded() { m.ForwardedTotal.Inc() }

// RecordFeedbackSuppressed counts a hop-budget suppression.
func (m *Metrics) RecordFeedbackSuppressed() { m.FeedbackSuppressed.Inc() }

// SetNamespaceCounts updates the rooms_total and channels_total gauges.
func (m *Metrics) SetNamespaceCounts(rooms, channels int) {
	m.RoomsTotal.Set(float64(rooms))
	m.ChannelsTotal.Set(float64(channels))
}

// SetOperatorHealth updates the operator gauge for one health state.
func (m *Metrics) SetOperatorHealth(health string, n int) {
	m.OperatorsByHealth.WithLabelValues(health).Set(float64(n))
}

// ClientConnected and ClientDisconnected track the authenticated client
// gauge.
func (m *Metrics) ClientConnected()    { m.ActiveClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.ActiveClients.Dec() }

// ConnOpened and ConnClosed track raw WebSocket connections.
func (m *Metrics) ConnOpened() { m.WebsocketConnections.Inc() }
func (m *Metrics) ConnClosed() { m.WebsocketConnections.Dec() }

// RecordExport counts a mirrored envelope or a bridge failure.
func (m *Metrics) RecordExport(err error) {
	if err != nil {
		m.ExportErrors.Inc()
		return
	}
	m.ExportPublished.Inc()
}
