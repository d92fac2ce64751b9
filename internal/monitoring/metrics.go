package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments shared across the connection
// fabric. Every accessor is nil-safe so components can be constructed
// with a nil *Metrics in tests without registering anything against the
// default registry.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	StreamsActive     prometheus.Gauge
	StreamsTotal      prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	RequestErrors     *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
	PingsTotal        *prometheus.CounterVec
	StreamPayloads    *prometheus.CounterVec
	QueueDrops        *prometheus.CounterVec
	CapacityRejected  prometheus.Counter
}

// NewMetrics creates and registers the fabric's instruments against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xtbconn_sessions_active",
			Help: "Number of active Sessions held by the pool.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xtbconn_sessions_total",
			Help: "Total Sessions created.",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xtbconn_stream_sessions_active",
			Help: "Number of active Stream Sessions held by the pool.",
		}),
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xtbconn_stream_sessions_total",
			Help: "Total Stream Sessions created.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_requests_total",
			Help: "Requests sent on the Request Channel, by command.",
		}, []string{"command"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_request_errors_total",
			Help: "Request errors, by kind.",
		}, []string{"kind"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_reconnects_total",
			Help: "Reconnect attempts, by owner (session|stream_session).",
		}, []string{"owner"}),
		PingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_pings_total",
			Help: "Keepalive pings sent, by channel kind.",
		}, []string{"channel_kind"}),
		StreamPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_stream_payloads_total",
			Help: "Stream payloads dispatched, by command.",
		}, []string{"command"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtbconn_subscription_queue_drops_total",
			Help: "Oldest-payload drops on a full subscription queue, by command.",
		}, []string{"command"}),
		CapacityRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xtbconn_capacity_rejected_total",
			Help: "Requests for a new Session/Stream Session rejected by the cap.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive, m.SessionsTotal, m.StreamsActive, m.StreamsTotal,
			m.RequestsTotal, m.RequestErrors, m.ReconnectsTotal, m.PingsTotal,
			m.StreamPayloads, m.QueueDrops, m.CapacityRejected,
		)
	}

	return m
}

func (m *Metrics) incRequests(command string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) incRequestError(kind string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) incReconnect(owner string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(owner).Inc()
}

func (m *Metrics) incPing(channelKind string) {
	if m == nil {
		return
	}
	m.PingsTotal.WithLabelValues(channelKind).Inc()
}

func (m *Metrics) incStreamPayload(command string) {
	if m == nil {
		return
	}
	m.StreamPayloads.WithLabelValues(command).Inc()
}

func (m *Metrics) incQueueDrop(command string) {
	if m == nil {
		return
	}
	m.QueueDrops.WithLabelValues(command).Inc()
}

func (m *Metrics) incCapacityRejected() {
	if m == nil {
		return
	}
	m.CapacityRejected.Inc()
}

// IncRequests is the exported form for callers outside this package.
func (m *Metrics) IncRequests(command string) { m.incRequests(command) }

// IncRequestError is the exported form for callers outside this package.
func (m *Metrics) IncRequestError(kind string) { m.incRequestError(kind) }

// IncReconnect is the exported form for callers outside this package.
func (m *Metrics) IncReconnect(owner string) { m.incReconnect(owner) }

// IncPing is the exported form for callers outside this package.
func (m *Metrics) IncPing(channelKind string) { m.incPing(channelKind) }

// IncStreamPayload is the exported form for callers outside this package.
func (m *Metrics) IncStreamPayload(command string) { m.incStreamPayload(command) }

// IncQueueDrop is the exported form for callers outside this package.
func (m *Metrics) IncQueueDrop(command string) { m.incQueueDrop(command) }

// IncCapacityRejected is the exported form for callers outside this package.
func (m *Metrics) IncCapacityRejected() { m.incCapacityRejected() }
