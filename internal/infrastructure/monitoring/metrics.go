package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for transfer metrics.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	// Admin HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Broker metrics
	SlavesActive       prometheus.Gauge
	SlavesTotal        prometheus.Counter
	SlaveDisconnects   *prometheus.CounterVec
	PendingConnections prometheus.Gauge
	ConnectResults     *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec

	// Operation timing
	OperationDuration *prometheus.HistogramVec

	// Channel metrics
	ChannelsActive      prometheus.Gauge
	ChannelsTotal       prometheus.Counter
	MessagesTransferred *prometheus.CounterVec
	HandlesTransferred  *prometheus.CounterVec

	// Shared memory metrics
	SharedBuffersCreated *prometheus.CounterVec
	SharedBytesMapped    prometheus.Counter

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for the JSON status endpoint
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON status endpoint
type MetricsSnapshot struct {
	ActiveSlaves       int64   `json:"active_slaves"`
	PendingConnections int64   `json:"pending_connections"`
	ActiveChannels     int64   `json:"active_channels"`
	ProtocolErrors     int64   `json:"protocol_errors"`
	MessagesSent       int64   `json:"messages_sent"`
	MessagesReceived   int64   `json:"messages_received"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered against reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler;
// tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_admin_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipc_admin_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		SlavesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipc_broker_slaves_active",
				Help: "Number of slaves connected to the broker",
			},
		),
		SlavesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipc_broker_slaves_total",
				Help: "Total number of slaves added to the broker",
			},
		),
		SlaveDisconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_broker_slave_disconnects_total",
				Help: "Total number of slave disconnects",
			},
			[]string{"reason"},
		),
		PendingConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipc_broker_pending_connections",
				Help: "Number of outstanding rendezvous entries",
			},
		),
		ConnectResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_broker_connect_results_total",
				Help: "Connect outcomes by result",
			},
			[]string{"result"},
		),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_broker_protocol_errors_total",
				Help: "Rejected slave requests by reason",
			},
			[]string{"reason"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipc_operation_duration_seconds",
				Help:    "Duration of connection manager operations",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"operation", "status"},
		),

		ChannelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipc_channels_active",
				Help: "Number of running channels",
			},
		),
		ChannelsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipc_channels_total",
				Help: "Total number of channels created",
			},
		),
		MessagesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_channel_messages_total",
				Help: "Messages carried by channels",
			},
			[]string{"direction"},
		),
		HandlesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_channel_handles_total",
				Help: "Native handles carried by channels",
			},
			[]string{"direction"},
		),

		SharedBuffersCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_shared_buffers_created_total",
				Help: "Shared buffers created by backing kind",
			},
			[]string{"backing"},
		),
		SharedBytesMapped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipc_shared_bytes_mapped_total",
				Help: "Bytes mapped from shared buffers",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ipc_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOperation records how long a connection manager operation took
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// SlaveAdded records a slave joining the broker
func (m *Metrics) SlaveAdded() {
	if m == nil {
		return
	}
	m.SlavesTotal.Inc()
	m.SlavesActive.Inc()
	m.mu.Lock()
	m.snapshot.ActiveSlaves++
	m.mu.Unlock()
}

// SlaveRemoved records a slave leaving the broker
func (m *Metrics) SlaveRemoved(reason string) {
	if m == nil {
		return
	}
	m.SlaveDisconnects.WithLabelValues(reason).Inc()
	m.SlavesActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveSlaves--
	m.mu.Unlock()
}

// SetPendingConnections sets the number of outstanding rendezvous entries
func (m *Metrics) SetPendingConnections(count int) {
	if m == nil {
		return
	}
	m.PendingConnections.Set(float64(count))
	m.mu.Lock()
	m.snapshot.PendingConnections = int64(count)
	m.mu.Unlock()
}

// RecordConnectResult records the outcome of a Connect call
func (m *Metrics) RecordConnectResult(result string) {
	if m == nil {
		return
	}
	m.ConnectResults.WithLabelValues(result).Inc()
}

// RecordProtocolError records a rejected slave request
func (m *Metrics) RecordProtocolError(reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.ProtocolErrors++
	m.mu.Unlock()
}

// ChannelStarted records a channel coming up
func (m *Metrics) ChannelStarted() {
	if m == nil {
		return
	}
	m.ChannelsTotal.Inc()
	m.ChannelsActive.Inc()
	m.mu.Lock()
	m.snapshot.ActiveChannels++
	m.mu.Unlock()
}

// ChannelStopped records a channel being torn down
func (m *Metrics) ChannelStopped() {
	if m == nil {
		return
	}
	m.ChannelsActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveChannels--
	m.mu.Unlock()
}

// RecordMessage records one message and its attached handles
func (m *Metrics) RecordMessage(direction string, handles int) {
	if m == nil {
		return
	}
	m.MessagesTransferred.WithLabelValues(direction).Inc()
	if handles > 0 {
		m.HandlesTransferred.WithLabelValues(direction).Add(float64(handles))
	}
	m.mu.Lock()
	if direction == DirectionSent {
		m.snapshot.MessagesSent++
	} else {
		m.snapshot.MessagesReceived++
	}
	m.mu.Unlock()
}

// RecordSharedBuffer records a shared buffer creation
func (m *Metrics) RecordSharedBuffer(backing string) {
	if m == nil {
		return
	}
	m.SharedBuffersCreated.WithLabelValues(backing).Inc()
}

// RecordMapped records bytes mapped from a shared buffer
func (m *Metrics) RecordMapped(n int) {
	if m == nil {
		return
	}
	m.SharedBytesMapped.Add(float64(n))
}

// Snapshot returns the current values for the JSON status endpoint
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
