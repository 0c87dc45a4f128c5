package consult

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker
type Metrics struct {
	// Counters
	RequestsTotal     *prometheus.CounterVec
	QueueEntriesTotal *prometheus.CounterVec
	SettlementsTotal  *prometheus.CounterVec
	BilledTotal       prometheus.Counter
	TokensTotal       *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Gauges
	SessionsActive    prometheus.Gauge
	ProvidersOnline   prometheus.Gauge
	ConnectionsActive prometheus.Gauge

	// Histograms
	SessionDuration *prometheus.HistogramVec
	HTTPDuration    *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_requests_total",
					Help: "Consultation request transitions by resulting status",
				},
				[]string{"status"},
			),
			QueueEntriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_queue_entries_total",
					Help: "Queue entry transitions by resulting status",
				},
				[]string{"status"},
			),
			SettlementsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_settlements_total",
					Help: "Session settlements (settled/replayed/error)",
				},
				[]string{"result"},
			),
			BilledTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "consultd_billed_minor_units_total",
					Help: "Total amount charged across settled sessions",
				},
			),
			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_tokens_total",
					Help: "Credential operations by kind and result",
				},
				[]string{"operation", "result"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_http_requests_total",
					Help: "HTTP API requests by route and error code",
				},
				[]string{"route", "code"},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consultd_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "consultd_sessions_active",
					Help: "Current unsettled sessions",
				},
			),
			ProvidersOnline: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "consultd_providers_online",
					Help: "Providers with a live heartbeat and at least one channel on",
				},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "consultd_push_connections_active",
					Help: "Current push channel connections",
				},
			),
			SessionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "consultd_session_duration_seconds",
					Help:    "Settled session duration",
					Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
				},
				[]string{"kind"},
			),
			HTTPDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "consultd_http_request_duration_seconds",
					Help:    "HTTP API request duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return InitMetrics()
}

func (m *Metrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordQueueEntry(status string) {
	if m == nil {
		return
	}
	m.QueueEntriesTotal.WithLabelValues(status).Inc()
}

// RecordSettlement counts a settlement attempt and the amount it charged.
func (m *Metrics) RecordSettlement(result string, amount int64) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
	if amount > 0 {
		m.BilledTotal.Add(float64(amount))
	}
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordToken(operation, result string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordHTTP(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) SetProvidersOnline(count int64) {
	if m == nil {
		return
	}
	m.ProvidersOnline.Set(float64(count))
}

func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
