package nt

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional Prometheus surface for a server or client process.
// Every method tolerates a nil receiver so a process that never calls
// NewMetrics pays nothing for instrumentation.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	EntriesTotal      prometheus.Gauge
	NotifierQueueDepth prometheus.GaugeFunc
	BytesRead         prometheus.Counter
	BytesWritten      prometheus.Counter
}

var metricsOnce sync.Once
var metricsInstance *Metrics

// NewMetrics registers the nt_* gauges and counters against registerer (or
// prometheus.DefaultRegisterer if nil) and returns the singleton instance.
// queueDepth is polled lazily by the registry scrape, not pushed.
func NewMetrics(registerer prometheus.Registerer, queueDepth func() float64) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "nt_connections_active",
				Help: "Number of active NetworkTables connections.",
			}),
			EntriesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "nt_entries_total",
				Help: "Number of entries currently in the table.",
			}),
			BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nt_bytes_read_total",
				Help: "Total bytes decoded from peer connections.",
			}),
			BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nt_bytes_written_total",
				Help: "Total bytes encoded to peer connections.",
			}),
		}
		m.NotifierQueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nt_notifier_queue_depth",
			Help: "Pending events in the notifier's delivery channel.",
		}, queueDepth)

		registerer.MustRegister(
			m.ConnectionsActive,
			m.EntriesTotal,
			m.BytesRead,
			m.BytesWritten,
			m.NotifierQueueDepth,
		)

		metricsInstance = m
	})

	return metricsInstance
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

func (m *Metrics) SetEntryCount(n int) {
	if m == nil {
		return
	}
	m.EntriesTotal.Set(float64(n))
}

func (m *Metrics) AddBytesRead(n int) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
}

func (m *Metrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}
