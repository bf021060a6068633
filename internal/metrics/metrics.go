// Package metrics exposes relay and forwarding counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uprelay"

// Metrics holds every collector. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	UploadsTotal    *prometheus.CounterVec
	UploadBytes     prometheus.Counter
	UploadsInFlight prometheus.Gauge

	ServerRunning prometheus.Gauge

	ForwardStarts  *prometheus.CounterVec
	ForwardExits   prometheus.Counter
	ForwardRunning prometheus.Gauge

	DeviceChecks    prometheus.Counter
	DeviceConnected prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Upload requests by outcome",
			},
			[]string{"result"},
		),
		UploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes written to the upload directory",
			},
		),
		UploadsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uploads_in_flight",
				Help:      "Uploads currently streaming to disk",
			},
		),
		ServerRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_running",
				Help:      "1 while the upload relay is listening",
			},
		),
		ForwardStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_starts_total",
				Help:      "Forwarding tool start attempts by outcome",
			},
			[]string{"result"},
		),
		ForwardExits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_exits_total",
				Help:      "Forwarding tool process exits",
			},
		),
		ForwardRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forward_running",
				Help:      "1 while a forwarding process is tracked",
			},
		),
		DeviceChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_checks_total",
				Help:      "Device presence probes",
			},
		),
		DeviceConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_connected",
				Help:      "1 when the last probe found a device",
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UploadResult(result string, size int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
	if size > 0 {
		m.UploadBytes.Add(float64(size))
	}
}

func (m *Metrics) UploadBegin() {
	if m == nil {
		return
	}
	m.UploadsInFlight.Inc()
}

func (m *Metrics) UploadEnd() {
	if m == nil {
		return
	}
	m.UploadsInFlight.Dec()
}

func (m *Metrics) SetServerRunning(running bool) {
	if m == nil {
		return
	}
	m.ServerRunning.Set(boolToFloat(running))
}

func (m *Metrics) ForwardStart(result string) {
	if m == nil {
		return
	}
	m.ForwardStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetForwardRunning(running bool) {
	if m == nil {
		return
	}
	m.ForwardRunning.Set(boolToFloat(running))
}

func (m *Metrics) ForwardExit() {
	if m == nil {
		return
	}
	m.ForwardExits.Inc()
}

func (m *Metrics) DeviceCheck(connected bool) {
	if m == nil {
		return
	}
	m.DeviceChecks.Inc()
	m.DeviceConnected.Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
