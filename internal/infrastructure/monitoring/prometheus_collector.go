package monitoring

import (
	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the core's metrics sink on top of
// prometheus. Registration happens in init order via promauto against the
// default registry.
type PrometheusCollector struct {
	sessionsActive      prometheus.Gauge
	sessionsOpenedTotal *prometheus.CounterVec
	sessionsClosedTotal *prometheus.CounterVec

	streamReferences *prometheus.GaugeVec
	deviceStreaming  *prometheus.GaugeVec

	negotiationDuration prometheus.Histogram
	sweepClosedTotal    prometheus.Counter
	sweepRunsTotal      prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "realsense_sessions_active",
			Help: "Number of live WebRTC sessions",
		}),

		sessionsOpenedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "realsense_sessions_opened_total",
			Help: "Total number of sessions opened",
		}, []string{"device_id"}),

		sessionsClosedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "realsense_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		}, []string{"device_id", "reason"}),

		streamReferences: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realsense_stream_references",
			Help: "Current reference count per device and stream type",
		}, []string{"device_id", "stream_type"}),

		deviceStreaming: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realsense_device_streaming",
			Help: "Whether the device pipeline is running (1) or stopped (0)",
		}, []string{"device_id"}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "realsense_negotiation_duration_seconds",
			Help:    "Time from session open to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		sweepClosedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realsense_sweep_closed_sessions_total",
			Help: "Total number of sessions closed by the expiry sweep",
		}),

		sweepRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realsense_sweep_runs_total",
			Help: "Total number of expiry sweep runs",
		}),
	}
}

func (p *PrometheusCollector) SessionOpened(id domain.DeviceID) {
	p.sessionsActive.Inc()
	p.sessionsOpenedTotal.WithLabelValues(string(id)).Inc()
}

func (p *PrometheusCollector) SessionClosed(id domain.DeviceID, reason string) {
	p.sessionsActive.Dec()
	p.sessionsClosedTotal.WithLabelValues(string(id), reason).Inc()
}

func (p *PrometheusCollector) SetStreamReferences(id domain.DeviceID, t domain.StreamType, count int) {
	p.streamReferences.WithLabelValues(string(id), string(t)).Set(float64(count))
}

func (p *PrometheusCollector) SetDeviceStreaming(id domain.DeviceID, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	p.deviceStreaming.WithLabelValues(string(id)).Set(v)
}

func (p *PrometheusCollector) ObserveNegotiationDuration(seconds float64) {
	p.negotiationDuration.Observe(seconds)
}

func (p *PrometheusCollector) RecordSweep(closed int) {
	p.sweepRunsTotal.Inc()
	p.sweepClosedTotal.Add(float64(closed))
}
