// Package metrics exposes stream counters in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "streamer"

type Metrics struct {
	registry      *prometheus.Registry
	activeStreams prometheus.Gauge
	streamedBytes prometheus.Counter
	streams       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently pumping bytes to a client.",
		}),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes written to clients.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Finished streams by outcome.",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Stream requests rejected before streaming, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.activeStreams,
		m.streamedBytes,
		m.streams,
		m.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) StreamStarted() {
	m.activeStreams.Inc()
}

func (m *Metrics) StreamFinished(outcome string, written int64) {
	m.activeStreams.Dec()
	m.streams.WithLabelValues(outcome).Inc()
	if written > 0 {
		m.streamedBytes.Add(float64(written))
	}
}

func (m *Metrics) RequestRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
