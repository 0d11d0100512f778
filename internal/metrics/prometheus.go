package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exposes the same metric names as labels of three vectors.
type Prometheus struct {
	registry  *prometheus.Registry
	counters  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Prometheus{
		registry: registry,
		counters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Count of agent events by name",
			},
			[]string{"name"},
		),
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "duration_seconds",
				Help:      "Duration of agent cycles by name",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"name"},
		),
		gauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gauge",
				Help:      "Current value of agent gauges by name",
			},
			[]string{"name"},
		),
	}
}

func (p *Prometheus) Increment(metric string) {
	p.counters.WithLabelValues(label(metric)).Inc()
}

func (p *Prometheus) Add(metric string, value int) {
	p.counters.WithLabelValues(label(metric)).Add(float64(value))
}

func (p *Prometheus) Duration(metric string, duration time.Duration) {
	p.durations.WithLabelValues(label(metric)).Observe(duration.Seconds())
}

func (p *Prometheus) Gauge(metric string, value int) {
	p.gauges.WithLabelValues(label(metric)).Set(float64(value))
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func label(metric string) string {
	return strings.ReplaceAll(metric, ".", "_")
}
