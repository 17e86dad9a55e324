// Package metrics records lifecycle counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives lifecycle measurements.
type Recorder interface {
	ObserveAttempt(action, outcome string)
	ObservePublish(outcome string, duration time.Duration)
	ObserveIngest(advisory bool)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveAttempt(string, string) {}
func (Nop) ObservePublish(string, time.Duration) {}
func (Nop) ObserveIngest(bool) {}

// PrometheusRecorder implements Recorder on its own registry so several
// instances (tests, embedded servers) can coexist.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	attemptsTotal   *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	ingestTotal     *prometheus.CounterVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specline_attempts_total",
				Help: "Approve and reject attempts by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "specline_publish_duration_seconds",
				Help:    "Duration of issue publication calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ingestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "specline_ingest_total",
				Help: "Ingested drafts, split by whether an advisory was attached",
			},
			[]string{"advisory"},
		),
	}
}

func (p *PrometheusRecorder) ObserveAttempt(action, outcome string) {
	p.attemptsTotal.WithLabelValues(action, outcome).Inc()
}

func (p *PrometheusRecorder) ObservePublish(outcome string, duration time.Duration) {
	p.publishDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveIngest(advisory bool) {
	label := "false"
	if advisory {
		label = "true"
	}
	p.ingestTotal.WithLabelValues(label).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
