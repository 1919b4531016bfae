package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	predictions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	explanations *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neuroscan_predictions_total",
			Help: "Predictions served, by predicted label.",
		}, []string{"label"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neuroscan_request_failures_total",
			Help: "Failed analysis requests, by error kind.",
		}, []string{"kind"}),
		explanations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neuroscan_explanations_total",
			Help: "Explanation attempts, by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neuroscan_stage_duration_seconds",
			Help:    "Time spent per pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.predictions, m.failures, m.explanations, m.latency)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observe(stage string, start time.Time) {
	m.latency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
