// Package metrics exposes Prometheus instruments for the HTTP surface and
// the classifier.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inference       prometheus.Histogram
	predictions     *prometheus.CounterVec
	modelLoads      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "model_inference_duration_seconds",
			Help:    "Duration of a single forward pass in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_predictions_total",
				Help: "Predictions served, by predicted class",
			}, []string{"class"},
		),
		modelLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "model_loads_total",
				Help: "Model load attempts, by result",
			}, []string{"result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prediction_cache_lookups_total",
				Help: "Prediction cache lookups, by result",
			}, []string{"result"},
		),
	}
	m.registry.MustRegister(
		m.requestCount, m.requestDuration, m.inference,
		m.predictions, m.modelLoads, m.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestCount.WithLabelValues(path, c.Request.Method, status).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

// ObserveInference records the duration of one forward pass.
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inference.Observe(d.Seconds())
}

// ObservePrediction counts a served prediction.
func (m *Metrics) ObservePrediction(class string) {
	m.predictions.WithLabelValues(class).Inc()
}

// ObserveLoad counts a model load attempt. Its signature matches
// model.WithLoadHook.
func (m *Metrics) ObserveLoad(_ time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.modelLoads.WithLabelValues(result).Inc()
}

// ObserveCache counts a cache lookup; result is "hit", "miss" or "error".
func (m *Metrics) ObserveCache(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}
