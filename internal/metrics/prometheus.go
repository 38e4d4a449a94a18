package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets covers sub-millisecond single predictions up to slow batches.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// Prometheus exports observations on its own registry.
type Prometheus struct {
	registry      *prometheus.Registry
	predictions   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	batchSize     prometheus.Histogram
	feedback      *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
}

// NewPrometheus registers the moderation collectors plus the Go runtime and
// process collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prediction_total",
			Help: "Total predictions saved, by label and decision.",
		}, []string{"label", "allowed"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prediction_latency_seconds",
			Help:    "Classifier call latency.",
			Buckets: latencyBuckets,
		}, []string{"op"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_batch_size",
			Help:    "Number of texts per batch classifier call.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedback_total",
			Help: "Total feedback records saved.",
		}, []string{"predicted_label", "correct_label"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_errors_total",
			Help: "Audit store operations that failed.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		p.predictions, p.latency, p.batchSize, p.feedback, p.storageErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) InferenceObserved(op string, items int, elapsed time.Duration) {
	p.latency.WithLabelValues(op).Observe(elapsed.Seconds())
	if op == "predict_batch" {
		p.batchSize.Observe(float64(items))
	}
}

func (p *Prometheus) PredictionRecorded(label string, allowed bool) {
	p.predictions.WithLabelValues(label, strconv.FormatBool(allowed)).Inc()
}

func (p *Prometheus) FeedbackRecorded(predicted, correct string) {
	p.feedback.WithLabelValues(predicted, correct).Inc()
}

func (p *Prometheus) StorageFailed(op string) {
	p.storageErrors.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
