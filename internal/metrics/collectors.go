package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forecast"

// Collectors owns every Prometheus collector the service exports. All methods
// are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	Requests          *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	FrameRows         prometheus.Gauge
	FrameGeneration   prometheus.Gauge
	ModelVersion      prometheus.Gauge
	QueueDepth        prometheus.Gauge
	ConsumerMessages  *prometheus.CounterVec
	ConsumerLag       prometheus.Gauge
	ObjectLogFlushes  *prometheus.CounterVec
	ObjectLogDropped  prometheus.Counter
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		InferenceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent producing a forecast.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source", "result"}),
		FrameRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_rows",
			Help:      "Rows held in the cached feature frame.",
		}),
		FrameGeneration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_generation",
			Help:      "Generation counter of the cached feature frame.",
		}),
		ModelVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_version",
			Help:      "Version of the currently published model.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_queue_depth",
			Help:      "Messages waiting for a consumer worker.",
		}),
		ConsumerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"outcome"}),
		ConsumerLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag_seconds",
			Help:      "Age of the last processed message.",
		}),
		ObjectLogFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objectlog_flushes_total",
			Help:      "Object log segment uploads by result.",
		}, []string{"result"}),
		ObjectLogDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objectlog_dropped_bytes_total",
			Help:      "Bytes dropped from the object log buffer after repeated upload failures.",
		}),
	}
}

func (c *Collectors) ObserveRequest(route, code string) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(route, code).Inc()
}

func (c *Collectors) ObserveInference(source, result string, seconds float64) {
	if c == nil {
		return
	}
	c.InferenceDuration.WithLabelValues(source, result).Observe(seconds)
}

func (c *Collectors) SetFrame(rows int, generation uint64) {
	if c == nil {
		return
	}
	c.FrameRows.Set(float64(rows))
	c.FrameGeneration.Set(float64(generation))
}

func (c *Collectors) SetModelVersion(v uint64) {
	if c == nil {
		return
	}
	c.ModelVersion.Set(float64(v))
}

func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}

func (c *Collectors) CountMessage(outcome string) {
	if c == nil {
		return
	}
	c.ConsumerMessages.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SetLag(seconds float64) {
	if c == nil {
		return
	}
	c.ConsumerLag.Set(seconds)
}

func (c *Collectors) CountFlush(result string) {
	if c == nil {
		return
	}
	c.ObjectLogFlushes.WithLabelValues(result).Inc()
}

func (c *Collectors) AddDropped(n int) {
	if c == nil {
		return
	}
	c.ObjectLogDropped.Add(float64(n))
}
