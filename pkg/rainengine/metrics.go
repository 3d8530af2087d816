package rainengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	frames       prometheus.Counter
	frameSeconds prometheus.Histogram
	layerErrors  *prometheus.CounterVec
}

var defaultMetrics = &metrics{
	frames: promauto.NewCounter(prometheus.CounterOpts{
		Name: "rainfall_engine_frames_total",
		Help: "Frames rendered by the worker",
	}),
	frameSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rainfall_engine_frame_seconds",
		Help:    "Time spent compositing one frame",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}),
	layerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rainfall_engine_layer_errors_total",
		Help: "Layers left out of a frame because they failed",
	}, []string{"layer"}),
}
