package loadqueue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var errEmptyImage = errors.New("load finished without an image")

type metrics struct {
	queued    prometheus.Gauge
	loading   prometheus.Gauge
	completed *prometheus.CounterVec
}

var defaultMetrics = &metrics{
	queued: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rainfall_loadqueue_queued",
		Help: "Tile and image loads waiting for admission",
	}),
	loading: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rainfall_loadqueue_loading",
		Help: "Tile and image loads currently in flight",
	}),
	completed: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rainfall_loadqueue_completed_total",
		Help: "Finished tile and image loads by result",
	}, []string{"result"}),
}
