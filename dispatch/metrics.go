package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	// Feeder metrics
	BatchesFed *prometheus.CounterVec
	ItemsFed   *prometheus.CounterVec

	// Worker metrics
	ItemsProcessed *prometheus.CounterVec
	ItemErrors     *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	WorkersLive    prometheus.Gauge
	WorkerCrashes  prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesFed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_batches_fed_total",
				Help: "Batches deposited on input channels",
			},
			[]string{"route"},
		),
		ItemsFed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_items_fed_total",
				Help: "Work items deposited on input channels",
			},
			[]string{"route"},
		),
		ItemsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_items_processed_total",
				Help: "Work items run through the target",
			},
			[]string{"route"},
		),
		ItemErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_item_errors_total",
				Help: "Work items recorded as error markers",
			},
			[]string{"route"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_batch_duration_seconds",
				Help:    "Time a worker spent on one batch",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"route"},
		),
		WorkersLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_workers_live",
				Help: "Workers currently running",
			},
		),
		WorkerCrashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_worker_crashes_total",
				Help: "Worker processes that died unexpectedly",
			},
		),
	}
}

func (m *Metrics) batchFed(route string, items int) {
	if m == nil {
		return
	}
	m.BatchesFed.WithLabelValues(route).Inc()
	m.ItemsFed.WithLabelValues(route).Add(float64(items))
}

func (m *Metrics) itemFailed(route string) {
	if m == nil {
		return
	}
	m.ItemErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) batchProcessed(route string, items int, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(route).Add(float64(items))
	m.BatchDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) workerUp() {
	if m == nil {
		return
	}
	m.WorkersLive.Inc()
}

func (m *Metrics) workerDown() {
	if m == nil {
		return
	}
	m.WorkersLive.Dec()
}

func (m *Metrics) workerCrashed() {
	if m == nil {
		return
	}
	m.WorkerCrashes.Inc()
}
