// Package metrics exposes backfill progress as Prometheus metrics. The pipeline
// feeds it through dispatcher hooks and progress snapshots; the status server
// serves it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/timmy/emomo-backfill/internal/pipeline"
)

const namespace = "emomo_backfill"

// Collector holds the backfill metrics of one process.
type Collector struct {
	recordsFetched prometheus.Counter
	pagesFetched   prometheus.Counter
	outcomes       *prometheus.CounterVec
	pauses         prometheus.Counter
	checkpoints    prometheus.Counter

	queueDepth     prometheus.Gauge
	busyWorkers    prometheus.Gauge
	totalKnown     prometheus.Gauge
	safeCheckpoint prometheus.Gauge
	paused         prometheus.Gauge

	reembedded *prometheus.CounterVec
}

// NewCollector creates the collector and registers it with reg.
// Parameters:
//   - reg: registry to register with; nil uses prometheus.DefaultRegisterer.
//   - job: value of the constant job label.
// Returns:
//   - *Collector: registered collector.
func NewCollector(reg prometheus.Registerer, job string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"job_name": job}

	c := &Collector{
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_fetched_total",
			Help: "Records read from the table", ConstLabels: labels,
		}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pages_fetched_total",
			Help: "Non-empty pages read from the table", ConstLabels: labels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_total",
			Help: "Records handled by workers, by outcome", ConstLabels: labels,
		}, []string{"outcome"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "producer_pauses_total",
			Help: "Times the producer was paused by a full queue", ConstLabels: labels,
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_advances_total",
			Help: "Times the safe checkpoint moved forward", ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Jobs waiting in the queue", ConstLabels: labels,
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "busy_workers",
			Help: "Workers currently executing a job", ConstLabels: labels,
		}),
		totalKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "records_known",
			Help: "Best known total of records to visit", ConstLabels: labels,
		}),
		safeCheckpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "safe_checkpoint_id",
			Help: "Highest id below which every record is done", ConstLabels: labels,
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "producer_paused",
			Help: "1 while the producer is paused", ConstLabels: labels,
		}),
		reembedded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reembed_records_total",
			Help: "Memes handled by the reembed job, by outcome", ConstLabels: labels,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.recordsFetched, c.pagesFetched, c.outcomes, c.pauses, c.checkpoints,
		c.queueDepth, c.busyWorkers, c.totalKnown, c.safeCheckpoint, c.paused,
		c.reembedded,
	)
	return c
}

// Hooks returns dispatcher callbacks that update the collector.
func (c *Collector) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnPage: func(size int, _ pipeline.Cursor, depth int) {
			c.pagesFetched.Inc()
			c.recordsFetched.Add(float64(size))
			c.queueDepth.Set(float64(depth))
		},
		OnPause: func(depth int) {
			c.pauses.Inc()
			c.paused.Set(1)
			c.queueDepth.Set(float64(depth))
		},
		OnResume: func(depth int) {
			c.paused.Set(0)
			c.queueDepth.Set(float64(depth))
		},
		OnDispatch: func(_ int64, depth, busy int) {
			c.queueDepth.Set(float64(depth))
			c.busyWorkers.Set(float64(busy))
		},
		OnOutcome: func(_ int64, o pipeline.Outcome, busy int) {
			c.outcomes.WithLabelValues(o.Kind.String()).Inc()
			c.busyWorkers.Set(float64(busy))
		},
		OnCheckpoint: func(safeID int64) {
			c.checkpoints.Inc()
			c.safeCheckpoint.Set(float64(safeID))
		},
	}
}

// Observe syncs the gauges with a progress snapshot. It is meant as a
// ProgressAggregator sink.
func (c *Collector) Observe(s pipeline.Snapshot) {
	c.queueDepth.Set(float64(s.QueueDepth))
	c.busyWorkers.Set(float64(s.BusyWorkers))
	c.totalKnown.Set(float64(s.TotalKnown))
	c.safeCheckpoint.Set(float64(s.SafeCheckpoint))
	if s.Paused {
		c.paused.Set(1)
	} else {
		c.paused.Set(0)
	}
}

// RecordReembed counts one meme handled by the reembed job.
func (c *Collector) RecordReembed(outcome pipeline.OutcomeKind) {
	c.reembedded.WithLabelValues(outcome.String()).Inc()
}
