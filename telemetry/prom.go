package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromSink exports query-path signals to Prometheus.
type PromSink struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	plansTotal    *prometheus.CounterVec
	planLeaves    *prometheus.HistogramVec
	dispatchTotal *prometheus.CounterVec
	rejectsTotal  *prometheus.CounterVec
}

// NewPromSink registers the meridian metric families with reg. Pass nil to
// use the default registerer. Registering twice on the same registry
// panics, as usual with promauto.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PromSink{
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_queries_total",
				Help: "Terminal query outcomes",
			},
			[]string{"dataset", "status"},
		),
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_query_duration_seconds",
				Help:    "Wall time from admission to terminal outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"dataset"},
		),
		plansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_plans_total",
				Help: "Plan materializations",
			},
			[]string{"dataset", "status"},
		),
		planLeaves: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_plan_leaves",
				Help:    "Per-shard sub-plans per materialized plan",
				Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"dataset"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_dispatches_total",
				Help: "Child sub-plan executions",
			},
			[]string{"dataset", "target", "status"},
		),
		rejectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_admission_rejects_total",
				Help: "Queries turned away by admission control",
			},
			[]string{"dataset"},
		),
	}
}

// RecordQuery implements Sink.
func (p *PromSink) RecordQuery(dataset string, duration time.Duration, err error, partial bool) {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case partial:
		status = "partial"
	}
	p.queriesTotal.WithLabelValues(dataset, status).Inc()
	p.queryDuration.WithLabelValues(dataset).Observe(duration.Seconds())
}

// RecordPlan implements Sink.
func (p *PromSink) RecordPlan(dataset string, leaves int, _ time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.plansTotal.WithLabelValues(dataset, status).Inc()
	if err == nil {
		p.planLeaves.WithLabelValues(dataset).Observe(float64(leaves))
	}
}

// RecordDispatch implements Sink.
func (p *PromSink) RecordDispatch(dataset string, remote bool, _ time.Duration, err error) {
	target := "local"
	if remote {
		target = "remote"
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.dispatchTotal.WithLabelValues(dataset, target, status).Inc()
}

// RecordReject implements Sink.
func (p *PromSink) RecordReject(dataset string) {
	p.rejectsTotal.WithLabelValues(dataset).Inc()
}
