// Package metrics holds the Prometheus collectors shared by the admission
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bastion"

// Decision outcomes recorded in bastion_decisions_total.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeBlocked  = "blocked"
	OutcomeDegraded = "degraded"
)

// Metrics groups the collectors. Construct with New.
type Metrics struct {
	decisions      *prometheus.CounterVec
	failOpen       *prometheus.CounterVec
	blocks         *prometheus.CounterVec
	detectorErrors *prometheus.CounterVec
	checkDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and replay use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Requests admitted because a component could not reach the store.",
		}, []string{"component"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Identities written to the block registry, by source.",
		}, []string{"detector"}),
		detectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Abuse detector checks skipped after an internal error.",
		}, []string{"detector"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of a full admission check.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.decisions, m.failOpen, m.blocks, m.detectorErrors, m.checkDuration)
	}
	return m
}

func (m *Metrics) Decision(algorithm, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(algorithm, outcome).Inc()
}

func (m *Metrics) FailOpen(component string) {
	if m == nil {
		return
	}
	m.failOpen.WithLabelValues(component).Inc()
}

func (m *Metrics) Block(detector string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(detector).Inc()
}

func (m *Metrics) DetectorError(detector string) {
	if m == nil {
		return
	}
	m.detectorErrors.WithLabelValues(detector).Inc()
}

func (m *Metrics) ObserveCheck(d time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.Observe(d.Seconds())
}
