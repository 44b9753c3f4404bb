// Package metrics holds the prometheus collectors for rule runs, inferred
// facts and validation checks.
//
// Collectors register on a caller-supplied Registerer rather than the
// global default, so tests and embedded uses can run several engines side
// by side. Every method is safe on a nil *Metrics, which is how packages
// run with metrics disabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "upwreason"

// Metrics groups every collector the engine reports.
type Metrics struct {
	RuleEvaluations       *prometheus.CounterVec
	EvaluationDuration    *prometheus.HistogramVec
	FactsMaterialized     *prometheus.CounterVec
	MaterializationErrors *prometheus.CounterVec
	FactsCleared          *prometheus.CounterVec
	CheckViolations       *prometheus.GaugeVec
	ChecksFailed          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RuleEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by rule and outcome (candidates, empty, error)",
		}, []string{"rule", "outcome"}),

		EvaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Time spent evaluating a rule condition",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"rule"}),

		FactsMaterialized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_materialized_total",
			Help:      "Candidates materialized into tagged facts",
		}, []string{"rule"}),

		MaterializationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialization_errors_total",
			Help:      "Candidates whose materialization failed",
		}, []string{"rule"}),

		FactsCleared: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_cleared_total",
			Help:      "Inferred facts removed by clear, by kind (node, edge)",
		}, []string{"kind"}),

		CheckViolations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_violations",
			Help:      "Violations found by the last run of an axiom or constraint",
		}, []string{"kind", "id"}),

		ChecksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_errors_total",
			Help:      "Axiom or constraint checks that could not complete",
		}, []string{"kind", "id"}),
	}
}

// Evaluation outcomes.
const (
	OutcomeCandidates = "candidates"
	OutcomeEmpty      = "empty"
	OutcomeError      = "error"
)

// ObserveEvaluation records one rule evaluation.
func (m *Metrics) ObserveEvaluation(rule, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RuleEvaluations.WithLabelValues(rule, outcome).Inc()
	m.EvaluationDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// AddMaterialized counts materialized candidates and failures for rule.
func (m *Metrics) AddMaterialized(rule string, applied, failed int) {
	if m == nil {
		return
	}
	if applied > 0 {
		m.FactsMaterialized.WithLabelValues(rule).Add(float64(applied))
	}
	if failed > 0 {
		m.MaterializationErrors.WithLabelValues(rule).Add(float64(failed))
	}
}

// AddCleared counts facts removed by a clear.
func (m *Metrics) AddCleared(nodes, edges int64) {
	if m == nil {
		return
	}
	m.FactsCleared.WithLabelValues("node").Add(float64(nodes))
	m.FactsCleared.WithLabelValues("edge").Add(float64(edges))
}

// SetViolations records the result of one check. kind is "axiom" or
// "constraint".
func (m *Metrics) SetViolations(kind, id string, violations int) {
	if m == nil {
		return
	}
	m.CheckViolations.WithLabelValues(kind, id).Set(float64(violations))
}

// CheckFailed counts a check that returned an error.
func (m *Metrics) CheckFailed(kind, id string) {
	if m == nil {
		return
	}
	m.ChecksFailed.WithLabelValues(kind, id).Inc()
}
