package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveEvaluation("maintenance_needed", OutcomeCandidates, 3*time.Millisecond)
	m.ObserveEvaluation("maintenance_needed", OutcomeCandidates, time.Millisecond)
	m.AddMaterialized("maintenance_needed", 2, 1)
	m.AddCleared(1, 3)
	m.SetViolations("axiom", "AX003", 4)
	m.SetViolations("axiom", "AX003", 0)
	m.CheckFailed("constraint", "CONS002")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("maintenance_needed", OutcomeCandidates)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FactsMaterialized.WithLabelValues("maintenance_needed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MaterializationErrors.WithLabelValues("maintenance_needed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactsCleared.WithLabelValues("node")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FactsCleared.WithLabelValues("edge")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CheckViolations.WithLabelValues("axiom", "AX003")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksFailed.WithLabelValues("constraint", "CONS002")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvaluation("r", OutcomeError, time.Second)
		m.AddMaterialized("r", 1, 1)
		m.AddCleared(1, 1)
		m.SetViolations("axiom", "AX001", 1)
		m.CheckFailed("axiom", "AX001")
	})
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
