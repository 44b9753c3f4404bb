package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/inference"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

func ids(infos []CheckInfo) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ID)
	}
	return out
}

func resultIDs(results []CheckResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ID)
	}
	return out
}

// seedLine is a small plant with something wrong on every unit.
func seedLine(g *graph) {
	ro := g.equipment("RO-001", "ReverseOsmosis", "operatingHours", 9000)
	edi := g.equipment("EDI-001", "Electrodeionization")
	g.equipment("UV-001", "UVSterilizer")
	g.edge(ro, "FEEDS_INTO", edi)
	g.edge(edi, "FEEDS_INTO", ro)

	g.observe(g.sensor(ro, "CS-RO-IN", "Conductivity"), 10, 20*time.Minute)
	g.observe(g.sensor(ro, "CS-RO-OUT", "Conductivity"), 12, 20*time.Minute)
	g.observe(g.sensor(ro, "PS-RO-IN", "Pressure"), 16, 20*time.Minute)
	g.observe(g.sensor(edi, "VS-EDI-01", "Voltage"), 650, 20*time.Minute)
}

func TestDefaults(t *testing.T) {
	v := newTestValidator(t, storage.NewMemoryEngine())

	assert.Equal(t, []string{"AX001", "AX002", "AX003", "AX004", "AX005", "AX006", "AX007", "AX008", "AX009", "AX010", "AX011"}, ids(v.ListAxioms()))
	constraints := v.ListConstraints()
	require.Len(t, constraints, 12)
	assert.Equal(t, "CONS001", constraints[0].ID)
	assert.Equal(t, "CONS012", constraints[11].ID)

	for _, c := range append(v.ListAxioms(), constraints...) {
		assert.NotEmpty(t, c.Name, c.ID)
		assert.NotEmpty(t, c.Description, c.ID)
		assert.NotEmpty(t, c.Kind, c.ID)
	}
	assert.Equal(t, KindInverseProperty, v.ListAxioms()[2].Kind)
	assert.Equal(t, SeverityCritical, constraints[3].Severity)
}

func TestValidator_EmptyGraphPasses(t *testing.T) {
	v := newTestValidator(t, storage.NewMemoryEngine())
	ctx := context.Background()

	axioms, err := v.CheckAllAxioms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, axioms.Total)
	assert.Equal(t, 11, axioms.Passed)
	assert.Zero(t, axioms.Failed)
	assert.Zero(t, axioms.TotalViolations)
	for _, r := range axioms.Results {
		assert.NotNil(t, r.Violations, "violations render as an empty list")
	}

	constraints, err := v.ValidateAllConstraints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, constraints.Passed)
}

func TestValidator_Aggregate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	g := newGraph(t)
	seedLine(g)
	ctx := context.Background()

	serial := newTestValidator(t, g.store, func(c *Config) { c.Concurrency = 1 })
	parallel := newTestValidator(t, g.store, func(c *Config) { c.Concurrency = 8 })

	want, err := serial.CheckAllAxioms(ctx)
	require.NoError(t, err)
	got, err := parallel.CheckAllAxioms(ctx)
	require.NoError(t, err)

	assert.Equal(t, ids(serial.ListAxioms()), resultIDs(got.Results), "catalog order")
	assert.Equal(t, want.Results, got.Results)

	failed := map[string]int{}
	sum := 0
	for _, r := range got.Results {
		sum += r.ViolationCount
		if !r.Passed {
			failed[r.ID] = r.ViolationCount
		}
	}
	assert.Equal(t, map[string]int{
		"AX003": 4, // no sensor has IS_ATTACHED_TO
		"AX006": 1,
		"AX007": 1,
		"AX008": 1,
		"AX009": 1,
	}, failed)
	assert.Equal(t, len(failed), got.Failed)
	assert.Equal(t, got.Total-got.Failed, got.Passed)
	assert.Equal(t, sum, got.TotalViolations)

	constraints, err := parallel.ValidateAllConstraints(ctx)
	require.NoError(t, err)
	bad := []string{}
	for _, r := range constraints.Results {
		if !r.Passed {
			bad = append(bad, r.ID)
		}
	}
	assert.Equal(t, []string{"CONS003", "CONS006", "CONS007", "CONS009", "CONS011"}, bad)
}

func TestValidator_InverseRepairedByInference(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)
	ro := g.equipment("RO-001", "ReverseOsmosis")
	g.sensor(ro, "PS-RO-IN", "Pressure")
	g.sensor(ro, "FS-RO-01", "Flow")
	v := newTestValidator(t, g.store)

	before, err := v.CheckAxiom(ctx, "AX003")
	require.NoError(t, err)
	assert.False(t, before.Passed)
	assert.Equal(t, 2, before.ViolationCount)

	config := inference.DefaultConfig()
	config.Now = testClock
	engine, err := inference.New(g.store, config)
	require.NoError(t, err)
	applied, err := engine.Apply(ctx, "sensor_attachment")
	require.NoError(t, err)
	assert.Equal(t, 2, applied.AppliedCount)

	after, err := v.CheckAxiom(ctx, "AX003")
	require.NoError(t, err)
	assert.True(t, after.Passed)
	assert.Empty(t, after.Violations)
}

func TestValidator_Limit(t *testing.T) {
	g := newGraph(t)
	for _, id := range []string{"a-1", "b-2", "c-3"} {
		g.equipment(id, "Pump")
	}
	v := newTestValidator(t, g.store, func(c *Config) {
		c.Constraints = []*Check{{
			ID:         "FMT",
			Name:       "format",
			Severity:   SeverityLow,
			Limit:      2,
			Definition: &Pattern{Label: "Equipment", Property: "equipmentId", Regex: `^[A-Z]`},
		}}
	})

	res, err := v.ValidateConstraint(context.Background(), "FMT")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ViolationCount)
	assert.Len(t, res.Violations, 2)
	assert.False(t, res.Passed)
}

func TestValidator_Metrics(t *testing.T) {
	g := newGraph(t)
	g.equipment("UV-001", "UVSterilizer")
	m := metrics.New(prometheus.NewRegistry())
	v := newTestValidator(t, g.store, func(c *Config) { c.Metrics = m })

	_, err := v.CheckAxiom(context.Background(), "AX008")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckViolations.WithLabelValues("axiom", "AX008")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.ValidateConstraint(ctx, "CONS003")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksFailed.WithLabelValues("constraint", "CONS003")))
}

func TestValidator_Errors(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	v := newTestValidator(t, store)
	ctx := context.Background()

	t.Run("unknown ids", func(t *testing.T) {
		_, err := v.CheckAxiom(ctx, "AX999")
		var nf *apperror.NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "axiom", nf.Kind)
		assert.Equal(t, "AX999", nf.ID)

		_, err = v.ValidateConstraint(ctx, "AX001")
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "constraint", nf.Kind)
	})

	t.Run("cancelled check", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := v.CheckAxiom(cctx, "AX003")
		assert.ErrorIs(t, err, apperror.ErrQuery)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("cancelled aggregate", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		res, err := v.CheckAllAxioms(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, res.Total)
	})

	t.Run("failing check does not stop the others", func(t *testing.T) {
		fv := newTestValidator(t, &brokenStore{Engine: store}, func(c *Config) {
			c.Axioms = []*Check{
				{ID: "A", Name: "a", Severity: SeverityLow, Definition: DisjointClasses{A: "Equipment", B: "Sensor"}},
				{ID: "B", Name: "b", Severity: SeverityLow, Definition: PropertyDomain{Property: "healthScore", Domain: "Equipment"}},
			}
		})
		res, err := fv.CheckAllAxioms(ctx)
		require.NoError(t, err)
		require.Len(t, res.Results, 2)
		assert.NotEmpty(t, res.Results[0].Error)
		assert.False(t, res.Results[0].Passed)
		assert.Empty(t, res.Results[1].Error)
		assert.True(t, res.Results[1].Passed)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 1, res.Passed)
	})
}

// brokenStore fails every label lookup.
type brokenStore struct {
	storage.Engine
}

func (b *brokenStore) GetNodesByLabel(string) ([]*storage.Node, error) {
	return nil, errors.New("disk on fire")
}

func TestNew_RejectsMalformed(t *testing.T) {
	valid := func(id string) *Check {
		return &Check{ID: id, Name: id, Severity: SeverityLow, Definition: DisjointClasses{A: "Equipment", B: "Sensor"}}
	}
	tests := []struct {
		name   string
		checks []*Check
		field  string
	}{
		{"nil check", []*Check{nil}, ""},
		{"empty id", []*Check{valid("")}, "id"},
		{"duplicate id", []*Check{valid("X"), valid("X")}, "id"},
		{"unknown severity", []*Check{{ID: "X", Name: "x", Severity: "Urgent", Definition: DisjointClasses{A: "A", B: "B"}}}, "severity"},
		{"no definition", []*Check{{ID: "X", Name: "x", Severity: SeverityLow}}, "definition"},
		{"self disjoint", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: DisjointClasses{A: "A", B: "A"}}}, "definition"},
		{"bad cardinality", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: Cardinality{Label: "Equipment", Type: "HAS_SENSOR", Min: 3, Max: 1}}}, "definition"},
		{"unbounded range", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: ValueRange{
			Target: []pattern.Step{pattern.Scan{Var: "e", Label: "Equipment"}}, Var: "e", Property: "healthScore",
		}}}, "definition"},
		{"range over unbound variable", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: ValueRange{
			Target: []pattern.Step{pattern.Scan{Var: "e", Label: "Equipment"}}, Var: "o", Property: "value", Max: Bound(1),
		}}}, "definition"},
		{"bad regex", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: &Pattern{Label: "Equipment", Property: "equipmentId", Regex: "(["}}}, "definition"},
		{"pattern violation without subject", []*Check{{ID: "X", Name: "x", Severity: SeverityLow, Definition: PatternViolation{
			Steps: []pattern.Step{pattern.Scan{Var: "e", Label: "Equipment"}}, Subject: "z", Issue: "bad",
		}}}, "definition"},
	}

	store := storage.NewMemoryEngine()
	defer store.Close()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Constraints = tt.checks
			_, err := New(store, config)
			var ve *apperror.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, "constraint", ve.Kind)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := New(nil, nil)
	assert.Error(t, err)
}
