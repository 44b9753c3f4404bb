package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/upwreason/pkg/storage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const graphFixture = `
nodes:
  - key: ro
    labels: [Equipment]
    properties: {equipmentId: RO-001, type: ReverseOsmosis, healthScore: 55, healthStatus: Warning}
  - key: uv
    labels: [Equipment]
    properties: {equipmentId: UV-001, type: UVSterilizer, healthScore: 90}
  - key: tank
    labels: [Equipment]
    properties: {equipmentId: TANK-001, type: StorageTank}
  - key: ps
    labels: [Sensor]
    properties: {sensorId: PS-RO-IN, type: Pressure}
  - key: fs
    labels: [Sensor]
    properties: {sensorId: FS-RO-001, type: Flow}
  - key: o1
    labels: [Observation]
    properties: {value: 9.0, timestamp: !ago 3h}
  - key: o2
    labels: [Observation]
    properties: {value: 12.0, timestamp: !ago 2h}
  - key: o3
    labels: [Observation]
    properties: {value: 15.0, timestamp: !ago 1h}
  - key: o4
    labels: [Observation]
    properties: {value: 100.0, timestamp: !ago 3d}
edges:
  - {from: ro, to: ps, type: HAS_SENSOR}
  - {from: ro, to: fs, type: HAS_SENSOR}
  - {from: o1, to: ps, type: OBSERVED_BY}
  - {from: o2, to: ps, type: OBSERVED_BY}
  - {from: o3, to: ps, type: OBSERVED_BY}
  - {from: o4, to: ps, type: OBSERVED_BY}
  - {from: ro, to: uv, type: FEEDS_INTO}
  - {from: uv, to: tank, type: FEEDS_INTO}
`

func setupGraph(t *testing.T) (*storage.MemoryEngine, map[string]storage.NodeID) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	result, err := storage.LoadFixtureBytes(engine, []byte(graphFixture), testNow)
	require.NoError(t, err)
	return engine, result.Keys
}

func match(t *testing.T, src Source, steps ...Step) []Binding {
	t.Helper()
	require.NoError(t, Validate(steps))
	bindings, err := (&Matcher{Source: src, Now: testNow}).Match(context.Background(), steps)
	require.NoError(t, err)
	return bindings
}

func TestMatcher_ScanWhere(t *testing.T) {
	engine, keys := setupGraph(t)

	tests := []struct {
		name  string
		conds Where
		want  []string
	}{
		{"lt", Where{{Var: "e", Property: "healthScore", Op: Lt, Value: 60}}, []string{"ro"}},
		{"ne skips missing", Where{{Var: "e", Property: "healthStatus", Op: Ne, Value: "Critical"}}, []string{"ro"}},
		{"missing", Where{{Var: "e", Property: "healthScore", Op: Missing}}, []string{"tank"}},
		{"in", Where{{Var: "e", Property: "type", Op: In, Value: []string{"UVSterilizer", "StorageTank"}}}, []string{"uv", "tank"}},
		{"not in", Where{{Var: "e", Property: "type", Op: NotIn, Value: []string{"UVSterilizer", "StorageTank"}}}, []string{"ro"}},
		{"contains", Where{{Var: "e", Property: "equipmentId", Op: Contains, Value: "TANK"}}, []string{"tank"}},
		{"matches", Where{{Var: "e", Property: "equipmentId", Op: Matches, Value: `^[A-Z]+-[0-9]{3}$`}}, []string{"ro", "uv", "tank"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bindings := match(t, engine, Scan{Var: "e", Label: "Equipment"}, tt.conds)
			got := make([]storage.NodeID, 0, len(bindings))
			for _, b := range bindings {
				got = append(got, b.Node("e").ID)
			}
			want := make([]storage.NodeID, 0, len(tt.want))
			for _, k := range tt.want {
				want = append(want, keys[k])
			}
			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestMatcher_TraverseAndJoin(t *testing.T) {
	engine, keys := setupGraph(t)

	bindings := match(t, engine,
		Scan{Var: "e", Label: "Equipment"},
		Traverse{From: "e", Type: "HAS_SENSOR", To: "s1", ToLabel: "Sensor"},
		Traverse{From: "e", Type: "HAS_SENSOR", To: "s2", ToLabel: "Sensor", EdgeVar: "r"},
		Where{
			{Var: "s1", Property: "type", Op: Eq, Value: "Pressure"},
			{Var: "s2", Property: "type", Op: Eq, Value: "Flow"},
		},
	)
	require.Len(t, bindings, 1)
	assert.Equal(t, keys["ro"], bindings[0].Node("e").ID)
	assert.Equal(t, keys["fs"], bindings[0].Edge("r").EndNode)

	joined := match(t, engine,
		Scan{Var: "s", Label: "Sensor"},
		Scan{Var: "e", Label: "Equipment"},
		Traverse{From: "s", Type: "HAS_SENSOR", Direction: Incoming, To: "e"},
	)
	assert.Len(t, joined, 2, "join keeps only sensor/owner pairs")
}

func TestMatcher_NotExistsWithRef(t *testing.T) {
	engine, _ := setupGraph(t)

	steps := []Step{
		Scan{Var: "e", Label: "Equipment"},
		Traverse{From: "e", Type: "HAS_SENSOR", To: "s", ToLabel: "Sensor"},
		NotExists{
			From: "s", Type: "OBSERVED_BY", Direction: Incoming, ToLabel: "Observation", As: "o",
			Where: []Cond{{Var: "o", Property: "timestamp", Op: Within, Value: 24 * time.Hour}},
		},
	}
	bindings := match(t, engine, steps...)
	require.Len(t, bindings, 1)
	assert.Equal(t, "Flow", bindings[0].Get("s", "type"), "only the flow sensor has no recent observation")
}

func TestMatcher_AggregateCompare(t *testing.T) {
	engine, _ := setupGraph(t)

	recent := []Cond{{Var: "o", Property: "timestamp", Op: Within, Value: 24 * time.Hour}}
	steps := []Step{
		Scan{Var: "s", Label: "Sensor"},
		Aggregate{Var: "s", Type: "OBSERVED_BY", Direction: Incoming, NeighborLabel: "Observation", As: "o",
			Where: recent, Property: "value", Func: Avg, Into: "avgValue", MinCount: 3},
		Aggregate{Var: "s", Type: "OBSERVED_BY", Direction: Incoming, NeighborLabel: "Observation", As: "o",
			Where: recent, Property: "value", OrderBy: "timestamp", Func: Last, Into: "latest"},
		Aggregate{Var: "s", Type: "OBSERVED_BY", Direction: Incoming, NeighborLabel: "Observation", As: "o",
			Func: Count, Into: "total"},
	}
	bindings := match(t, engine, steps...)
	require.Len(t, bindings, 1)

	b := bindings[0]
	assert.InDelta(t, 12.0, b.Values["avgValue"], 1e-9)
	assert.Equal(t, 15.0, b.Values["latest"])
	assert.Equal(t, 4, b.Values["total"])

	over := match(t, engine, append(steps, Compare{Left: Ref{Var: "latest"}, Op: Gt, Right: Ref{Var: "avgValue"}, Factor: 1.25})...)
	assert.Len(t, over, 0, "15 is not above 12*1.25")

	under := match(t, engine, append(steps, Compare{Left: Ref{Var: "latest"}, Op: Gt, Right: Ref{Var: "avgValue"}, Factor: 1.2})...)
	assert.Len(t, under, 1)
}

func TestMatcher_DifferentDistinctOrder(t *testing.T) {
	engine, _ := setupGraph(t)

	bindings := match(t, engine,
		Scan{Var: "a", Label: "Equipment"},
		Scan{Var: "b", Label: "Equipment"},
		Different{A: "a", B: "b"},
	)
	assert.Len(t, bindings, 6)

	distinct := match(t, engine,
		Scan{Var: "a", Label: "Equipment"},
		Scan{Var: "b", Label: "Equipment"},
		Distinct{"a"},
	)
	assert.Len(t, distinct, 3)

	ordered := match(t, engine,
		Scan{Var: "e", Label: "Equipment"},
		OrderBy{Var: "e", Property: "healthScore", Desc: true},
	)
	require.Len(t, ordered, 3)
	assert.Equal(t, "UV-001", ordered[0].Get("e", "equipmentId"))
	assert.Equal(t, "TANK-001", ordered[2].Get("e", "equipmentId"), "missing values sort last")
}

func TestMatcher_Reachable(t *testing.T) {
	engine, _ := setupGraph(t)

	base := []Step{
		Scan{Var: "a", Label: "Equipment"},
		Where{{Var: "a", Property: "equipmentId", Op: Eq, Value: "RO-001"}},
		Scan{Var: "c", Label: "Equipment"},
		Where{{Var: "c", Property: "equipmentId", Op: Eq, Value: "TANK-001"}},
	}
	assert.Len(t, match(t, engine, append(base, Reachable{From: "a", To: "c", Type: "FEEDS_INTO"})...), 1)
	assert.Len(t, match(t, engine, append(base, Reachable{From: "a", To: "c", Type: "FEEDS_INTO", MaxHops: 1})...), 0)
	assert.Len(t, match(t, engine, append(base, Reachable{From: "c", To: "a", Type: "FEEDS_INTO"})...), 0)
}

func TestMatcher_ContextCancelled(t *testing.T) {
	engine, _ := setupGraph(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Matcher{Source: engine}).Match(ctx, []Step{Scan{Var: "e", Label: "Equipment"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"unknown var", []Step{Where{{Var: "x", Property: "p", Op: Eq, Value: 1}}}},
		{"rebind", []Step{Scan{Var: "e", Label: "A"}, Scan{Var: "e", Label: "B"}}},
		{"empty label", []Step{Scan{Var: "e"}}},
		{"bad regex", []Step{Scan{Var: "e", Label: "A"}, Where{{Var: "e", Property: "p", Op: Matches, Value: "("}}}},
		{"bad op", []Step{Scan{Var: "e", Label: "A"}, Where{{Var: "e", Property: "p", Op: "LIKE", Value: 1}}}},
		{"within needs duration", []Step{Scan{Var: "e", Label: "A"}, Where{{Var: "e", Property: "t", Op: Within, Value: "1h"}}}},
		{"ref to unknown", []Step{Scan{Var: "e", Label: "A"}, Where{{Var: "e", Property: "p", Op: Eq, Value: Ref{Var: "z", Property: "p"}}}}},
		{"aggregate without into", []Step{Scan{Var: "e", Label: "A"}, Aggregate{Var: "e", As: "n", Func: Count}}},
		{"not exists with where but no as", []Step{Scan{Var: "e", Label: "A"}, NotExists{From: "e", Type: "R", Where: []Cond{{Var: "e", Property: "p", Op: Exists}}}}},
		{"nil step", []Step{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tt.steps), ErrInvalidPattern)
		})
	}

	scope := NewScope("e")
	require.NoError(t, scope.Validate([]Step{Traverse{From: "e", Type: "R", To: "m"}}))
	assert.True(t, scope["m"])
}

func TestDescribe(t *testing.T) {
	steps := []Step{
		Scan{Var: "e", Label: "Equipment"},
		Where{{Var: "e", Property: "healthScore", Op: Lt, Value: 60}},
		NotExists{From: "e", Type: "NEEDS_MAINTENANCE", ToLabel: "Maintenance", As: "m",
			Where: []Cond{{Var: "m", Property: "status", Op: Eq, Value: "Pending"}}},
	}
	assert.Equal(t,
		"MATCH (e:Equipment)\n"+
			"WHERE e.healthScore < 60\n"+
			"WHERE NOT EXISTS { (e)-[:NEEDS_MAINTENANCE]->(m:Maintenance) WHERE m.status = 'Pending' }",
		Describe(steps))
}

func TestInputs(t *testing.T) {
	steps := []Step{
		Scan{Var: "e", Label: "Equipment"},
		Where{{Var: "e", Property: "healthScore", Op: Lt, Value: 60}},
		AnyOf{{{Var: "e", Property: "type", Op: Eq, Value: "A"}}, {{Var: "e", Property: "healthScore", Op: Gt, Value: 1}}},
		Aggregate{Var: "e", Type: "HAS_SENSOR", As: "s", Func: Count, Into: "sensors"},
		Compare{Left: Ref{Var: "sensors"}, Op: Gt, Right: Ref{Var: "e", Property: "healthScore"}},
	}
	assert.Equal(t, []Ref{
		{Var: "e", Property: "healthScore"},
		{Var: "e", Property: "type"},
		{Var: "sensors"},
	}, Inputs(steps))
}
