package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/upwreason/pkg/storage"
)

// testNow is the fixed clock every inference test runs at.
var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type graphBuilder struct {
	t     *testing.T
	store storage.Engine
}

func (g *graphBuilder) node(label string, props map[string]any) *storage.Node {
	g.t.Helper()
	n := &storage.Node{Labels: []string{label}, Properties: props}
	require.NoError(g.t, g.store.CreateNode(n))
	return n
}

func (g *graphBuilder) edge(from *storage.Node, typ string, to *storage.Node) {
	g.t.Helper()
	require.NoError(g.t, g.store.CreateEdge(&storage.Edge{StartNode: from.ID, EndNode: to.ID, Type: typ}))
}

func (g *graphBuilder) observe(s *storage.Node, value float64, ago time.Duration, trending bool) {
	g.t.Helper()
	props := map[string]any{"value": value, "timestamp": testNow.Add(-ago)}
	if trending {
		props["isTrendingData"] = true
	}
	g.edge(g.node("Observation", props), "OBSERVED_BY", s)
}

// seedRO001 is the single-equipment graph of the maintenance walkthrough.
func seedRO001(t *testing.T, store storage.Engine) *storage.Node {
	g := &graphBuilder{t: t, store: store}
	return g.node("Equipment", map[string]any{
		"equipmentId":  "RO-001",
		"name":         "RO Unit 1",
		"type":         "ReverseOsmosis",
		"healthScore":  55,
		"healthStatus": "Warning",
	})
}

// plantCounts is what each default rule infers on a fresh seedPlant graph.
var plantCounts = map[string]int{
	"maintenance_needed":   2,
	"anomaly_from_sensor":  1,
	"failure_prediction":   1,
	"equipment_dependency": 4,
	"sensor_correlation":   1,
	"sensor_attachment":    3,
	"feed_closure":         0,
}

// seedPlant builds a small water plant:
//
//	area PA-1: RO-001 (55, Warning), EDI-001 (92), UV-001 (35, Critical),
//	           TK-001 (38, Warning)
//	TK-001 FEEDS_INTO PMP-001
//	RO-001 sensors: PS-RO-IN (one high reading 2h ago), FS-RO-01,
//	                VS-RO-01 (ten trending readings, last one high)
func seedPlant(t *testing.T, store storage.Engine) {
	t.Helper()
	g := &graphBuilder{t: t, store: store}

	area := g.node("ProcessArea", map[string]any{"areaId": "PA-1", "name": "Purification"})
	equipment := func(id, typ string, score int, status string) *storage.Node {
		n := g.node("Equipment", map[string]any{
			"equipmentId":  id,
			"name":         id,
			"type":         typ,
			"healthScore":  score,
			"healthStatus": status,
		})
		return n
	}

	ro := equipment("RO-001", "ReverseOsmosis", 55, "Warning")
	edi := equipment("EDI-001", "Electrodeionization", 92, "Normal")
	uv := equipment("UV-001", "UVSterilizer", 35, "Critical")
	tk := equipment("TK-001", "StorageTank", 38, "Warning")
	pump := equipment("PMP-001", "Pump", 80, "Normal")
	for _, e := range []*storage.Node{ro, edi, uv, tk} {
		g.edge(e, "LOCATED_IN", area)
	}
	g.edge(tk, "FEEDS_INTO", pump)

	ps := g.node("Sensor", map[string]any{"sensorId": "PS-RO-IN", "name": "RO inlet pressure", "type": "Pressure"})
	fs := g.node("Sensor", map[string]any{"sensorId": "FS-RO-01", "name": "RO flow", "type": "Flow"})
	vs := g.node("Sensor", map[string]any{"sensorId": "VS-RO-01", "name": "RO vibration", "type": "Vibration"})
	for _, s := range []*storage.Node{ps, fs, vs} {
		g.edge(ro, "HAS_SENSOR", s)
	}

	g.observe(ps, 12.5, 2*time.Hour, false)
	g.observe(ps, 5.0, time.Hour, false)
	g.observe(ps, 0.5, 30*time.Hour, false)

	for i := 10; i >= 2; i-- {
		g.observe(vs, 1.0, time.Duration(i)*time.Hour, true)
	}
	g.observe(vs, 2.0, time.Hour, true)
}

func newTestEngine(t *testing.T, store storage.Engine, opts ...func(*Config)) *Engine {
	t.Helper()
	config := DefaultConfig()
	config.Now = testClock
	for _, opt := range opts {
		opt(config)
	}
	engine, err := New(store, config)
	require.NoError(t, err)
	return engine
}

// engineStores runs a test against every store implementation.
func engineStores(t *testing.T, fn func(t *testing.T, store storage.Engine)) {
	t.Run("memory", func(t *testing.T) {
		store := storage.NewMemoryEngine()
		defer store.Close()
		fn(t, store)
	})
	t.Run("badger", func(t *testing.T) {
		store, err := storage.NewBadgerEngineInMemory()
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func nodeWithID(id string) *storage.Node {
	return &storage.Node{ID: storage.NodeID(id), Labels: []string{"Equipment"}, Properties: map[string]any{}}
}
