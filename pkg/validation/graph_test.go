package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/upwreason/pkg/storage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type graph struct {
	t     *testing.T
	store storage.Engine
}

func newGraph(t *testing.T) *graph {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	return &graph{t: t, store: store}
}

func (g *graph) node(labels []string, props map[string]any) *storage.Node {
	g.t.Helper()
	n := &storage.Node{Labels: labels, Properties: props}
	require.NoError(g.t, g.store.CreateNode(n))
	return n
}

func (g *graph) equipment(id, typ string, props ...any) *storage.Node {
	p := map[string]any{"equipmentId": id, "name": id, "type": typ, "healthScore": 80}
	for i := 0; i+1 < len(props); i += 2 {
		p[props[i].(string)] = props[i+1]
	}
	return g.node([]string{"Equipment"}, p)
}

func (g *graph) sensor(owner *storage.Node, id, typ string) *storage.Node {
	s := g.node([]string{"Sensor"}, map[string]any{"sensorId": id, "type": typ})
	if owner != nil {
		g.edge(owner, "HAS_SENSOR", s)
	}
	return s
}

func (g *graph) edge(from *storage.Node, typ string, to *storage.Node) {
	g.t.Helper()
	require.NoError(g.t, g.store.CreateEdge(&storage.Edge{StartNode: from.ID, EndNode: to.ID, Type: typ}))
}

func (g *graph) observe(s *storage.Node, value float64, ago time.Duration) {
	g.t.Helper()
	o := g.node([]string{"Observation"}, map[string]any{"value": value, "timestamp": testNow.Add(-ago)})
	g.edge(o, "OBSERVED_BY", s)
}

func newTestValidator(t *testing.T, store storage.Engine, opts ...func(*Config)) *Validator {
	t.Helper()
	config := DefaultConfig()
	config.Now = testClock
	for _, opt := range opts {
		opt(config)
	}
	v, err := New(store, config)
	require.NoError(t, err)
	return v
}
