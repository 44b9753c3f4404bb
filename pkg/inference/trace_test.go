package inference

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

func stages(steps []TraceStep) []Stage {
	out := make([]Stage, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Stage)
	}
	return out
}

func TestEvaluator_Stages(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	seedPlant(t, store)
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	rule, err := catalog.Get("maintenance_needed")
	require.NoError(t, err)

	set, steps, err := NewEvaluator(store, WithClock(testClock)).EvaluateWithTrace(context.Background(), rule)
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageMatch, StageFilter, StageFilter, StageDedup}, stages(steps))
	counts := []int{}
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.NotEmpty(t, s.Query)
		assert.LessOrEqual(t, len(s.SampleData), maxSamples)
		counts = append(counts, s.ResultCount)
	}
	assert.Equal(t, []int{5, 3, 2, 2}, counts)
	assert.Equal(t, "MATCH (e:Equipment)", steps[0].Query)
	assert.Equal(t, "WHERE e.healthScore < 60", steps[1].Query)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, testNow, set.EvaluatedAt)
}

func TestEvaluator_StopsAtEmptyStage(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	seedRO001(t, store)
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	rule, err := catalog.Get("equipment_dependency")
	require.NoError(t, err)

	set, steps, err := NewEvaluator(store).EvaluateWithTrace(context.Background(), rule)
	require.NoError(t, err)
	assert.Zero(t, set.Len())
	require.Len(t, steps, 1)
	assert.Equal(t, StageMatch, steps[0].Stage)
	assert.Zero(t, steps[0].ResultCount)
}

func TestEvaluator_LimitAfterDedup(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	seedPlant(t, store)

	rule := &Rule{
		ID:   "scoped",
		Name: "Scoped",
		Match: []pattern.Step{
			pattern.Scan{Var: "e", Label: "Equipment"},
			pattern.Traverse{From: "e", Type: "LOCATED_IN", To: "area", ToLabel: "ProcessArea"},
		},
		Limit:   2,
		Action:  Action{Edges: []EdgeTemplate{{From: "e", To: "area", Type: "IN_SCOPE"}}},
		Preview: []Column{Col("equipmentId", "e", "equipmentId")},
	}
	engine := newTestEngine(t, store, func(c *Config) { c.Rules = []*Rule{rule} })
	ctx := context.Background()

	check, err := engine.Check(ctx, "scoped")
	require.NoError(t, err)
	assert.Equal(t, 2, check.Count)
	assert.Equal(t, 2, check.Truncated)

	trace, err := engine.Trace(ctx, "scoped")
	require.NoError(t, err)
	dedup := trace.Steps[len(trace.Steps)-3]
	assert.Equal(t, StageDedup, dedup.Stage)
	assert.Equal(t, 2, dedup.ResultCount)
	assert.Equal(t, "4 new candidates, limited to 2", dedup.Detail)

	res, err := engine.Apply(ctx, "scoped")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AppliedCount, "the rest is picked up by the next run")

	res, err = engine.Apply(ctx, "scoped")
	require.NoError(t, err)
	assert.True(t, res.NoNewInferences)
}

func TestEngine_Trace(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryEngine()
	defer store.Close()
	seedPlant(t, store)
	engine := newTestEngine(t, store)

	trace, err := engine.Trace(ctx, "maintenance_needed")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(trace.ID, "TRACE-"))
	assert.Len(t, trace.ID, len("TRACE-")+8)
	assert.Equal(t, "maintenance_needed", trace.RuleID)
	assert.Equal(t, ResultSuccess, trace.Result)
	assert.Equal(t, 2, trace.InferredCount)
	assert.Len(t, trace.InferredItems, 2)
	assert.Equal(t, "Inferred 2 new facts", trace.Summary)
	assert.False(t, trace.CompletedAt.Before(trace.StartedAt))
	assert.Empty(t, trace.Errors)

	assert.Equal(t, []Stage{StageMatch, StageFilter, StageFilter, StageDedup, StageInfer, StageResult}, stages(trace.Steps))
	for i, s := range trace.Steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Equal(t, len(trace.InferredItems), trace.Steps[3].ResultCount)

	kinds := map[string]int{}
	ids := map[string]bool{}
	var score *Evidence
	for i, ev := range trace.Evidence {
		kinds[ev.Kind]++
		assert.False(t, ids[ev.ID], "duplicate evidence id %s", ev.ID)
		ids[ev.ID] = true
		if ev.Kind == EvidenceProperty && ev.PropertyName == "healthScore" && ev.Description == "RO-001.healthScore = 55" {
			score = &trace.Evidence[i]
		}
	}
	assert.Equal(t, "EV-1", trace.Evidence[0].ID)
	assert.Equal(t, 2, kinds[EvidenceNode])
	assert.Equal(t, 2, kinds[EvidenceRelationship], "one per created NEEDS_MAINTENANCE")
	assert.Equal(t, 4, kinds[EvidenceProperty], "healthScore and healthStatus per equipment")
	require.NotNil(t, score)
	assert.Equal(t, "Equipment", score.Label)
	assert.Equal(t, 55, score.PropertyValue)

	again, err := engine.Trace(ctx, "maintenance_needed")
	require.NoError(t, err)
	assert.Equal(t, ResultNoMatch, again.Result)
	assert.NotEqual(t, trace.ID, again.ID)
	assert.Equal(t, []Stage{StageMatch, StageFilter, StageFilter, StageDedup, StageResult}, stages(again.Steps))
	assert.Zero(t, again.Steps[3].ResultCount)
	assert.Zero(t, again.InferredCount)
	assert.Equal(t, "No matching data found", again.Summary)
}

func TestEngine_TraceAggregateEvidence(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	seedPlant(t, store)
	engine := newTestEngine(t, store)

	trace, err := engine.Trace(context.Background(), "failure_prediction")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, trace.Result)

	props := map[string]any{}
	for _, ev := range trace.Evidence {
		if ev.Kind == EvidenceProperty {
			props[ev.PropertyName] = ev.PropertyValue
		}
	}
	assert.Equal(t, "Vibration", props["type"])
	assert.Equal(t, 2.0, props["latestValue"])
	assert.InDelta(t, 1.1, props["avgValue"], 1e-9)
}

func TestEngine_TraceErrors(t *testing.T) {
	t.Run("evaluation failure", func(t *testing.T) {
		store := storage.NewMemoryEngine()
		defer store.Close()
		seedPlant(t, store)
		engine := newTestEngine(t, store)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		trace, err := engine.Trace(ctx, "maintenance_needed")
		require.NoError(t, err)
		assert.Equal(t, ResultError, trace.Result)
		require.Len(t, trace.Errors, 1)
		assert.Contains(t, trace.Errors[0], "MATCH")
		assert.Equal(t, StageResult, trace.Steps[len(trace.Steps)-1].Stage)
	})

	t.Run("materialization failure", func(t *testing.T) {
		mem := storage.NewMemoryEngine()
		defer mem.Close()
		seedPlant(t, mem)
		engine := newTestEngine(t, &failingStore{Engine: mem, n: 1})

		trace, err := engine.Trace(context.Background(), "maintenance_needed")
		require.NoError(t, err)
		assert.Equal(t, ResultError, trace.Result)
		assert.Equal(t, 1, trace.InferredCount)
		assert.Len(t, trace.Errors, 1)
	})
}

func TestReasoningTrace_Sealed(t *testing.T) {
	rule := &Rule{ID: "r", Name: "R"}
	rec := newTraceRecorder(rule, testNow)
	rec.addStep(StageMatch, "match", "", 1, nil)
	sealed := rec.seal(ResultNoMatch, nil, nil)

	rec.addStep(StageResult, "late", "", 0, nil)
	rec.trace.Steps[0].Description = "changed"

	require.Len(t, sealed.Steps, 1)
	assert.Equal(t, "match", sealed.Steps[0].Description)
}
