package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()
	engine, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func setDeleteChunkSize(t *testing.T, n int) {
	t.Helper()
	old := deleteChunkSize
	deleteChunkSize = n
	t.Cleanup(func() { deleteChunkSize = old })
}

// seedTagged creates n tagged nodes, each with a tagged edge from anchor
// and an untagged edge back to anchor.
func seedTagged(t *testing.T, engine Engine, anchor *Node, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		node := &Node{
			Labels:     []string{"Anomaly", LabelInferred},
			Properties: map[string]any{"anomalyId": fmt.Sprintf("ANOM-%02d", i), PropIsInferred: true},
		}
		require.NoError(t, engine.CreateNode(node))
		require.NoError(t, engine.CreateEdge(&Edge{
			StartNode:     anchor.ID,
			EndNode:       node.ID,
			Type:          "HAS_ANOMALY",
			AutoGenerated: true,
			Properties:    map[string]any{PropIsInferred: true},
		}))
		require.NoError(t, engine.CreateEdge(&Edge{StartNode: node.ID, EndNode: anchor.ID, Type: "REPORTED_BY"}))
	}
}

func TestBadgerEngine_DeleteTaggedInChunks(t *testing.T) {
	setDeleteChunkSize(t, 3)
	engine := newBadgerTestEngine(t)
	ro, _ := seedPlant(t, engine)
	seedTagged(t, engine, ro, 10)

	stats, err := engine.DeleteTagged(context.Background(), InferredTag)
	require.NoError(t, err)
	assert.Equal(t, DeleteStats{Nodes: 10, Edges: 10, DetachedEdges: 10}, stats)

	nodes, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), nodes)
	edges, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), edges, "only HAS_SENSOR survives")

	out, err := engine.GetOutgoingEdges(ro.ID)
	require.NoError(t, err)
	assert.Len(t, out, 1)
	in, err := engine.GetIncomingEdges(ro.ID)
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestBadgerEngine_DeleteTaggedCancelled(t *testing.T) {
	engine := newBadgerTestEngine(t)
	ro, _ := seedPlant(t, engine)
	seedTagged(t, engine, ro, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := engine.DeleteTagged(ctx, InferredTag)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DeleteStats{}, stats)

	nodes, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(4), nodes, "nothing was committed")
}

func TestBadgerEngine_DeleteInChunks(t *testing.T) {
	ctx := context.Background()

	t.Run("oversized chunks are split", func(t *testing.T) {
		engine := newBadgerTestEngine(t)
		var stats DeleteStats
		var attempts int
		err := engine.deleteInChunks(ctx, 10, &stats, func(txn *badger.Txn, i int, chunk *DeleteStats) error {
			if i == 0 {
				attempts++
			}
			// A transaction holds at most three deletions.
			if chunk.Nodes == 3 {
				return badger.ErrTxnTooBig
			}
			chunk.Nodes++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10), stats.Nodes, "failed attempts are not counted")
		assert.Equal(t, 3, attempts, "chunks of 10 and 5 fail, then chunks of 2 fit")
	})

	t.Run("a single item that never fits fails", func(t *testing.T) {
		engine := newBadgerTestEngine(t)
		var stats DeleteStats
		err := engine.deleteInChunks(ctx, 4, &stats, func(txn *badger.Txn, i int, chunk *DeleteStats) error {
			if i == 2 {
				return badger.ErrTxnTooBig
			}
			chunk.Edges++
			return nil
		})
		require.ErrorIs(t, err, badger.ErrTxnTooBig)
		assert.Equal(t, int64(2), stats.Edges, "chunks committed before the failure are reported")
	})

	t.Run("other errors stop at once", func(t *testing.T) {
		engine := newBadgerTestEngine(t)
		var stats DeleteStats
		err := engine.deleteInChunks(ctx, 4, &stats, func(txn *badger.Txn, i int, chunk *DeleteStats) error {
			return ErrInvalidData
		})
		assert.ErrorIs(t, err, ErrInvalidData)
		assert.Equal(t, DeleteStats{}, stats)
	})
}
