package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
)

// BadgerEngine is the persistent graph store, backed by BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + lowercase(label) + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Every mutation runs in one Badger transaction, so a node and its index
// entries are written or discarded together. DeleteTagged is the exception:
// it commits in chunks. Property values round-trip
// through JSON: numbers come back as float64 and time.Time as an RFC 3339
// string. Use pkg/convert when comparing them.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/upw")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // guards closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory is set.
	DataDir string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// BlockCacheSize in bytes. Zero means 32MB.
	BlockCacheSize int64

	// Logger receives Badger's internal log lines. nil silences them.
	Logger badger.Logger
}

// NewBadgerEngine opens a persistent store in dataDir with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a store with explicit options.
//
// Example 1 - tests:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{InMemory: true})
//
// Example 2 - durable daemon:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    cfg.Storage.DataDir,
//		SyncWrites: true,
//		Logger:     logging.NewBadgerLogger(logger),
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	cacheSize := opts.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = 32 << 20
	}

	// Sized for a single plant's graph, not a shared cluster.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(cacheSize).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func labelIndexPrefix(label string) []byte {
	normalLabel := normalizeLabel(label)
	key := make([]byte, 0, 1+len(normalLabel)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(normalLabel)...)
	key = append(key, 0x00)
	return key
}

func labelIndexKey(label string, nodeID NodeID) []byte {
	return append(labelIndexPrefix(label), []byte(nodeID)...)
}

func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	key = append(key, 0x00)
	return key
}

func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	return append(adjacencyPrefix(prefix, nodeID), []byte(edgeID)...)
}

// idAfterSeparator returns the suffix following the first 0x00 after the
// prefix byte.
func idAfterSeparator(key []byte) string {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return string(key[i+1:])
		}
	}
	return ""
}

// ============================================================================
// Transaction helpers
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func getNodeInTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

func getEdgeInTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// scanKeys collects every key under prefix.
func scanKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func putNodeInTxn(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	for _, label := range node.Labels {
		if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func putEdgeInTxn(txn *badger.Txn, edge *Edge) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	if err := txn.Set(edgeKey(edge.ID), data); err != nil {
		return err
	}
	if err := txn.Set(adjacencyKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(adjacencyKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
}

func deleteEdgeInTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := getEdgeInTxn(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixOutgoingIndex, edge.StartNode, id)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixIncomingIndex, edge.EndNode, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// deleteNodeInTxn removes a node, its label entries and every attached edge.
// It returns how many edges went with it.
func deleteNodeInTxn(txn *badger.Txn, node *Node) (int64, error) {
	for _, label := range node.Labels {
		if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
			return 0, err
		}
	}

	var detached int64
	for _, prefix := range []byte{prefixOutgoingIndex, prefixIncomingIndex} {
		for _, key := range scanKeys(txn, adjacencyPrefix(prefix, node.ID)) {
			err := deleteEdgeInTxn(txn, EdgeID(idAfterSeparator(key)))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return detached, err
			}
			detached++
		}
	}

	return detached, txn.Delete(nodeKey(node.ID))
}

// ============================================================================
// Node Operations
// ============================================================================

// CreateNode stores a new node, assigning an id when node.ID is empty.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if err := prepareNode(node, time.Now()); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, nodeKey(node.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}
		return putNodeInTxn(txn, node)
	})
}

// GetNode retrieves a node by id.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeInTxn(txn, id)
		return err
	})
	return node, err
}

// UpdateNode replaces an existing node's labels and properties.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getNodeInTxn(txn, node.ID)
		if err != nil {
			return err
		}
		for _, label := range existing.Labels {
			if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
				return err
			}
		}

		updated := copyNode(node)
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = time.Now()
		return putNodeInTxn(txn, updated)
	})
}

// DeleteNode removes a node and all its edges.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		node, err := getNodeInTxn(txn, id)
		if err != nil {
			return err
		}
		_, err = deleteNodeInTxn(txn, node)
		return err
	})
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge stores a new edge, assigning an id when edge.ID is empty.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if err := prepareEdge(edge, time.Now()); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.createEdgeInTxn(txn, edge)
	})
}

func (b *BadgerEngine) createEdgeInTxn(txn *badger.Txn, edge *Edge) error {
	found, err := exists(txn, edgeKey(edge.ID))
	if err != nil {
		return err
	}
	if found {
		return ErrAlreadyExists
	}

	for _, endpoint := range []NodeID{edge.StartNode, edge.EndNode} {
		ok, err := exists(txn, nodeKey(endpoint))
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidEdge
		}
	}
	return putEdgeInTxn(txn, edge)
}

// GetEdge retrieves an edge by id.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeInTxn(txn, id)
		return err
	})
	return edge, err
}

// DeleteEdge removes an edge and its index entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeInTxn(txn, id)
	})
}

// ============================================================================
// Query Operations
// ============================================================================

// GetNodesByLabel returns all nodes with the specified label.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, labelIndexPrefix(label)) {
			node, err := getNodeInTxn(txn, NodeID(idAfterSeparator(key)))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// GetOutgoingEdges returns all edges whose source is nodeID.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns all edges whose target is nodeID.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) adjacent(prefix byte, nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range scanKeys(txn, adjacencyPrefix(prefix, nodeID)) {
			edge, err := getEdgeInTxn(txn, EdgeID(idAfterSeparator(key)))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// GetEdgeBetween returns an edge from source to target with the given type,
// or nil if none exists.
func (b *BadgerEngine) GetEdgeBetween(source, target NodeID, edgeType string) *Edge {
	edges, err := b.GetOutgoingEdges(source)
	if err != nil {
		return nil
	}
	for _, edge := range edges {
		if edge.EndNode == target && (edgeType == "" || edge.Type == edgeType) {
			return edge
		}
	}
	return nil
}

// AllNodes returns every node.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		return iterateValues(txn, prefixNode, func(val []byte) error {
			node, err := decodeNode(val)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		})
	})
	return nodes, err
}

// AllEdges returns every edge.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		return iterateValues(txn, prefixEdge, func(val []byte) error {
			edge, err := decodeEdge(val)
			if err != nil {
				return err
			}
			edges = append(edges, edge)
			return nil
		})
	})
	return edges, err
}

func iterateValues(txn *badger.Txn, prefix byte, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte{prefix}
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Bulk Operations
// ============================================================================

// BulkCreateNodes inserts all nodes in one transaction.
func (b *BadgerEngine) BulkCreateNodes(nodes []*Node) error {
	now := time.Now()
	for _, node := range nodes {
		if err := prepareNode(node, now); err != nil {
			return err
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, node := range nodes {
			found, err := exists(txn, nodeKey(node.ID))
			if err != nil {
				return err
			}
			if found {
				return ErrAlreadyExists
			}
			if err := putNodeInTxn(txn, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkCreateEdges inserts all edges in one transaction.
func (b *BadgerEngine) BulkCreateEdges(edges []*Edge) error {
	now := time.Now()
	for _, edge := range edges {
		if err := prepareEdge(edge, now); err != nil {
			return err
		}
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, edge := range edges {
			if err := b.createEdgeInTxn(txn, edge); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteChunkSize is how many deletions DeleteTagged commits per
// transaction before starting the next one.
var deleteChunkSize = 512

// DeleteTagged removes tagged edges, then tagged nodes with any edges still
// attached.
//
// Matching items are collected in a read-only view and deleted in chunks of
// deleteChunkSize, each in its own transaction. A chunk that exceeds
// Badger's transaction limit is split in half and retried, so a large
// ledger clears in several commits instead of failing with
// badger.ErrTxnTooBig. On error or cancellation the chunks already
// committed stay deleted and stats counts them.
func (b *BadgerEngine) DeleteTagged(ctx context.Context, pred TagPredicate) (DeleteStats, error) {
	var stats DeleteStats
	if !pred.Valid() {
		return stats, ErrInvalidData
	}
	if err := b.checkOpen(); err != nil {
		return stats, err
	}

	var edgeIDs []EdgeID
	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		err := iterateValues(txn, prefixEdge, func(val []byte) error {
			edge, err := decodeEdge(val)
			if err != nil {
				return err
			}
			if pred.MatchEdge(edge) {
				edgeIDs = append(edgeIDs, edge.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return iterateValues(txn, prefixNode, func(val []byte) error {
			node, err := decodeNode(val)
			if err != nil {
				return err
			}
			if pred.MatchNode(node) {
				nodes = append(nodes, node)
			}
			return nil
		})
	})
	if err != nil {
		return stats, err
	}

	err = b.deleteInChunks(ctx, len(edgeIDs), &stats, func(txn *badger.Txn, i int, chunk *DeleteStats) error {
		err := deleteEdgeInTxn(txn, edgeIDs[i])
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		chunk.Edges++
		return nil
	})
	if err != nil {
		return stats, err
	}

	err = b.deleteInChunks(ctx, len(nodes), &stats, func(txn *badger.Txn, i int, chunk *DeleteStats) error {
		found, err := exists(txn, nodeKey(nodes[i].ID))
		if err != nil || !found {
			return err
		}
		detached, err := deleteNodeInTxn(txn, nodes[i])
		if err != nil {
			return err
		}
		chunk.DetachedEdges += detached
		chunk.Nodes++
		return nil
	})
	return stats, err
}

// deleteInChunks calls del for 0..n-1, committing one transaction per chunk
// and adding each committed chunk's counts to stats. A chunk that fails
// with badger.ErrTxnTooBig is retried at half the size; a single item that
// still does not fit returns the error.
func (b *BadgerEngine) deleteInChunks(ctx context.Context, n int, stats *DeleteStats,
	del func(txn *badger.Txn, i int, chunk *DeleteStats) error) error {
	size := deleteChunkSize
	for start := 0; start < n; {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, n)

		var chunk DeleteStats
		err := b.db.Update(func(txn *badger.Txn) error {
			chunk = DeleteStats{}
			for i := start; i < end; i++ {
				if err := del(txn, i, &chunk); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, badger.ErrTxnTooBig) && end-start > 1 {
			size = (end - start) / 2
			continue
		}
		if err != nil {
			return err
		}

		stats.Nodes += chunk.Nodes
		stats.Edges += chunk.Edges
		stats.DetachedEdges += chunk.DetachedEdges
		start = end
	}
	return nil
}

// ============================================================================
// Stats and lifecycle
// ============================================================================

// NodeCount returns the number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		count = int64(len(scanKeys(txn, []byte{prefix})))
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// RunGC runs garbage collection on the BadgerDB value log. The daemon calls
// it after clearing inferred facts.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Verify BadgerEngine implements Engine interface
var _ Engine = (*BadgerEngine)(nil)
