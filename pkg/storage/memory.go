package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// normalizeLabel converts a label to lowercase for case-insensitive matching.
func normalizeLabel(label string) string {
	return strings.ToLower(label)
}

// MemoryEngine is a thread-safe in-memory graph store.
//
// Use Cases:
//   - Unit tests for rules, axioms and constraints
//   - Evaluating a fixture without touching disk
//
// Features:
//   - All operations use an RWMutex, so reads run in parallel
//   - Label, outgoing and incoming indexes
//   - Deep copies on every read and write
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	eq := &storage.Node{Labels: []string{"Equipment"}, Properties: map[string]any{"equipmentId": "RO-001"}}
//	s := &storage.Node{Labels: []string{"Sensor"}, Properties: map[string]any{"sensorId": "PS-RO-IN"}}
//	engine.BulkCreateNodes([]*storage.Node{eq, s})
//	engine.CreateEdge(&storage.Edge{StartNode: eq.ID, EndNode: s.ID, Type: "HAS_SENSOR"})
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	closed bool
}

// NewMemoryEngine creates an empty in-memory store.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// CreateNode stores a new node, assigning an id when node.ID is empty.
//
// Returns ErrAlreadyExists if a node with the same id exists.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if err := prepareNode(node, time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.createNodeUnlocked(node)
	return nil
}

// GetNode retrieves a copy of a node by id.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces an existing node's labels and properties.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}

	m.unindexLabels(existing)
	stored := copyNode(node)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	m.nodes[node.ID] = stored
	m.indexLabels(stored)
	return nil
}

// DeleteNode removes a node and all its edges.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	m.deleteNodeUnlocked(id)
	return nil
}

// CreateEdge stores a new edge, assigning an id when edge.ID is empty.
//
// Both endpoints must exist (ErrInvalidEdge otherwise).
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if err := prepareEdge(edge, time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, ok := m.nodes[edge.StartNode]; !ok {
		return ErrInvalidEdge
	}
	if _, ok := m.nodes[edge.EndNode]; !ok {
		return ErrInvalidEdge
	}

	m.createEdgeUnlocked(edge)
	return nil
}

// GetEdge retrieves a copy of an edge by id.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeUnlocked(id)
	return nil
}

// GetNodesByLabel returns copies of all nodes carrying label.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := m.nodesByLabel[normalizeLabel(label)]
	nodes := make([]*Node, 0, len(ids))
	for id := range ids {
		if node := m.nodes[id]; node != nil {
			nodes = append(nodes, copyNode(node))
		}
	}
	return nodes, nil
}

// GetOutgoingEdges returns copies of all edges whose source is nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, m.outgoingEdges)
}

// GetIncomingEdges returns copies of all edges whose target is nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, m.incomingEdges)
}

func (m *MemoryEngine) adjacent(nodeID NodeID, index map[NodeID]map[EdgeID]struct{}) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	ids := index[nodeID]
	edges := make([]*Edge, 0, len(ids))
	for id := range ids {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	return edges, nil
}

// GetEdgeBetween returns an edge from source to target with the given type,
// or nil if none exists.
func (m *MemoryEngine) GetEdgeBetween(source, target NodeID, edgeType string) *Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil
	}

	for id := range m.outgoingEdges[source] {
		edge := m.edges[id]
		if edge != nil && edge.EndNode == target && (edgeType == "" || edge.Type == edgeType) {
			return copyEdge(edge)
		}
	}
	return nil
}

// AllNodes returns copies of every node.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, copyNode(node))
	}
	return nodes, nil
}

// AllEdges returns copies of every edge.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, edge := range m.edges {
		edges = append(edges, copyEdge(edge))
	}
	return edges, nil
}

// BulkCreateNodes inserts all nodes or none.
func (m *MemoryEngine) BulkCreateNodes(nodes []*Node) error {
	now := time.Now()
	for _, node := range nodes {
		if err := prepareNode(node, now); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	seen := make(map[NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		if _, exists := m.nodes[node.ID]; exists {
			return ErrAlreadyExists
		}
		if _, dup := seen[node.ID]; dup {
			return ErrAlreadyExists
		}
		seen[node.ID] = struct{}{}
	}

	for _, node := range nodes {
		m.createNodeUnlocked(node)
	}
	return nil
}

// BulkCreateEdges inserts all edges or none.
func (m *MemoryEngine) BulkCreateEdges(edges []*Edge) error {
	now := time.Now()
	for _, edge := range edges {
		if err := prepareEdge(edge, now); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	for _, edge := range edges {
		if _, exists := m.edges[edge.ID]; exists {
			return ErrAlreadyExists
		}
		if _, ok := m.nodes[edge.StartNode]; !ok {
			return ErrInvalidEdge
		}
		if _, ok := m.nodes[edge.EndNode]; !ok {
			return ErrInvalidEdge
		}
	}

	for _, edge := range edges {
		m.createEdgeUnlocked(edge)
	}
	return nil
}

// DeleteTagged removes tagged edges, then tagged nodes with whatever edges
// remain attached, under a single write lock.
func (m *MemoryEngine) DeleteTagged(ctx context.Context, pred TagPredicate) (DeleteStats, error) {
	var stats DeleteStats
	if !pred.Valid() {
		return stats, ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return stats, ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	for id, edge := range m.edges {
		if pred.MatchEdge(edge) {
			m.deleteEdgeUnlocked(id)
			stats.Edges++
		}
	}

	for id, node := range m.nodes {
		if !pred.MatchNode(node) {
			continue
		}
		attached := make(map[EdgeID]struct{})
		for edgeID := range m.outgoingEdges[id] {
			attached[edgeID] = struct{}{}
		}
		for edgeID := range m.incomingEdges[id] {
			attached[edgeID] = struct{}{}
		}
		stats.DetachedEdges += int64(len(attached))
		m.deleteNodeUnlocked(id)
		stats.Nodes++
	}

	return stats, nil
}

// Close marks the engine closed. Further calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	return nil
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// ============================================================================
// Unlocked helpers. Caller must hold m.mu.Lock().
// ============================================================================

func (m *MemoryEngine) createNodeUnlocked(node *Node) {
	stored := copyNode(node)
	m.nodes[node.ID] = stored
	m.indexLabels(stored)
}

func (m *MemoryEngine) indexLabels(node *Node) {
	for _, label := range node.Labels {
		normalLabel := normalizeLabel(label)
		if m.nodesByLabel[normalLabel] == nil {
			m.nodesByLabel[normalLabel] = make(map[NodeID]struct{})
		}
		m.nodesByLabel[normalLabel][node.ID] = struct{}{}
	}
}

func (m *MemoryEngine) unindexLabels(node *Node) {
	for _, label := range node.Labels {
		if ids := m.nodesByLabel[normalizeLabel(label)]; ids != nil {
			delete(ids, node.ID)
		}
	}
}

func (m *MemoryEngine) deleteNodeUnlocked(id NodeID) {
	node, exists := m.nodes[id]
	if !exists {
		return
	}

	m.unindexLabels(node)
	for edgeID := range m.outgoingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	delete(m.nodes, id)
}

func (m *MemoryEngine) createEdgeUnlocked(edge *Edge) {
	m.edges[edge.ID] = copyEdge(edge)

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
}

func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}

	if outgoing := m.outgoingEdges[edge.StartNode]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[edge.EndNode]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.edges, id)
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
