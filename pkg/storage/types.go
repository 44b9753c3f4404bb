// Package storage is the graph store adapter used by the inference engine and
// the validator.
//
// It defines a labeled property graph (nodes with labels and properties,
// typed directed edges with properties), the Engine interface every store
// implements, and two implementations:
//   - MemoryEngine: RWMutex-guarded maps with label and adjacency indexes
//   - BadgerEngine: persistent store on BadgerDB with prefix-keyed indexes
//
// The package also owns the inferred-fact tag convention (TagPredicate,
// InferredTag) because DeleteTagged filters on it inside the store.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	ro := &storage.Node{
//		Labels: []string{"Equipment"},
//		Properties: map[string]any{
//			"equipmentId":  "RO-001",
//			"type":         "ReverseOsmosis",
//			"healthScore":  55,
//			"healthStatus": "Warning",
//		},
//	}
//	if err := engine.CreateNode(ro); err != nil {
//		log.Fatal(err)
//	}
//	// ro.ID now holds the store-assigned id
//
//	equipment, _ := engine.GetNodesByLabel("Equipment")
//	fmt.Printf("Found %d equipment nodes\n", len(equipment))
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
	ErrReservedTag   = errors.New("authored data may not carry the inferred tag")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// NewNodeID returns a fresh, time-ordered node id.
func NewNodeID() NodeID {
	return NodeID(ulid.Make().String())
}

// NewEdgeID returns a fresh, time-ordered edge id.
func NewEdgeID() EdgeID {
	return EdgeID(ulid.Make().String())
}

// Node is a vertex in the labeled property graph.
//
// ID is assigned by the store when left empty on create. Labels are matched
// case-insensitively. Properties hold scalars (string, numbers, bool,
// time.Time) or lists of scalars.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// HasLabel reports whether the node carries label (case-insensitive).
func (n *Node) HasLabel(label string) bool {
	want := normalizeLabel(label)
	for _, l := range n.Labels {
		if normalizeLabel(l) == want {
			return true
		}
	}
	return false
}

// Edge is a typed, directed relationship between two nodes.
//
// AutoGenerated marks edges created by the inference engine, the edge-side
// counterpart of the Inferred label. Confidence carries a rule's confidence
// when it has one.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt     time.Time `json:"-"`
	Confidence    float64   `json:"-"`
	AutoGenerated bool      `json:"-"`
}

// DeleteStats counts what a DeleteTagged call removed. DetachedEdges are
// untagged edges that pointed at a deleted tagged node; they cannot outlive
// their endpoint and are reported separately from Edges.
type DeleteStats struct {
	Nodes         int64 `json:"nodes"`
	Edges         int64 `json:"edges"`
	DetachedEdges int64 `json:"detachedEdges"`
}

// Engine defines the store operations the inference engine and validator
// consume.
//
// All implementations MUST be safe for concurrent use. Reads return copies;
// mutating a returned Node or Edge never changes the store.
//
// CreateNode and CreateEdge assign an id when the given one is empty and
// write it back to the argument. DeleteNode removes the node's edges too.
// GetEdgeBetween returns nil when no edge of that type exists; an empty type
// matches any.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	DeleteEdge(id EdgeID) error

	// Query operations
	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	GetEdgeBetween(startID, endID NodeID, edgeType string) *Edge
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	// Bulk operations (fixture import)
	BulkCreateNodes(nodes []*Node) error
	BulkCreateEdges(edges []*Edge) error

	// DeleteTagged removes every edge matching pred, then every node
	// matching pred together with any edge still attached to it. The
	// memory store applies it atomically; the badger store commits in
	// chunks and reports what it committed alongside any error.
	DeleteTagged(ctx context.Context, pred TagPredicate) (DeleteStats, error)

	// Lifecycle
	Close() error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
}

// prepareNode validates a node for create and assigns id and timestamps.
func prepareNode(node *Node, now time.Time) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		node.ID = NewNodeID()
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}
	return nil
}

// prepareEdge validates an edge for create and assigns id and timestamp.
func prepareEdge(edge *Edge, now time.Time) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.StartNode == "" || edge.EndNode == "" || edge.Type == "" {
		return ErrInvalidData
	}
	if edge.ID == "" {
		edge.ID = NewEdgeID()
	}
	if edge.Properties == nil {
		edge.Properties = make(map[string]any)
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = now
	}
	return nil
}

func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}

	copied := &Node{
		ID:         n.ID,
		Labels:     make([]string, len(n.Labels)),
		Properties: make(map[string]any, len(n.Properties)),
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
	copy(copied.Labels, n.Labels)
	for k, v := range n.Properties {
		copied.Properties[k] = v
	}
	return copied
}

func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}

	copied := &Edge{
		ID:            e.ID,
		StartNode:     e.StartNode,
		EndNode:       e.EndNode,
		Type:          e.Type,
		Properties:    make(map[string]any, len(e.Properties)),
		CreatedAt:     e.CreatedAt,
		Confidence:    e.Confidence,
		AutoGenerated: e.AutoGenerated,
	}
	for k, v := range e.Properties {
		copied.Properties[k] = v
	}
	return copied
}
