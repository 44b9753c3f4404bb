package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// serializableNode is the JSON form of a Node stored under prefixNode.
// Timestamps are kept at nanosecond precision so inferredAt ordering
// survives a round trip.
type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

// serializableEdge is the JSON form of an Edge stored under prefixEdge.
type serializableEdge struct {
	ID            string         `json:"id"`
	StartNode     string         `json:"startNode"`
	EndNode       string         `json:"endNode"`
	Type          string         `json:"type"`
	Properties    map[string]any `json:"properties"`
	CreatedAt     int64          `json:"createdAt"`
	Confidence    float64        `json:"confidence,omitempty"`
	AutoGenerated bool           `json:"autoGenerated,omitempty"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  timeToUnixNano(n.CreatedAt),
		UpdatedAt:  timeToUnixNano(n.UpdatedAt),
	})
}

func decodeNode(data []byte) (*Node, error) {
	var sn serializableNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	if sn.Properties == nil {
		sn.Properties = make(map[string]any)
	}
	return &Node{
		ID:         NodeID(sn.ID),
		Labels:     sn.Labels,
		Properties: sn.Properties,
		CreatedAt:  unixNanoToTime(sn.CreatedAt),
		UpdatedAt:  unixNanoToTime(sn.UpdatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:            string(e.ID),
		StartNode:     string(e.StartNode),
		EndNode:       string(e.EndNode),
		Type:          e.Type,
		Properties:    e.Properties,
		CreatedAt:     timeToUnixNano(e.CreatedAt),
		Confidence:    e.Confidence,
		AutoGenerated: e.AutoGenerated,
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var se serializableEdge
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("decoding edge: %w", err)
	}
	if se.Properties == nil {
		se.Properties = make(map[string]any)
	}
	return &Edge{
		ID:            EdgeID(se.ID),
		StartNode:     NodeID(se.StartNode),
		EndNode:       NodeID(se.EndNode),
		Type:          se.Type,
		Properties:    se.Properties,
		CreatedAt:     unixNanoToTime(se.CreatedAt),
		Confidence:    se.Confidence,
		AutoGenerated: se.AutoGenerated,
	}, nil
}

func timeToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixNanoToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
