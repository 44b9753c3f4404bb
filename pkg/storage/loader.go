// Fixture import for plant datasets.
//
// A fixture is a YAML (or JSON, which is valid YAML) document listing keyed
// nodes and edges that reference those keys:
//
//	nodes:
//	  - key: ro1
//	    labels: [Equipment]
//	    properties:
//	      equipmentId: RO-001
//	      type: ReverseOsmosis
//	      healthScore: 55
//	  - key: ps1
//	    labels: [Sensor]
//	    properties:
//	      sensorId: PS-RO-IN
//	      type: Pressure
//	  - key: obs1
//	    labels: [Observation]
//	    properties:
//	      value: 12.5
//	      timestamp: !ago 2h
//	edges:
//	  - from: ro1
//	    to: ps1
//	    type: HAS_SENSOR
//	  - from: obs1
//	    to: ps1
//	    type: OBSERVED_BY
//
// The !ago tag resolves to load time minus a duration ("90m", "2h", "3d"),
// so a fixture stays inside the rules' time windows whenever it is loaded.
// Keys are local to the fixture; the store assigns real ids.
//
// Authored data may not carry the inferred tag. A node with the Inferred
// label or an isInferred property, or an edge with isInferred, is rejected
// with ErrReservedTag and nothing is written.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// agoTag marks a scalar as a duration before load time.
const agoTag = "!ago"

// FixtureNode is a node entry in a fixture file.
type FixtureNode struct {
	Key        string               `yaml:"key"`
	Labels     []string             `yaml:"labels"`
	Properties map[string]yaml.Node `yaml:"properties"`
}

// FixtureEdge is an edge entry in a fixture file.
type FixtureEdge struct {
	From       string               `yaml:"from"`
	To         string               `yaml:"to"`
	Type       string               `yaml:"type"`
	Properties map[string]yaml.Node `yaml:"properties"`
}

// Fixture is the root of a fixture document.
type Fixture struct {
	Nodes []FixtureNode `yaml:"nodes"`
	Edges []FixtureEdge `yaml:"edges"`
}

// LoadResult summarizes a fixture import.
type LoadResult struct {
	NodesImported int               `json:"nodesImported"`
	EdgesImported int               `json:"edgesImported"`
	NodesByLabel  map[string]int    `json:"nodesByLabel"`
	EdgesByType   map[string]int    `json:"edgesByType"`
	Keys          map[string]NodeID `json:"keys"`
}

// LoadFixture reads a fixture file and bulk-inserts it into engine.
func LoadFixture(engine Engine, path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return LoadFixtureBytes(engine, data, time.Now())
}

// LoadFixtureBytes parses data and bulk-inserts it into engine. now anchors
// every !ago value.
func LoadFixtureBytes(engine Engine, data []byte, now time.Time) (*LoadResult, error) {
	var fx Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("decoding fixture: %w", err)
	}

	nodes, edges, keys, err := fx.build(now)
	if err != nil {
		return nil, err
	}

	if err := engine.BulkCreateNodes(nodes); err != nil {
		return nil, fmt.Errorf("creating nodes: %w", err)
	}
	if err := engine.BulkCreateEdges(edges); err != nil {
		return nil, fmt.Errorf("creating edges: %w", err)
	}

	result := &LoadResult{
		NodesImported: len(nodes),
		EdgesImported: len(edges),
		NodesByLabel:  make(map[string]int),
		EdgesByType:   make(map[string]int),
		Keys:          keys,
	}
	for _, n := range nodes {
		for _, l := range n.Labels {
			result.NodesByLabel[l]++
		}
	}
	for _, e := range edges {
		result.EdgesByType[e.Type]++
	}
	return result, nil
}

func (fx *Fixture) build(now time.Time) ([]*Node, []*Edge, map[string]NodeID, error) {
	keys := make(map[string]NodeID, len(fx.Nodes))
	nodes := make([]*Node, 0, len(fx.Nodes))

	for i, fn := range fx.Nodes {
		if fn.Key == "" {
			return nil, nil, nil, fmt.Errorf("node %d: %w: missing key", i, ErrInvalidData)
		}
		if _, dup := keys[fn.Key]; dup {
			return nil, nil, nil, fmt.Errorf("node %q: %w: duplicate key", fn.Key, ErrInvalidData)
		}
		if len(fn.Labels) == 0 {
			return nil, nil, nil, fmt.Errorf("node %q: %w: no labels", fn.Key, ErrInvalidData)
		}
		props, err := resolveProperties(fn.Properties, now)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("node %q: %w", fn.Key, err)
		}
		node := &Node{
			ID:         NewNodeID(),
			Labels:     fn.Labels,
			Properties: props,
		}
		if InferredTag.CarriesAnyMarker(node) {
			return nil, nil, nil, fmt.Errorf("node %q: %w", fn.Key, ErrReservedTag)
		}
		keys[fn.Key] = node.ID
		nodes = append(nodes, node)
	}

	edges := make([]*Edge, 0, len(fx.Edges))
	for i, fe := range fx.Edges {
		from, ok := keys[fe.From]
		if !ok {
			return nil, nil, nil, fmt.Errorf("edge %d: %w: unknown node key %q", i, ErrInvalidEdge, fe.From)
		}
		to, ok := keys[fe.To]
		if !ok {
			return nil, nil, nil, fmt.Errorf("edge %d: %w: unknown node key %q", i, ErrInvalidEdge, fe.To)
		}
		if fe.Type == "" {
			return nil, nil, nil, fmt.Errorf("edge %d: %w: missing type", i, ErrInvalidData)
		}
		props, err := resolveProperties(fe.Properties, now)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("edge %d: %w", i, err)
		}
		if _, tagged := props[PropIsInferred]; tagged {
			return nil, nil, nil, fmt.Errorf("edge %d: %w", i, ErrReservedTag)
		}
		edges = append(edges, &Edge{
			StartNode:  from,
			EndNode:    to,
			Type:       fe.Type,
			Properties: props,
		})
	}

	return nodes, edges, keys, nil
}

func resolveProperties(raw map[string]yaml.Node, now time.Time) (map[string]any, error) {
	props := make(map[string]any, len(raw))
	for name, node := range raw {
		v, err := resolveValue(&node, now)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = v
	}
	return props, nil
}

func resolveValue(node *yaml.Node, now time.Time) (any, error) {
	if node.Tag == agoTag {
		d, err := parseAgo(node.Value)
		if err != nil {
			return nil, err
		}
		return now.Add(-d), nil
	}

	if node.Kind == yaml.SequenceNode {
		list := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := resolveValue(item, now)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	}

	if node.Kind == yaml.MappingNode {
		return nil, fmt.Errorf("%w: nested maps are not property values", ErrInvalidData)
	}

	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// parseAgo accepts time.ParseDuration syntax plus a whole-day "Nd" form.
func parseAgo(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%w: bad !ago value %q", ErrInvalidData, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad !ago value %q", ErrInvalidData, s)
	}
	return d, nil
}
