// Package topology models the static relay mesh as an immutable undirected
// graph. The graph is loaded once at startup and shared read-only across all
// request handlers.
package topology

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	originregistry "github.com/wolfeidau/origin-registry"
)

// document mirrors the on-disk YAML topology description.
type document struct {
	Nodes []string   `yaml:"nodes"`
	Edges [][]string `yaml:"edges"`
}

// Hop pairs a relay with the node one step closer to the fan-out root on the
// BFS tree. Each relay only ever learns its next hop toward the publisher,
// never the full path.
type Hop struct {
	Node    originregistry.RelayID
	NextHop originregistry.RelayID
}

// Topology is the immutable relay mesh.
type Topology struct {
	nodes     map[originregistry.RelayID]struct{}
	adjacency map[originregistry.RelayID][]originregistry.RelayID
}

// Load reads and validates a topology document from disk. Any failure here is
// a configuration error and the process must not serve traffic.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology document: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing topology document: %w", err)
	}

	t, err := New(doc.Nodes, doc.Edges)
	if err != nil {
		return nil, fmt.Errorf("topology document %s: %w", path, err)
	}
	return t, nil
}

// New builds a topology from node tokens and edge pairs.
//
// Validation rules:
//   - node tokens must parse as relay identifiers (numeric, 1..65535)
//   - nodes must not be duplicated
//   - every edge must have exactly two endpoints, both declared in nodes
//   - self loops are rejected
func New(nodes []string, edges [][]string) (*Topology, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes declared")
	}

	t := &Topology{
		nodes:     make(map[originregistry.RelayID]struct{}, len(nodes)),
		adjacency: make(map[originregistry.RelayID][]originregistry.RelayID),
	}

	for i, token := range nodes {
		id, err := originregistry.ParseRelayID(token)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		if _, ok := t.nodes[id]; ok {
			return nil, fmt.Errorf("node %d: duplicate relay %s", i, id)
		}
		t.nodes[id] = struct{}{}
	}

	for i, pair := range edges {
		if len(pair) != 2 {
			return nil, fmt.Errorf("edge %d: expected two endpoints, got %d", i, len(pair))
		}
		a, err := originregistry.ParseRelayID(pair[0])
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		b, err := originregistry.ParseRelayID(pair[1])
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		if a == b {
			return nil, fmt.Errorf("edge %d: self loop on relay %s", i, a)
		}
		if _, ok := t.nodes[a]; !ok {
			return nil, fmt.Errorf("edge %d: relay %s not declared in nodes", i, a)
		}
		if _, ok := t.nodes[b]; !ok {
			return nil, fmt.Errorf("edge %d: relay %s not declared in nodes", i, b)
		}
		t.adjacency[a] = append(t.adjacency[a], b)
		t.adjacency[b] = append(t.adjacency[b], a)
	}

	// Sort neighbour lists by port so traversal order is deterministic for a
	// fixed topology regardless of edge declaration order.
	for id := range t.adjacency {
		slices.SortFunc(t.adjacency[id], compareRelays)
		t.adjacency[id] = slices.Compact(t.adjacency[id])
	}

	return t, nil
}

func compareRelays(a, b originregistry.RelayID) int {
	return a.Port() - b.Port()
}

// Member reports whether the relay is part of the mesh.
func (t *Topology) Member(id originregistry.RelayID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Nodes returns all relay identifiers in the mesh, sorted by port.
func (t *Topology) Nodes() []originregistry.RelayID {
	out := make([]originregistry.RelayID, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	slices.SortFunc(out, compareRelays)
	return out
}

// Len returns the number of relays in the mesh.
func (t *Topology) Len() int { return len(t.nodes) }

// Fanout performs a breadth-first traversal from root and returns, for every
// node reachable from it, the node paired with its immediate predecessor on
// the BFS tree. The predecessor is the relay one hop closer to the root, which
// is all a relay needs to forward toward the publisher. The root itself is
// excluded, and nodes outside root's connected component are silently absent.
func (t *Topology) Fanout(root originregistry.RelayID) ([]Hop, error) {
	if !t.Member(root) {
		return nil, fmt.Errorf("unknown relay %s", root)
	}

	visited := map[originregistry.RelayID]struct{}{root: {}}
	queue := []originregistry.RelayID{root}

	var hops []Hop
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, neighbour := range t.adjacency[current] {
			if _, seen := visited[neighbour]; seen {
				continue
			}
			visited[neighbour] = struct{}{}
			hops = append(hops, Hop{Node: neighbour, NextHop: current})
			queue = append(queue, neighbour)
		}
	}

	return hops, nil
}
