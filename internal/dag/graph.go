package dag

import (
	"sort"

	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

// Graph holds modules and the producer→consumer edges between them.
// It is immutable once built; every scan builds its own.
type Graph struct {
	nodes map[string]module.Descriptor // name → descriptor
	out   map[string]map[string]struct{}
	in    map[string]map[string]struct{}
}

// NewGraph allocates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]module.Descriptor),
		out:   make(map[string]map[string]struct{}),
		in:    make(map[string]map[string]struct{}),
	}
}

// AddNode registers a module by name.
func (g *Graph) AddNode(d module.Descriptor) {
	g.nodes[d.Name] = d
}

// AddEdge records that from produces something to consumes. Duplicate and self
// edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	if from == to {
		return
	}
	if g.out[from] == nil {
		g.out[from] = make(map[string]struct{})
	}
	if g.in[to] == nil {
		g.in[to] = make(map[string]struct{})
	}
	g.out[from][to] = struct{}{}
	g.in[to][from] = struct{}{}
}

// Node returns a descriptor by name.
func (g *Graph) Node(name string) (module.Descriptor, bool) {
	d, ok := g.nodes[name]
	return d, ok
}

// Successors returns the modules fed by name, sorted.
func (g *Graph) Successors(name string) []string {
	return sortedKeys(g.out[name])
}

// Predecessors returns the modules feeding name, sorted.
func (g *Graph) Predecessors(name string) []string {
	return sortedKeys(g.in[name])
}

// Names returns every node name, sorted.
func (g *Graph) Names() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NodeCount returns the number of modules in the graph.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, m := range g.out {
		n += len(m)
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
