package dag

import (
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

// Build constructs the dependency graph of descs: an edge A→B exists whenever A
// produces an event type that B watches.
func Build(descs []module.Descriptor) *Graph {
	g := NewGraph()
	for _, d := range descs {
		g.AddNode(d)
	}
	for _, producer := range descs {
		for _, consumer := range descs {
			if producer.Name == consumer.Name {
				continue
			}
			for _, typ := range producer.Produced {
				if consumer.Watches(typ) {
					g.AddEdge(producer.Name, consumer.Name)
					break
				}
			}
		}
	}
	return g
}

// MinimalSet returns the modules needed to produce the desired event types: the
// producers of any desired type plus, transitively, the producers of every hard
// input of an included module. Modules unreachable backwards from desired are left out.
func MinimalSet(reg *module.Registry, desired []string) []module.Descriptor {
	included := make(map[string]module.Descriptor)
	seenType := make(map[string]bool)
	queue := append([]string(nil), desired...)

	for len(queue) > 0 {
		typ := queue[0]
		queue = queue[1:]
		if seenType[typ] {
			continue
		}
		seenType[typ] = true
		for _, d := range reg.ByProducedType(typ) {
			if _, ok := included[d.Name]; ok {
				continue
			}
			included[d.Name] = d
			for _, in := range d.HardInputs() {
				if !seenType[in] {
					queue = append(queue, in)
				}
			}
		}
	}

	out := make([]module.Descriptor, 0, len(included))
	for _, d := range reg.All() {
		if _, ok := included[d.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}
