package dag

import (
	"container/heap"
	"sort"

	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

// OrderMethod records how the execution order was obtained.
type OrderMethod string

const (
	MethodTopological      OrderMethod = "topological"
	MethodPriorityFallback OrderMethod = "priority-fallback"
)

// before is the deterministic tie-break: lower priority value first, then name.
func before(a, b module.Descriptor) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Name < b.Name
}

type readyHeap []module.Descriptor

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(module.Descriptor)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// Order sorts g topologically with Kahn's algorithm. Nodes left with a non-zero
// in-degree sit on or behind a cycle; they are returned separately as cyclic and
// appended to order in priority order.
func Order(g *Graph) (order []string, cyclic []string) {
	indeg := make(map[string]int, len(g.nodes))
	ready := &readyHeap{}
	for name, d := range g.nodes {
		indeg[name] = len(g.in[name])
		if indeg[name] == 0 {
			*ready = append(*ready, d)
		}
	}
	heap.Init(ready)

	order = make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		d := heap.Pop(ready).(module.Descriptor)
		order = append(order, d.Name)
		for to := range g.out[d.Name] {
			indeg[to]--
			if indeg[to] == 0 {
				heap.Push(ready, g.nodes[to])
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}
	rest := make([]module.Descriptor, 0, len(g.nodes)-len(order))
	for name, n := range indeg {
		if n > 0 {
			rest = append(rest, g.nodes[name])
		}
	}
	sort.Slice(rest, func(i, j int) bool { return before(rest[i], rest[j]) })
	for _, d := range rest {
		order = append(order, d.Name)
		cyclic = append(cyclic, d.Name)
	}
	return order, cyclic
}
