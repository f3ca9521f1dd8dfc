// Package pipeline defines the per-session pipeline graph: a fixed DAG of
// node instances and typed edges, validated once at build time and never
// mutated for the life of the session.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/remotemedia/executor/core"
)

// EdgeSpec is one directed edge between two node ids, with optional named
// ports on either end.
type EdgeSpec struct {
	From     string
	To       string
	FromPort string
	ToPort   string
}

// Graph is the pipeline's node/edge DAG. Node identity is carried by id
// only; the node.Node instances themselves live in the scheduler, not
// here, so this package stays free of a node-package dependency and can be
// validated purely as shape.
type Graph struct {
	nodeIDs map[string]bool
	order   []string // insertion order, for deterministic iteration
	edges   []EdgeSpec

	// topo is computed once by Validate and cached for Build's use.
	topo []string
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{nodeIDs: make(map[string]bool)}
}

// AddNode registers a node id. Adding an id that is already registered has
// no effect and is not recorded, so a repeated id is reported neither here
// nor by Validate.
func (g *Graph) AddNode(id string) {
	if !g.nodeIDs[id] {
		g.order = append(g.order, id)
	}
	g.nodeIDs[id] = true
}

// AddEdge registers a directed edge. Endpoint existence is checked by
// Validate.
func (g *Graph) AddEdge(e EdgeSpec) {
	g.edges = append(g.edges, e)
}

// NodeIDs returns every registered node id in registration order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns every registered edge.
func (g *Graph) Edges() []EdgeSpec {
	return append([]EdgeSpec(nil), g.edges...)
}

// Validate checks the data model's graph invariants: every edge endpoint
// refers to an existing node, no cycles, and at least one source (in-degree
// 0) and one sink (out-degree 0). It does not check node ids for
// uniqueness, since AddNode keeps a repeated id as one node. On success it computes and caches the
// topological order.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return core.NewError("pipeline.validate", core.KindGraphError, "graph has no nodes", nil)
	}

	inDegree := make(map[string]int, len(g.order))
	outDegree := make(map[string]int, len(g.order))
	adjacency := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		inDegree[id] = 0
		outDegree[id] = 0
	}

	for _, e := range g.edges {
		if !g.nodeIDs[e.From] {
			return core.NewError("pipeline.validate", core.KindGraphError,
				fmt.Sprintf("edge references unknown source node %q", e.From), nil)
		}
		if !g.nodeIDs[e.To] {
			return core.NewError("pipeline.validate", core.KindGraphError,
				fmt.Sprintf("edge references unknown target node %q", e.To), nil)
		}
		inDegree[e.To]++
		outDegree[e.From]++
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	// Cycle detection takes priority over the source/sink checks below: in a
	// finite non-empty graph, the absence of a source or a sink is itself
	// only possible when a cycle exists, so checking source/sink first would
	// misreport a pure-cycle subgraph (e.g. a -> b -> a) as "no source"
	// instead of naming the cycle.
	topo, cyclePath, ok := topologicalSort(g.order, adjacency)
	if !ok {
		return core.NewError("pipeline.validate", core.KindCycleError,
			"graph contains a cycle: "+formatCycle(cyclePath), nil)
	}

	hasSource, hasSink := false, false
	for _, id := range g.order {
		if inDegree[id] == 0 {
			hasSource = true
		}
		if outDegree[id] == 0 {
			hasSink = true
		}
	}
	if !hasSource {
		return core.NewError("pipeline.validate", core.KindGraphError, "graph has no source node (in-degree 0)", nil)
	}
	if !hasSink {
		return core.NewError("pipeline.validate", core.KindGraphError, "graph has no sink node (out-degree 0)", nil)
	}

	g.topo = topo
	return nil
}

// TopologicalOrder returns the cached topological order computed by
// Validate. It panics if called before a successful Validate, since the
// invariant "topological order is computed once at build time and does
// not change for the life of the session" means there is no valid order
// to return for an unvalidated or invalid graph.
func (g *Graph) TopologicalOrder() []string {
	if g.topo == nil {
		panic("pipeline: TopologicalOrder called before a successful Validate")
	}
	return append([]string(nil), g.topo...)
}

// topologicalSort performs Kahn's algorithm over the given node order and
// adjacency, processing ties in the provided order for determinism. On a
// cycle it returns the set of nodes that never reached zero in-degree, as
// a best-effort cycle path for the error message.
func topologicalSort(nodes []string, adjacency map[string][]string) (order []string, cyclePath []string, ok bool) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, from := range nodes {
		for _, to := range adjacency[from] {
			inDegree[to]++
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		visited++

		for _, next := range adjacency[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodes) {
		return nil, traceCycle(nodes, adjacency), false
	}
	return order, nil, true
}

// cycleMark is a DFS node color: unvisited, currently on the recursion
// stack, or fully explored.
type cycleMark int

const (
	cycleUnvisited cycleMark = iota
	cycleOnStack
	cycleDone
)

// traceCycle finds one actual cycle in nodes/adjacency via DFS, returning it
// as the ordered path from the cycle's first-revisited node back to itself
// (closing the loop by repeating that node), e.g. ["a", "b", "c", "a"]. It
// assumes the caller already knows a cycle exists (topologicalSort's Kahn
// pass did not visit every node).
func traceCycle(nodes []string, adjacency map[string][]string) []string {
	mark := make(map[string]cycleMark, len(nodes))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		mark[n] = cycleOnStack
		stack = append(stack, n)

		for _, next := range adjacency[n] {
			switch mark[next] {
			case cycleOnStack:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), next)
				return true
			case cycleDone:
				continue
			default:
				if visit(next) {
					return true
				}
			}
		}

		mark[n] = cycleDone
		stack = stack[:len(stack)-1]
		return false
	}

	for _, n := range nodes {
		if mark[n] == cycleUnvisited {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

// formatCycle renders a traced cycle path as the arrow-joined, self-closing
// string used in KindCycleError messages, e.g. "a → b → c → a".
func formatCycle(nodes []string) string {
	return strings.Join(nodes, " → ")
}
