// Package graph builds and validates the topology of a constellation.
//
// A built Graph is immutable and offers the lookups the runner needs:
// incoming and outgoing edges per node, the star kind behind every star
// node, loop edge classification and loop bodies. Loop edges must point
// back to a node upstream of their eval source; once they are removed the
// remaining graph must be acyclic.
package graph

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/starmesh/core"
)

// StarLookup returns the kind of the star with the given id.
type StarLookup func(starID string) (core.StarKind, bool)

// Graph is a validated constellation topology.
type Graph struct {
	c        *core.Constellation
	nodes    map[string]*core.Node
	ids      []string
	startID  string
	endID    string
	incoming map[string][]core.Edge
	outgoing map[string][]core.Edge
	kinds    map[string]core.StarKind
	order    []string
}

// Build validates c and indexes it. lookup may be nil, in which case star
// existence and the eval-only condition rule cannot be checked.
func Build(c *core.Constellation, lookup StarLookup) (*Graph, error) {
	if c == nil {
		return nil, &core.GraphError{Msg: "constellation must not be nil"}
	}

	g := &Graph{
		c:        c,
		nodes:    make(map[string]*core.Node, len(c.Nodes)),
		incoming: map[string][]core.Edge{},
		outgoing: map[string][]core.Edge{},
		kinds:    map[string]core.StarKind{},
	}

	var problems []string

	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	var starts, ends []string

	for i := range c.Nodes {
		n := &c.Nodes[i]

		if n.ID == "" {
			fail("node at index %d has no id", i)
			continue
		}

		if _, dup := g.nodes[n.ID]; dup {
			fail("duplicate node id %q", n.ID)
			continue
		}

		g.nodes[n.ID] = n
		g.ids = append(g.ids, n.ID)

		switch n.Kind {
		case core.NodeKindStart:
			starts = append(starts, n.ID)
		case core.NodeKindEnd:
			ends = append(ends, n.ID)
		case core.NodeKindStar:
			if n.StarID == "" {
				fail("star node %q has no star_id", n.ID)
				continue
			}

			if lookup == nil {
				continue
			}

			kind, ok := lookup(n.StarID)
			if !ok {
				fail("star node %q references unknown star %q", n.ID, n.StarID)
				continue
			}

			g.kinds[n.ID] = kind
		default:
			fail("node %q has unknown type %q", n.ID, n.Kind)
		}
	}

	sort.Strings(g.ids)

	if len(starts) != 1 {
		fail("expected exactly one start node, found %d", len(starts))
	} else {
		g.startID = starts[0]
	}

	if len(ends) != 1 {
		fail("expected exactly one end node, found %d", len(ends))
	} else {
		g.endID = ends[0]
	}

	seenEdges := map[string]bool{}

	for _, e := range c.Edges {
		src, okSrc := g.nodes[e.Source]
		_, okDst := g.nodes[e.Target]

		if !okSrc || !okDst {
			fail("edge %q references unknown node", e.Key())
			continue
		}

		if seenEdges[e.Key()] {
			fail("duplicate edge %q", e.Key())
			continue
		}

		seenEdges[e.Key()] = true

		if src.Kind == core.NodeKindEnd {
			fail("edge %q leaves the end node", e.Key())
		}

		if g.nodes[e.Target].Kind == core.NodeKindStart {
			fail("edge %q enters the start node", e.Key())
		}

		switch e.Condition {
		case core.ConditionNone:
		case core.ConditionContinue, core.ConditionLoop:
			if lookup != nil && g.kinds[e.Source] != core.StarKindEval {
				fail("edge %q has condition %q but does not leave an eval node", e.Key(), e.Condition)
			}
		default:
			fail("edge %q has unknown condition %q", e.Key(), e.Condition)
		}

		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}

	for _, m := range []map[string][]core.Edge{g.incoming, g.outgoing} {
		for id := range m {
			sortEdges(m[id])
		}
	}

	if len(problems) > 0 {
		return nil, &core.GraphError{Msg: strings.Join(problems, "; ")}
	}

	problems = append(problems, g.checkTopology()...)

	if len(problems) > 0 {
		return nil, &core.GraphError{Msg: strings.Join(problems, "; ")}
	}

	return g, nil
}

// checkTopology validates loop edges, acyclicity and reachability.
func (g *Graph) checkTopology() []string {
	var problems []string

	for _, id := range g.ids {
		for _, e := range g.outgoing[id] {
			if e.Condition != core.ConditionLoop {
				continue
			}

			if !g.forward(e.Target)[e.Source] {
				problems = append(problems, fmt.Sprintf("loop edge %q must point back to a node upstream of %q", e.Key(), e.Source))
			}
		}
	}

	order, ok := g.topoSort()
	if !ok {
		problems = append(problems, "constellation contains a cycle that is not a loop edge")
	}

	g.order = order

	reachable := g.reach(g.startID, true, false)
	canFinish := g.reach(g.endID, false, true)

	for _, id := range g.ids {
		if id == g.startID {
			continue
		}

		if len(g.incoming[id]) == 0 {
			problems = append(problems, fmt.Sprintf("node %q has no incoming edges", id))
			continue
		}

		if !reachable[id] {
			problems = append(problems, fmt.Sprintf("node %q is not reachable from the start node", id))
		}
	}

	for _, id := range g.ids {
		if id != g.endID && reachable[id] && !canFinish[id] {
			problems = append(problems, fmt.Sprintf("node %q cannot reach the end node", id))
		}
	}

	return problems
}

// topoSort orders the non-loop subgraph (Kahn's algorithm, ties by id).
func (g *Graph) topoSort() ([]string, bool) {
	indeg := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		indeg[id] = 0
	}

	for _, id := range g.ids {
		for _, e := range g.outgoing[id] {
			if e.Condition != core.ConditionLoop {
				indeg[e.Target]++
			}
		}
	}

	var queue []string

	for _, id := range g.ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.ids))

	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, e := range g.outgoing[id] {
			if e.Condition == core.ConditionLoop {
				continue
			}

			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	return order, len(order) == len(g.ids)
}

// reach returns the nodes reachable from id, following outgoing edges (or
// incoming edges when backward is set). Loop edges are followed only when
// withLoops is set.
func (g *Graph) reach(id string, withLoops, backward bool) map[string]bool {
	seen := map[string]bool{}
	if id == "" {
		return seen
	}

	stack := []string{id}
	seen[id] = true

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		edges := g.outgoing[cur]
		if backward {
			edges = g.incoming[cur]
		}

		for _, e := range edges {
			if e.Condition == core.ConditionLoop && !withLoops {
				continue
			}

			next := e.Target
			if backward {
				next = e.Source
			}

			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}

	return seen
}

func (g *Graph) forward(id string) map[string]bool { return g.reach(id, false, false) }

func sortEdges(edges []core.Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
}

// Constellation returns the underlying constellation.
func (g *Graph) Constellation() *core.Constellation { return g.c }

// StartID returns the id of the start node.
func (g *Graph) StartID() string { return g.startID }

// EndID returns the id of the end node.
func (g *Graph) EndID() string { return g.endID }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*core.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids sorted.
func (g *Graph) NodeIDs() []string { return append([]string(nil), g.ids...) }

// TopologicalOrder returns the node ids of the loop free subgraph in
// dependency order, ties broken by id.
func (g *Graph) TopologicalOrder() []string { return append([]string(nil), g.order...) }

// Incoming returns the edges entering id, sorted by key.
func (g *Graph) Incoming(id string) []core.Edge { return g.incoming[id] }

// Outgoing returns the edges leaving id, sorted by key.
func (g *Graph) Outgoing(id string) []core.Edge { return g.outgoing[id] }

// StarKind returns the kind of the star behind a star node.
func (g *Graph) StarKind(nodeID string) (core.StarKind, bool) {
	k, ok := g.kinds[nodeID]
	return k, ok
}

// IsEval reports whether nodeID runs an eval star.
func (g *Graph) IsEval(nodeID string) bool { return g.kinds[nodeID] == core.StarKindEval }

// LoopEdges returns the loop edges leaving nodeID, sorted by key.
func (g *Graph) LoopEdges(nodeID string) []core.Edge {
	var out []core.Edge

	for _, e := range g.outgoing[nodeID] {
		if e.Condition == core.ConditionLoop {
			out = append(out, e)
		}
	}

	return out
}

// LoopBody returns the nodes re-executed when loop edge e is taken: every
// node on a non-loop path from the edge target to the edge source,
// inclusive, sorted by id.
func (g *Graph) LoopBody(e core.Edge) []string {
	down := g.forward(e.Target)
	up := g.reach(e.Source, false, true)

	var body []string

	for _, id := range g.ids {
		if down[id] && up[id] {
			body = append(body, id)
		}
	}

	return body
}

// LoopStale returns the nodes whose outputs are invalidated when loop edge e
// is taken: the loop body plus every node downstream of the edge target
// except the end node, sorted by id.
func (g *Graph) LoopStale(e core.Edge) []string {
	down := g.forward(e.Target)

	var stale []string

	for _, id := range g.ids {
		if down[id] && id != g.endID {
			stale = append(stale, id)
		}
	}

	return stale
}

// EndPredecessors returns the ids of the nodes feeding the end node.
func (g *Graph) EndPredecessors() []string {
	var ids []string

	for _, e := range g.incoming[g.endID] {
		if e.Condition != core.ConditionLoop {
			ids = append(ids, e.Source)
		}
	}

	sort.Strings(ids)

	return slices.Compact(ids)
}

// VariableUsage maps every bound variable name to the star nodes binding it.
func (g *Graph) VariableUsage() map[string][]string {
	usage := map[string][]string{}

	for _, id := range g.ids {
		for name := range g.nodes[id].VariableBindings {
			usage[name] = append(usage[name], id)
		}
	}

	return usage
}

// AnnotateVariables returns a copy of vars with UsedBy filled from the
// node bindings of this graph.
func (g *Graph) AnnotateVariables(vars []core.TemplateVariable) []core.TemplateVariable {
	usage := g.VariableUsage()
	out := make([]core.TemplateVariable, len(vars))

	for i, v := range vars {
		v.UsedBy = append([]string(nil), usage[v.Name]...)
		out[i] = v
	}

	return out
}
