package testutil

import (
	"github.com/hupe1980/starmesh/core"
)

// ConstellationBuilder constructs constellations with fluent chaining.
// Start and end nodes named "start" and "end" are added automatically.
// Example:
//
//	c := NewConstellationBuilder("c1").Star("a", "worker").Chain("start", "a", "end").Build()
type ConstellationBuilder struct {
	c *core.Constellation
}

// NewConstellationBuilder creates a builder for a constellation with the given id.
func NewConstellationBuilder(id string) *ConstellationBuilder {
	return &ConstellationBuilder{c: &core.Constellation{
		ID:   id,
		Name: id,
		Nodes: []core.Node{
			{ID: "start", Kind: core.NodeKindStart},
			{ID: "end", Kind: core.NodeKindEnd},
		},
	}}
}

// Star adds a star node referencing starID (chainable).
func (b *ConstellationBuilder) Star(nodeID, starID string) *ConstellationBuilder {
	b.c.Nodes = append(b.c.Nodes, core.Node{ID: nodeID, Kind: core.NodeKindStar, StarID: starID})
	return b
}

// Node adds an arbitrary node (chainable).
func (b *ConstellationBuilder) Node(n core.Node) *ConstellationBuilder {
	b.c.Nodes = append(b.c.Nodes, n)
	return b
}

// Confirm marks nodeID as requiring confirmation with the given prompt (chainable).
func (b *ConstellationBuilder) Confirm(nodeID, prompt string) *ConstellationBuilder {
	if n, ok := b.c.Node(nodeID); ok {
		n.RequiresConfirmation = true
		n.ConfirmationPrompt = prompt
	}

	return b
}

// Bind adds a variable binding to nodeID (chainable).
func (b *ConstellationBuilder) Bind(nodeID, name, value string) *ConstellationBuilder {
	if n, ok := b.c.Node(nodeID); ok {
		if n.VariableBindings == nil {
			n.VariableBindings = map[string]string{}
		}

		n.VariableBindings[name] = value
	}

	return b
}

// Edge adds an unconditional edge (chainable).
func (b *ConstellationBuilder) Edge(source, target string) *ConstellationBuilder {
	return b.Cond(source, target, core.ConditionNone)
}

// Cond adds an edge with a condition (chainable).
func (b *ConstellationBuilder) Cond(source, target string, cond core.EdgeCondition) *ConstellationBuilder {
	b.c.Edges = append(b.c.Edges, core.Edge{Source: source, Target: target, Condition: cond})
	return b
}

// Chain connects the ids in order with unconditional edges (chainable).
func (b *ConstellationBuilder) Chain(ids ...string) *ConstellationBuilder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}

	return b
}

// MaxLoops sets the constellation loop cap (chainable).
func (b *ConstellationBuilder) MaxLoops(n int) *ConstellationBuilder {
	b.c.MaxLoopIterations = n
	return b
}

// Synthesis sets the synthesis star (chainable).
func (b *ConstellationBuilder) Synthesis(starID string) *ConstellationBuilder {
	b.c.SynthesisStarID = starID
	return b
}

// Build returns a deep copy of the constellation built so far.
func (b *ConstellationBuilder) Build() *core.Constellation {
	return b.c.Clone()
}

// FanIn returns a constellation with n independent star nodes n1..nN, all
// using starID, between start and end.
func FanIn(id, starID string, ids ...string) *core.Constellation {
	b := NewConstellationBuilder(id)
	for _, nid := range ids {
		b.Star(nid, starID).Chain("start", nid, "end")
	}

	return b.Build()
}

// KindLookup adapts a star id -> kind map to a lookup function.
func KindLookup(kinds map[string]core.StarKind) func(string) (core.StarKind, bool) {
	return func(id string) (core.StarKind, bool) {
		k, ok := kinds[id]
		return k, ok
	}
}
