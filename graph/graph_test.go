package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/testutil"
)

var kinds = testutil.KindLookup(map[string]core.StarKind{
	"worker": core.StarKindWorker,
	"eval":   core.StarKindEval,
	"plan":   core.StarKindPlanning,
})

func TestBuildLinear(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("a", "worker").Star("b", "worker").
		Chain("start", "a", "b", "end").
		Build()

	g, err := Build(c, kinds)
	require.NoError(t, err)

	assert.Equal(t, "start", g.StartID())
	assert.Equal(t, "end", g.EndID())
	assert.Equal(t, []string{"start", "a", "b", "end"}, g.TopologicalOrder())
	assert.Equal(t, []string{"b"}, g.EndPredecessors())

	kind, ok := g.StarKind("a")
	require.True(t, ok)
	assert.Equal(t, core.StarKindWorker, kind)
	assert.False(t, g.IsEval("a"))
}

func TestBuildFanIn(t *testing.T) {
	g, err := Build(testutil.FanIn("c", "worker", "n3", "n1", "n2"), kinds)
	require.NoError(t, err)

	assert.Equal(t, []string{"n1", "n2", "n3"}, g.EndPredecessors())
	assert.Len(t, g.Incoming("end"), 3)
	assert.Len(t, g.Outgoing("start"), 3)
}

func TestBuildLoop(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("plan", "plan").Star("work", "worker").Star("check", "eval").
		Chain("start", "plan", "work", "check").
		Cond("check", "work", core.ConditionLoop).
		Cond("check", "end", core.ConditionContinue).
		Build()

	g, err := Build(c, kinds)
	require.NoError(t, err)

	assert.True(t, g.IsEval("check"))

	loops := g.LoopEdges("check")
	require.Len(t, loops, 1)
	assert.Equal(t, "work", loops[0].Target)
	assert.Equal(t, []string{"check", "work"}, g.LoopBody(loops[0]))
	assert.Equal(t, []string{"check"}, g.EndPredecessors())
}

func TestLoopBodyIncludesParallelBranches(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("a", "worker").Star("b1", "worker").Star("b2", "worker").Star("side", "worker").Star("ev", "eval").
		Chain("start", "a", "b1", "ev").
		Chain("a", "b2", "ev").
		Chain("start", "side", "end").
		Cond("ev", "a", core.ConditionLoop).
		Cond("ev", "end", core.ConditionContinue).
		Build()

	g, err := Build(c, kinds)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b1", "b2", "ev"}, g.LoopBody(g.LoopEdges("ev")[0]))
}

func TestLoopStaleIncludesSideBranches(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("t", "worker").Star("b", "worker").Star("ev", "eval").Star("other", "worker").
		Chain("start", "t", "ev").
		Chain("t", "b", "end").
		Chain("start", "other", "end").
		Cond("ev", "t", core.ConditionLoop).
		Cond("ev", "end", core.ConditionContinue).
		Build()

	g, err := Build(c, kinds)
	require.NoError(t, err)

	e := g.LoopEdges("ev")[0]
	assert.Equal(t, []string{"ev", "t"}, g.LoopBody(e))
	assert.Equal(t, []string{"b", "ev", "t"}, g.LoopStale(e))
}

func TestBuildErrors(t *testing.T) {
	tests := map[string]struct {
		c    *core.Constellation
		want string
	}{
		"no end": {
			c: &core.Constellation{Nodes: []core.Node{{ID: "s", Kind: core.NodeKindStart}}},
			want: "exactly one end node",
		},
		"two starts": {
			c: testutil.NewConstellationBuilder("c").
				Node(core.Node{ID: "s2", Kind: core.NodeKindStart}).
				Chain("start", "end").Chain("s2", "end").Build(),
			want: "exactly one start node",
		},
		"duplicate node": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Star("a", "worker").Chain("start", "a", "end").Build(),
			want: `duplicate node id "a"`,
		},
		"dangling edge": {
			c:    testutil.NewConstellationBuilder("c").Chain("start", "ghost", "end").Chain("start", "end").Build(),
			want: "references unknown node",
		},
		"unknown star": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "nope").Chain("start", "a", "end").Build(),
			want: `unknown star "nope"`,
		},
		"missing star id": {
			c:    testutil.NewConstellationBuilder("c").Node(core.Node{ID: "a", Kind: core.NodeKindStar}).Chain("start", "a", "end").Build(),
			want: "has no star_id",
		},
		"orphan": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Chain("a", "end").Chain("start", "end").Build(),
			want: `node "a" has no incoming edges`,
		},
		"end unreachable": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Chain("start", "a").Build(),
			want: "has no incoming edges",
		},
		"dead end": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Star("b", "worker").Chain("start", "a", "end").Chain("a", "b").Build(),
			want: `node "b" cannot reach the end node`,
		},
		"condition on worker edge": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Chain("start", "a").Cond("a", "end", core.ConditionContinue).Build(),
			want: "does not leave an eval node",
		},
		"plain cycle": {
			c: testutil.NewConstellationBuilder("c").Star("a", "worker").Star("b", "worker").
				Chain("start", "a", "b", "end").Chain("b", "a").Build(),
			want: "cycle that is not a loop edge",
		},
		"forward loop edge": {
			c: testutil.NewConstellationBuilder("c").Star("ev", "eval").Star("after", "worker").
				Chain("start", "ev", "end").Cond("ev", "after", core.ConditionLoop).Chain("after", "end").Build(),
			want: "must point back",
		},
		"edge into start": {
			c:    testutil.NewConstellationBuilder("c").Star("a", "worker").Chain("start", "a", "end").Chain("a", "start").Build(),
			want: "enters the start node",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(tc.c, kinds)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidGraph)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildWithoutLookupSkipsKindChecks(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("a", "unknown").
		Chain("start", "a").
		Cond("a", "end", core.ConditionContinue).
		Build()

	g, err := Build(c, nil)
	require.NoError(t, err)

	_, ok := g.StarKind("a")
	assert.False(t, ok)
}

func TestAnnotateVariables(t *testing.T) {
	c := testutil.NewConstellationBuilder("c").
		Star("a", "worker").Star("b", "worker").
		Chain("start", "a", "b", "end").
		Bind("a", "topic", "$subject").Bind("b", "topic", "go").Bind("b", "tone", "formal").
		Build()

	g, err := Build(c, kinds)
	require.NoError(t, err)

	vars := g.AnnotateVariables([]core.TemplateVariable{{Name: "topic"}, {Name: "unused"}})
	assert.Equal(t, []string{"a", "b"}, vars[0].UsedBy)
	assert.Empty(t, vars[1].UsedBy)
}
