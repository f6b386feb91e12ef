package flowgraph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/chipflow/internal/schema"
)

func n(step string) Node { return Node{Step: step, Index: "0"} }

func chain(steps ...string) []NodeSpec {
	var specs []NodeSpec
	for i, s := range steps {
		spec := NodeSpec{Node: n(s), Tool: "nop"}
		if i > 0 {
			spec.Inputs = []Node{n(steps[i-1])}
		}
		specs = append(specs, spec)
	}
	return specs
}

func names(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, x := range nodes {
		out[i] = x.String()
	}
	return out
}

func TestNodeString(t *testing.T) {
	require.Equal(t, "floorplan0", Node{Step: "floorplan", Index: "0"}.String())
}

func TestChainOrder(t *testing.T) {
	g, err := New("asic", chain("import", "syn", "floorplan", "place"))
	require.NoError(t, err)
	require.Equal(t, []string{"import0", "syn0", "floorplan0", "place0"}, names(g.Nodes()))
	require.Equal(t, []string{"import0"}, names(g.EntryNodes()))
	require.Equal(t, []string{"place0"}, names(g.ExitNodes()))
	require.Equal(t, []string{"syn0"}, names(g.Successors(n("import"))))
	require.Equal(t, []string{"import0"}, names(g.Predecessors(n("syn"))))
	require.Equal(t, 2, g.Index(n("floorplan")))
}

func TestEntryNodesLeadTopologicalOrder(t *testing.T) {
	specs := []NodeSpec{
		{Node: n("a")},
		{Node: n("b"), Inputs: []Node{n("a")}},
		{Node: n("c")},
		{Node: n("d"), Inputs: []Node{n("b"), n("c")}},
	}
	g, err := New("f", specs)
	require.NoError(t, err)
	require.Equal(t, []string{"a0", "c0", "b0", "d0"}, names(g.Nodes()))
	require.Equal(t, []string{"a0", "c0"}, names(g.EntryNodes()))
}

func TestInvalidGraphs(t *testing.T) {
	cases := []struct {
		name  string
		specs []NodeSpec
		kind  error
	}{
		{"empty", nil, ErrInvalidGraph},
		{"duplicate", []NodeSpec{{Node: n("a")}, {Node: n("a")}}, ErrInvalidGraph},
		{"undeclared input", []NodeSpec{{Node: n("a"), Inputs: []Node{n("ghost")}}}, ErrInvalidGraph},
		{"self loop", []NodeSpec{{Node: n("a"), Inputs: []Node{n("a")}}}, ErrCycleFound},
		{"cycle", []NodeSpec{
			{Node: n("a")},
			{Node: n("b"), Inputs: []Node{n("a"), n("c")}},
			{Node: n("c"), Inputs: []Node{n("b")}},
		}, ErrCycleFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("f", tc.specs)
			var ge *GraphError
			require.True(t, errors.As(err, &ge), "got %v", err)
			require.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestCycleMessageNamesNodes(t *testing.T) {
	_, err := New("f", []NodeSpec{
		{Node: n("a"), Inputs: []Node{n("b")}},
		{Node: n("b"), Inputs: []Node{n("a")}},
	})
	require.ErrorContains(t, err, "a0")
	require.ErrorContains(t, err, "b0")
}

func TestFromSchema(t *testing.T) {
	s := schema.Default()
	require.NoError(t, s.Set("builtin", "flowgraph", "asic", "import", "0", "tool"))
	require.NoError(t, s.Set("yosys", "flowgraph", "asic", "syn", "0", "tool"))
	require.NoError(t, s.Set("syn_asic", "flowgraph", "asic", "syn", "0", "task"))
	require.NoError(t, s.Add([2]string{"import", "0"}, "flowgraph", "asic", "syn", "0", "input"))

	g, err := FromSchema(s, "asic")
	require.NoError(t, err)
	require.Equal(t, []string{"import0", "syn0"}, names(g.Nodes()))
	spec, ok := g.Spec(n("syn"))
	require.True(t, ok)
	require.Equal(t, "yosys", spec.Tool)
	require.Equal(t, "syn_asic", spec.Task)

	_, err = FromSchema(s, "missing")
	require.ErrorIs(t, err, ErrInvalidGraph)
}

func TestNodesToExecuteBounds(t *testing.T) {
	g, err := New("asic", chain("import", "syn", "floorplan", "place", "route"))
	require.NoError(t, err)

	all, err := g.NodesToExecute(nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)

	mid, err := g.NodesToExecute([]string{"syn"}, []string{"place"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"syn0", "floorplan0", "place0"}, names(mid))

	skipped, err := g.NodesToExecute(nil, nil, []string{"floorplan"})
	require.NoError(t, err)
	require.Equal(t, []string{"import0", "syn0", "place0", "route0"}, names(skipped))

	byNode, err := g.NodesToExecute(nil, []string{"syn"}, []string{"import0"})
	require.NoError(t, err)
	require.Equal(t, []string{"syn0"}, names(byNode))

	_, err = g.NodesToExecute([]string{"nosuch"}, nil, nil)
	require.ErrorIs(t, err, ErrUnknownBounds)
	_, err = g.NodesToExecute(nil, nil, []string{"nosuch"})
	require.ErrorIs(t, err, ErrUnknownBounds)
}

func TestNodesToExecuteParallelBranches(t *testing.T) {
	specs := []NodeSpec{
		{Node: n("import")},
		{Node: Node{"syn", "0"}, Inputs: []Node{n("import")}},
		{Node: Node{"syn", "1"}, Inputs: []Node{n("import")}},
		{Node: n("select"), Inputs: []Node{{"syn", "0"}, {"syn", "1"}}},
		{Node: n("lint"), Inputs: []Node{n("import")}},
	}
	g, err := New("f", specs)
	require.NoError(t, err)
	got, err := g.NodesToExecute([]string{"syn"}, []string{"select"}, []string{"syn1"})
	require.NoError(t, err)
	require.Equal(t, []string{"syn0", "select0"}, names(got))
}

// pathsBetween is the reference definition: a node executes iff some start
// reaches it and it reaches some end.
func pathsBetween(g *Graph, starts, ends []Node) map[Node]bool {
	reachable := func(a, b Node) bool {
		seen := map[Node]bool{}
		stack := []Node{a}
		for len(stack) > 0 {
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if x == b {
				return true
			}
			if seen[x] {
				continue
			}
			seen[x] = true
			stack = append(stack, g.Successors(x)...)
		}
		return false
	}
	out := map[Node]bool{}
	for _, x := range g.Nodes() {
		fromStart, toEnd := false, false
		for _, s := range starts {
			fromStart = fromStart || reachable(s, x)
		}
		for _, e := range ends {
			toEnd = toEnd || reachable(x, e)
		}
		if fromStart && toEnd {
			out[x] = true
		}
	}
	return out
}

func TestNodesToExecuteMatchesPathDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		size := 2 + rng.Intn(8)
		specs := make([]NodeSpec, size)
		for i := range specs {
			specs[i].Node = Node{Step: fmt.Sprintf("s%d", i), Index: "0"}
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					specs[i].Inputs = append(specs[i].Inputs, specs[j].Node)
				}
			}
		}
		g, err := New("rand", specs)
		require.NoError(t, err)

		order := g.Nodes()
		lo := rng.Intn(len(order))
		hi := lo + rng.Intn(len(order)-lo)
		from, to := order[lo], order[hi]
		var skip []string
		if rng.Intn(2) == 0 {
			skip = []string{order[rng.Intn(len(order))].Step}
		}

		got, err := g.NodesToExecute([]string{from.Step}, []string{to.Step}, skip)
		require.NoError(t, err)

		want := pathsBetween(g, []Node{from}, []Node{to})
		for _, s := range skip {
			delete(want, Node{Step: s, Index: "0"})
		}
		require.Len(t, got, len(want), "iter %d", iter)
		for i, x := range got {
			require.True(t, want[x], "iter %d: unexpected %s", iter, x)
			if i > 0 {
				require.Less(t, g.Index(got[i-1]), g.Index(x))
			}
		}
	}
}

func TestValidateRemoteSubset(t *testing.T) {
	g, err := New("asic", chain("import", "syn", "floorplan"))
	require.NoError(t, err)

	require.NoError(t, g.ValidateRemoteSubset([]Node{n("import"), n("syn"), n("floorplan")}))

	err = g.ValidateRemoteSubset([]Node{n("import")})
	require.ErrorIs(t, err, ErrRemoteSubset)

	err = g.ValidateRemoteSubset([]Node{n("syn"), n("floorplan")})
	require.ErrorIs(t, err, ErrRemoteSubset)

	multi, err := New("f", []NodeSpec{
		{Node: n("a")}, {Node: n("b")},
		{Node: n("c"), Inputs: []Node{n("a"), n("b")}},
	})
	require.NoError(t, err)
	require.NoError(t, multi.ValidateRemoteSubset([]Node{n("b"), n("a"), n("c")}))
	require.ErrorIs(t, multi.ValidateRemoteSubset([]Node{n("a"), n("c")}), ErrRemoteSubset)
	require.ErrorIs(t, multi.ValidateRemoteSubset([]Node{n("a"), n("b")}), ErrRemoteSubset)
}
