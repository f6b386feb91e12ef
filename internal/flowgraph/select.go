package flowgraph

import "strings"

// NodesToExecute returns, in topological order, the nodes that lie on a path
// from a node of a from step to a node of a to step. Empty bounds default to
// the entry and exit nodes. Skip entries name a step or a single node.
func (g *Graph) NodesToExecute(from, to, skip []string) ([]Node, error) {
	starts, err := g.boundNodes("from", from, g.EntryNodes())
	if err != nil {
		return nil, err
	}
	ends, err := g.boundNodes("to", to, g.ExitNodes())
	if err != nil {
		return nil, err
	}
	skipped, err := g.skipSet(skip)
	if err != nil {
		return nil, err
	}

	forward := g.reach(starts, g.succ)
	backward := g.reach(ends, g.pred)

	var out []Node
	for _, n := range g.topo {
		if forward[n] && backward[n] && !skipped[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *Graph) boundNodes(name string, steps []string, fallback []Node) ([]Node, error) {
	if len(steps) == 0 {
		return fallback, nil
	}
	var out []Node
	for _, step := range steps {
		nodes := g.NodesInStep(step)
		if len(nodes) == 0 {
			return nil, g.errorf(ErrUnknownBounds, "%s step %q is not in the flow", name, step)
		}
		out = append(out, nodes...)
	}
	return out, nil
}

func (g *Graph) skipSet(skip []string) (map[Node]bool, error) {
	out := map[Node]bool{}
	for _, s := range skip {
		matched := false
		for _, n := range g.topo {
			if n.Step == s || n.String() == s {
				out[n] = true
				matched = true
			}
		}
		if !matched {
			return nil, g.errorf(ErrUnknownBounds, "skip %q matches no step or node", s)
		}
	}
	return out, nil
}

func (g *Graph) reach(from []Node, edges map[Node][]Node) map[Node]bool {
	seen := make(map[Node]bool, len(g.topo))
	queue := append([]Node(nil), from...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, edges[n]...)
	}
	return seen
}

// ValidateRemoteSubset checks that a node selection can be split into local
// entry work and remote work: it must start with exactly the flow's entry
// nodes and hold at least one more node.
func (g *Graph) ValidateRemoteSubset(nodes []Node) error {
	entries := g.EntryNodes()
	if len(nodes) <= 1 {
		return g.errorf(ErrRemoteSubset, "%d node(s) selected, nothing to delegate", len(nodes))
	}
	if len(nodes) <= len(entries) {
		return g.errorf(ErrRemoteSubset, "selection holds only entry nodes")
	}
	want := make(map[Node]bool, len(entries))
	for _, n := range entries {
		want[n] = true
	}
	for _, n := range nodes[:len(entries)] {
		if !want[n] {
			return g.errorf(ErrRemoteSubset, "selection must start with the entry nodes %s, found %s", joinNodes(entries), n)
		}
		delete(want, n)
	}
	if len(want) > 0 {
		return g.errorf(ErrRemoteSubset, "selection must start with the entry nodes %s", joinNodes(entries))
	}
	return nil
}

func joinNodes(nodes []Node) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.String()
	}
	return strings.Join(names, ", ")
}
