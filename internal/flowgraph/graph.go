package flowgraph

import (
	"sort"

	"github.com/3cpo-dev/chipflow/internal/schema"
)

// Node identifies one schedulable unit of a flow.
type Node struct {
	Step  string
	Index string
}

// String returns the wire name of the node, e.g. "floorplan0".
func (n Node) String() string { return n.Step + n.Index }

// NodeSpec declares a node together with its bindings and predecessors.
type NodeSpec struct {
	Node
	Tool   string
	Task   string
	Inputs []Node
}

// Graph is the immutable topology of one flow.
type Graph struct {
	name  string
	specs map[Node]NodeSpec
	decl  map[Node]int
	succ  map[Node][]Node
	pred  map[Node][]Node
	topo  []Node
	pos   map[Node]int
}

// New validates the declared nodes and computes their topological order.
// Nodes that become ready together are ordered by declaration, so every
// entry node precedes every other node.
func New(name string, specs []NodeSpec) (*Graph, error) {
	g := &Graph{
		name:  name,
		specs: make(map[Node]NodeSpec, len(specs)),
		decl:  make(map[Node]int, len(specs)),
		succ:  map[Node][]Node{},
		pred:  map[Node][]Node{},
	}
	if len(specs) == 0 {
		return nil, g.errorf(ErrInvalidGraph, "no nodes declared")
	}
	for i, s := range specs {
		if s.Step == "" || s.Index == "" {
			return nil, g.errorf(ErrInvalidGraph, "node %d has an empty step or index", i)
		}
		if _, dup := g.specs[s.Node]; dup {
			return nil, g.errorf(ErrInvalidGraph, "duplicate node %s", s.Node)
		}
		g.specs[s.Node] = s
		g.decl[s.Node] = i
	}
	for _, s := range specs {
		seen := map[Node]bool{}
		for _, in := range s.Inputs {
			if in == s.Node {
				return nil, cycleError(name, []Node{s.Node, s.Node})
			}
			if _, ok := g.specs[in]; !ok {
				return nil, g.errorf(ErrInvalidGraph, "%s depends on undeclared node %s", s.Node, in)
			}
			if seen[in] {
				continue
			}
			seen[in] = true
			g.pred[s.Node] = append(g.pred[s.Node], in)
			g.succ[in] = append(g.succ[in], s.Node)
		}
	}
	if err := g.sort(specs); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) sort(specs []NodeSpec) error {
	indeg := make(map[Node]int, len(specs))
	var wave []Node
	for _, s := range specs {
		indeg[s.Node] = len(g.pred[s.Node])
		if indeg[s.Node] == 0 {
			wave = append(wave, s.Node)
		}
	}
	g.topo = make([]Node, 0, len(specs))
	for len(wave) > 0 {
		g.topo = append(g.topo, wave...)
		var next []Node
		for _, n := range wave {
			for _, s := range g.succ[n] {
				indeg[s]--
				if indeg[s] == 0 {
					next = append(next, s)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.decl[next[i]] < g.decl[next[j]] })
		wave = next
	}
	if len(g.topo) != len(specs) {
		return cycleError(g.name, g.findCycle(specs, indeg))
	}
	g.pos = make(map[Node]int, len(g.topo))
	for i, n := range g.topo {
		g.pos[n] = i
	}
	return nil
}

// findCycle returns one cycle among the nodes Kahn could not order.
func (g *Graph) findCycle(specs []NodeSpec, indeg map[Node]int) []Node {
	const (
		white = iota
		grey
		black
	)
	color := map[Node]int{}
	var stack []Node
	var found []Node
	var visit func(n Node) bool
	visit = func(n Node) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, s := range g.succ[n] {
			if indeg[s] == 0 {
				continue
			}
			switch color[s] {
			case grey:
				for i := range stack {
					if stack[i] == s {
						found = append(append([]Node(nil), stack[i:]...), s)
						return true
					}
				}
			case white:
				if visit(s) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, s := range specs {
		if indeg[s.Node] > 0 && color[s.Node] == white && visit(s.Node) {
			return found
		}
	}
	return nil
}

// FromSchema builds the graph declared under flowgraph,<flow>.
func FromSchema(s *schema.Schema, flow string) (*Graph, error) {
	if flow == "" {
		return nil, &GraphError{Kind: ErrInvalidGraph, Msg: "no flow selected"}
	}
	var order []Node
	seen := map[Node]bool{}
	for _, keys := range s.GetKeys("flowgraph", flow) {
		n := Node{Step: keys[2], Index: keys[3]}
		if !seen[n] {
			seen[n] = true
			order = append(order, n)
		}
	}
	specs := make([]NodeSpec, 0, len(order))
	for _, n := range order {
		spec := NodeSpec{
			Node: n,
			Tool: s.GetString("flowgraph", flow, n.Step, n.Index, "tool"),
			Task: s.GetString("flowgraph", flow, n.Step, n.Index, "task"),
		}
		for _, in := range s.GetPairs("flowgraph", flow, n.Step, n.Index, "input") {
			spec.Inputs = append(spec.Inputs, Node{Step: in[0], Index: in[1]})
		}
		specs = append(specs, spec)
	}
	return New(flow, specs)
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Len() int { return len(g.topo) }

// Nodes returns every node in topological order.
func (g *Graph) Nodes() []Node { return append([]Node(nil), g.topo...) }

func (g *Graph) Has(n Node) bool {
	_, ok := g.specs[n]
	return ok
}

func (g *Graph) Spec(n Node) (NodeSpec, bool) {
	s, ok := g.specs[n]
	return s, ok
}

// Index returns the topological index of n, or -1.
func (g *Graph) Index(n Node) int {
	if i, ok := g.pos[n]; ok {
		return i
	}
	return -1
}

// EntryNodes returns the nodes without predecessors.
func (g *Graph) EntryNodes() []Node {
	var out []Node
	for _, n := range g.topo {
		if len(g.pred[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// ExitNodes returns the nodes without successors.
func (g *Graph) ExitNodes() []Node {
	var out []Node
	for _, n := range g.topo {
		if len(g.succ[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) Successors(n Node) []Node { return append([]Node(nil), g.succ[n]...) }

func (g *Graph) Predecessors(n Node) []Node { return append([]Node(nil), g.pred[n]...) }

// NodesInStep returns the nodes of one step in topological order.
func (g *Graph) NodesInStep(step string) []Node {
	var out []Node
	for _, n := range g.topo {
		if n.Step == step {
			out = append(out, n)
		}
	}
	return out
}
