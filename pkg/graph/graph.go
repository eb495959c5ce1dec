package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/plateworks/conductor/pkg/types"
)

// NodeID is a stable index into a graph's node arena. Nodes refer to each
// other by id only; there is no cyclic object graph.
type NodeID int

// NodeKind tags the variant stored in a Node.
type NodeKind string

const (
	KindLabware     NodeKind = "labware"
	KindOperation   NodeKind = "operation"
	KindVariable    NodeKind = "variable"
	KindComputation NodeKind = "computation"
	KindBranch      NodeKind = "branch"
)

// BranchArm marks which side of a branch an edge belongs to.
type BranchArm int

const (
	ArmNone  BranchArm = iota // ordinary edge
	ArmTrue                   // taken when the predicate is true
	ArmFalse                  // taken when the predicate is false
)

// Labware is the entry point for one container.
type Labware struct {
	Name        string
	Start       types.Position
	Lidded      bool
	Barcode     string
	LabwareType string
}

// Movement carries the extra fields of a transfer operation.
type Movement struct {
	TargetKind   types.DeviceKind
	TargetDevice string // optional pin to a concrete device
	RemoveLid    bool
	ReplaceLid   bool
	LidPark      *types.Position
}

// Operation is a device operation.
type Operation struct {
	Fct              string
	DeviceKind       types.DeviceKind
	Device           string // optional pin to a concrete device
	ExpectedDuration time.Duration
	Containers       []string // labware names participating
	Params           map[string]string
	IsMovement       bool
	Movement         *Movement
	Produces         string // variable name, "" when the operation yields no value
}

// Variable is a symbolic operation output unknown until runtime.
type Variable struct {
	Name     string
	Producer NodeID // the operation node that yields the value
}

// Computation is a pure function of variables and constants.
type Computation struct {
	Name string
	Expr Expr
}

// Branch selects one of two successor subgraphs at runtime.
type Branch struct {
	Predicate Expr
}

// Node is one tagged-sum arena entry. Exactly one variant pointer is non-nil,
// matching Kind.
type Node struct {
	ID          NodeID
	Kind        NodeKind
	Labware     *Labware
	Operation   *Operation
	Variable    *Variable
	Computation *Computation
	Branch      *Branch
}

// Edge orders two nodes. Wait constraints bound the idle time of Container
// between the endpoints; WaitCost prices each idle second in the scheduling
// objective.
type Edge struct {
	From      NodeID
	To        NodeID
	Container string
	MinWait   time.Duration
	MaxWait   *time.Duration // nil = unbounded
	WaitCost  float64
	Arm       BranchArm
}

// Graph is one process's immutable DAG. Build with a Builder, then Validate.
type Graph struct {
	Nodes []Node
	Edges []Edge

	succ map[NodeID][]int // edge indexes by From
	pred map[NodeID][]int // edge indexes by To
}

// Builder accumulates nodes and edges for one graph.
type Builder struct {
	g Graph
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) add(n Node) NodeID {
	n.ID = NodeID(len(b.g.Nodes))
	b.g.Nodes = append(b.g.Nodes, n)
	return n.ID
}

func (b *Builder) AddLabware(l Labware) NodeID {
	return b.add(Node{Kind: KindLabware, Labware: &l})
}

func (b *Builder) AddOperation(op Operation) NodeID {
	return b.add(Node{Kind: KindOperation, Operation: &op})
}

func (b *Builder) AddVariable(v Variable) NodeID {
	return b.add(Node{Kind: KindVariable, Variable: &v})
}

func (b *Builder) AddComputation(c Computation) NodeID {
	return b.add(Node{Kind: KindComputation, Computation: &c})
}

func (b *Builder) AddBranch(br Branch) NodeID {
	return b.add(Node{Kind: KindBranch, Branch: &br})
}

func (b *Builder) AddEdge(e Edge) {
	b.g.Edges = append(b.g.Edges, e)
}

// Build validates the accumulated graph and returns it.
func (b *Builder) Build() (*Graph, error) {
	g := b.g
	g.index()
	if err := g.validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Graph) index() {
	g.succ = make(map[NodeID][]int)
	g.pred = make(map[NodeID][]int)
	for i, e := range g.Edges {
		g.succ[e.From] = append(g.succ[e.From], i)
		g.pred[e.To] = append(g.pred[e.To], i)
	}
}

func (g *Graph) validate() error {
	for i, e := range g.Edges {
		if !g.valid(e.From) || !g.valid(e.To) {
			return fmt.Errorf("edge %d references unknown node", i)
		}
		if e.MaxWait != nil && *e.MaxWait < e.MinWait {
			return fmt.Errorf("edge %d: max_wait below min_wait", i)
		}
		if e.Arm != ArmNone && g.Nodes[e.From].Kind != KindBranch {
			return fmt.Errorf("edge %d: branch arm on non-branch source", i)
		}
	}

	if _, err := g.Topo(); err != nil {
		return err
	}

	// Every operation must be reachable from at least one labware node.
	reached := make(map[NodeID]bool)
	var walk func(id NodeID)
	walk = func(id NodeID) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, ei := range g.succ[id] {
			walk(g.Edges[ei].To)
		}
	}
	for _, n := range g.Nodes {
		if n.Kind == KindLabware {
			walk(n.ID)
		}
	}
	for _, n := range g.Nodes {
		if n.Kind == KindOperation && !reached[n.ID] {
			return fmt.Errorf("operation %q (node %d) unreachable from any labware", n.Operation.Fct, n.ID)
		}
	}

	// Every variable has exactly one producing operation.
	for _, n := range g.Nodes {
		if n.Kind != KindVariable {
			continue
		}
		v := n.Variable
		if !g.valid(v.Producer) || g.Nodes[v.Producer].Kind != KindOperation {
			return fmt.Errorf("variable %q: producer is not an operation", v.Name)
		}
		for _, other := range g.Nodes {
			if other.Kind == KindVariable && other.ID != n.ID && other.Variable.Name == v.Name {
				return fmt.Errorf("variable %q declared twice", v.Name)
			}
		}
	}

	// Branches carry exactly one true and one false arm.
	for _, n := range g.Nodes {
		if n.Kind != KindBranch {
			continue
		}
		var hasTrue, hasFalse bool
		for _, ei := range g.succ[n.ID] {
			switch g.Edges[ei].Arm {
			case ArmTrue:
				hasTrue = true
			case ArmFalse:
				hasFalse = true
			}
		}
		if !hasTrue || !hasFalse {
			return fmt.Errorf("branch node %d: missing true or false arm", n.ID)
		}
	}
	return nil
}

func (g *Graph) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.Nodes)
}

// Node returns the arena entry for id.
func (g *Graph) Node(id NodeID) *Node { return &g.Nodes[id] }

// Successors returns the outgoing edges of id.
func (g *Graph) Successors(id NodeID) []Edge {
	out := make([]Edge, 0, len(g.succ[id]))
	for _, ei := range g.succ[id] {
		out = append(out, g.Edges[ei])
	}
	return out
}

// Predecessors returns the incoming edges of id.
func (g *Graph) Predecessors(id NodeID) []Edge {
	out := make([]Edge, 0, len(g.pred[id]))
	for _, ei := range g.pred[id] {
		out = append(out, g.Edges[ei])
	}
	return out
}

// Topo returns all node ids in a deterministic topological order, or an error
// when the graph has a cycle.
func (g *Graph) Topo() ([]NodeID, error) {
	indeg := make(map[NodeID]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		indeg[e.To]++
	}

	var frontier []NodeID
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]NodeID, 0, len(g.Nodes))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, ei := range g.succ[id] {
			to := g.Edges[ei].To
			indeg[to]--
			if indeg[to] == 0 {
				frontier = append(frontier, to)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph has a cycle")
	}
	return order, nil
}

// ArmNodes returns every node reachable through the given arm of a branch and
// not reachable any other way. These are the nodes pruned when the predicate
// resolves to the opposite arm.
func (g *Graph) ArmNodes(branch NodeID, arm BranchArm) []NodeID {
	inArm := make(map[NodeID]bool)
	var walk func(id NodeID)
	walk = func(id NodeID) {
		if inArm[id] {
			return
		}
		inArm[id] = true
		for _, ei := range g.succ[id] {
			walk(g.Edges[ei].To)
		}
	}
	for _, ei := range g.succ[branch] {
		if g.Edges[ei].Arm == arm {
			walk(g.Edges[ei].To)
		}
	}

	// Nodes also reachable without crossing the chosen arm are shared joins
	// downstream of the branch and must survive pruning.
	outside := make(map[NodeID]bool)
	var walkOutside func(id NodeID)
	walkOutside = func(id NodeID) {
		if outside[id] {
			return
		}
		outside[id] = true
		for _, ei := range g.succ[id] {
			e := g.Edges[ei]
			if e.From == branch && e.Arm == arm {
				continue
			}
			walkOutside(e.To)
		}
	}
	for _, n := range g.Nodes {
		if n.ID != branch && len(g.pred[n.ID]) == 0 {
			walkOutside(n.ID)
		}
	}
	walkOutside(branch)

	var out []NodeID
	for id := range inArm {
		if !outside[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AnnotateDurations stamps each operation node with an estimated duration. The
// estimate function returns false to keep the declared expected duration.
func (g *Graph) AnnotateDurations(estimate func(op *Operation) (time.Duration, bool)) {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Kind != KindOperation {
			continue
		}
		if d, ok := estimate(n.Operation); ok {
			n.Operation.ExpectedDuration = d
		}
	}
}

// fingerprintNode is the id-free shape of a node used for structural hashing.
type fingerprintNode struct {
	Kind      NodeKind
	Labware   *Labware
	Operation *Operation
	VarName   string
	CompName  string
	Expr      string
	Edges     []fingerprintEdge
}

type fingerprintEdge struct {
	To        int
	Container string
	MinWait   time.Duration
	MaxWait   *time.Duration
	WaitCost  float64
	Arm       BranchArm
}

// Fingerprint hashes the graph's structure independent of node-id assignment:
// two graphs built from identical sources hash equal even when their arenas
// number nodes differently.
func (g *Graph) Fingerprint() (uint64, error) {
	order, err := g.Topo()
	if err != nil {
		return 0, err
	}
	rank := make(map[NodeID]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	shape := make([]fingerprintNode, len(order))
	for i, id := range order {
		n := g.Nodes[id]
		fn := fingerprintNode{Kind: n.Kind}
		switch n.Kind {
		case KindLabware:
			fn.Labware = n.Labware
		case KindOperation:
			fn.Operation = n.Operation
		case KindVariable:
			fn.VarName = n.Variable.Name
		case KindComputation:
			fn.CompName = n.Computation.Name
			fn.Expr = n.Computation.Expr.String()
		case KindBranch:
			fn.Expr = n.Branch.Predicate.String()
		}
		for _, e := range g.Successors(id) {
			fn.Edges = append(fn.Edges, fingerprintEdge{
				To:        rank[e.To],
				Container: e.Container,
				MinWait:   e.MinWait,
				MaxWait:   e.MaxWait,
				WaitCost:  e.WaitCost,
				Arm:       e.Arm,
			})
		}
		sort.Slice(fn.Edges, func(a, b int) bool { return fn.Edges[a].To < fn.Edges[b].To })
		shape[i] = fn
	}
	return hashstructure.Hash(shape, hashstructure.FormatV2, nil)
}
