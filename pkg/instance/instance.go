// Package instance holds the live scheduling state: every submitted workflow
// graph, per-step execution state, resolved runtime variables and the device
// catalogue. It is owned by a single goroutine (the executor core loop); all
// capacity accounting happens here so the scheduler stays a pure function of
// a Snapshot.
package instance

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/types"
)

// StepKey uniquely identifies one operation of one process. The string form
// sorts lexicographically, which the scheduler relies on for its final
// tie-break.
type StepKey string

// MakeStepKey builds the key for a node of a process.
func MakeStepKey(processID string, node graph.NodeID) StepKey {
	return StepKey(fmt.Sprintf("%s/%04d", processID, node))
}

// Step is the snapshot view of one schedulable operation.
type Step struct {
	Key           StepKey
	ProcessID     string
	Node          graph.NodeID
	Fct           string
	DeviceKind    types.DeviceKind
	Device        string // non-empty pins the step to a concrete device
	Duration      time.Duration
	Containers    []string // container ids, resolved from labware names
	Labware       []string
	Priority      int
	State         types.StepState
	Provisional   bool // downstream of an unresolved branch
	EarliestStart time.Time
	LatestStart   time.Time // zero = unbounded
	WaitCostSum   float64
	Movement      *graph.Movement
	Produces      string
	Params        map[string]string
}

// Dep is an ordering constraint between two not-yet-completed steps.
type Dep struct {
	From     StepKey
	To       StepKey
	MinWait  time.Duration
	MaxWait  *time.Duration
	WaitCost float64
}

// Running describes an in-flight step for capacity accounting.
type Running struct {
	Key            StepKey
	Device         string
	Start          time.Time
	ExpectedFinish time.Time
	Containers     []string
}

// Snapshot is the immutable scheduler input.
type Snapshot struct {
	At      time.Time
	Devices []*types.Device
	Steps   []Step
	Deps    []Dep
	Running []Running
}

type liveProcess struct {
	id          string
	name        string
	priority    int
	g           *graph.Graph
	containers  map[string]string // labware name -> container id
	submittedAt time.Time

	state    map[graph.NodeID]types.StepState
	finish   map[graph.NodeID]time.Time
	running  map[graph.NodeID]Running
	vars     map[string]float64
	resolved map[graph.NodeID]graph.BranchArm
	pruned   map[graph.NodeID]bool
	failed   bool
}

// Instance aggregates all live processes. Not safe for concurrent use; the
// owning core loop serializes access.
type Instance struct {
	devices   map[string]*types.Device
	processes map[string]*liveProcess
}

func New() *Instance {
	return &Instance{
		devices:   make(map[string]*types.Device),
		processes: make(map[string]*liveProcess),
	}
}

// SetDevices replaces the device catalogue view.
func (in *Instance) SetDevices(devices []*types.Device) {
	in.devices = make(map[string]*types.Device, len(devices))
	for _, d := range devices {
		in.devices[d.Name] = d
	}
}

// Submit registers a new workflow. containers maps each labware name declared
// by the graph to its store container id.
func (in *Instance) Submit(processID, name string, priority int, g *graph.Graph, containers map[string]string) error {
	if _, dup := in.processes[processID]; dup {
		return fmt.Errorf("process %s already submitted", processID)
	}
	p := &liveProcess{
		id:          processID,
		name:        name,
		priority:    priority,
		g:           g,
		containers:  containers,
		submittedAt: time.Now(),
		state:       make(map[graph.NodeID]types.StepState),
		finish:      make(map[graph.NodeID]time.Time),
		running:     make(map[graph.NodeID]Running),
		vars:        make(map[string]float64),
		resolved:    make(map[graph.NodeID]graph.BranchArm),
		pruned:      make(map[graph.NodeID]bool),
	}
	for _, n := range g.Nodes {
		if n.Kind == graph.KindOperation {
			p.state[n.ID] = types.StepStatePending
		}
	}
	in.processes[processID] = p
	return nil
}

// Cancel drops every not-yet-started step of the process and returns the keys
// of its in-flight steps, which the caller must cancel cooperatively.
func (in *Instance) Cancel(processID string) ([]StepKey, error) {
	p, ok := in.processes[processID]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", processID, types.ErrUnknownProcess)
	}
	var inflight []StepKey
	for node, st := range p.state {
		switch st {
		case types.StepStateRunning:
			inflight = append(inflight, MakeStepKey(processID, node))
		case types.StepStatePending, types.StepStateReady, types.StepStateBlocked:
			p.state[node] = types.StepStateCancelled
		}
	}
	sort.Slice(inflight, func(i, j int) bool { return inflight[i] < inflight[j] })
	return inflight, nil
}

// Remove forgets a terminal process.
func (in *Instance) Remove(processID string) {
	delete(in.processes, processID)
}

// Processes lists live process ids in submission order.
func (in *Instance) Processes() []string {
	ids := lo.Keys(in.processes)
	sort.Slice(ids, func(i, j int) bool {
		return in.processes[ids[i]].submittedAt.Before(in.processes[ids[j]].submittedAt)
	})
	return ids
}

// nodeStatus classifies a predecessor node for readiness computation.
type nodeStatus int

const (
	nodeUnsatisfied nodeStatus = iota
	nodeSatisfied
	nodeProvisional // satisfied only if an unresolved branch goes this way
)

// predStatus reports whether the node's own completion condition holds,
// independent of its predecessors' edges.
func (p *liveProcess) predStatus(id graph.NodeID) nodeStatus {
	n := p.g.Node(id)
	switch n.Kind {
	case graph.KindLabware:
		return nodeSatisfied
	case graph.KindOperation:
		if p.state[id] == types.StepStateCompleted {
			return nodeSatisfied
		}
		return nodeUnsatisfied
	case graph.KindVariable:
		if _, ok := p.vars[n.Variable.Name]; ok {
			return nodeSatisfied
		}
		return nodeUnsatisfied
	case graph.KindComputation:
		if _, ok := p.vars[n.Computation.Name]; ok {
			return nodeSatisfied
		}
		return nodeUnsatisfied
	case graph.KindBranch:
		if _, ok := p.resolved[id]; ok {
			return nodeSatisfied
		}
		// Unresolved branches admit both arms provisionally, once the
		// branch's own predecessors are satisfied.
		st := nodeSatisfied
		for _, e := range p.g.Predecessors(id) {
			switch p.predStatus(e.From) {
			case nodeUnsatisfied:
				return nodeUnsatisfied
			case nodeProvisional:
				st = nodeProvisional
			}
		}
		if st == nodeSatisfied {
			return nodeProvisional
		}
		return st
	}
	return nodeUnsatisfied
}

// opStatus computes readiness of an operation from its incoming edges.
func (p *liveProcess) opStatus(id graph.NodeID) nodeStatus {
	st := nodeSatisfied
	for _, e := range p.g.Predecessors(id) {
		from := p.g.Node(e.From)
		if from.Kind == graph.KindBranch {
			if arm, ok := p.resolved[e.From]; ok {
				if e.Arm != graph.ArmNone && e.Arm != arm {
					// Dead arm; the node should already be pruned.
					return nodeUnsatisfied
				}
				continue
			}
			switch p.predStatus(e.From) {
			case nodeUnsatisfied:
				return nodeUnsatisfied
			default:
				st = nodeProvisional
			}
			continue
		}
		switch p.predStatus(e.From) {
		case nodeUnsatisfied:
			return nodeUnsatisfied
		case nodeProvisional:
			if st == nodeSatisfied {
				st = nodeProvisional
			}
		}
	}
	return st
}

// earliestStart is the committed-predecessor bound: finish + min_wait over all
// completed incoming operations (transitively through branch nodes).
func (p *liveProcess) earliestStart(id graph.NodeID) time.Time {
	var earliest time.Time
	for _, e := range p.g.Predecessors(id) {
		var predFinish time.Time
		from := p.g.Node(e.From)
		switch from.Kind {
		case graph.KindOperation:
			predFinish = p.finish[e.From]
		case graph.KindBranch:
			predFinish = p.earliestStart(e.From)
		}
		if predFinish.IsZero() {
			continue
		}
		if t := predFinish.Add(e.MinWait); t.After(earliest) {
			earliest = t
		}
	}
	return earliest
}

// latestStart is the committed-predecessor max_wait bound, zero if unbounded.
func (p *liveProcess) latestStart(id graph.NodeID) time.Time {
	var latest time.Time
	for _, e := range p.g.Predecessors(id) {
		if e.MaxWait == nil {
			continue
		}
		if p.g.Node(e.From).Kind != graph.KindOperation {
			continue
		}
		predFinish := p.finish[e.From]
		if predFinish.IsZero() {
			continue
		}
		if t := predFinish.Add(*e.MaxWait); latest.IsZero() || t.Before(latest) {
			latest = t
		}
	}
	return latest
}

// ReadySteps returns the dispatchable steps: all predecessors complete, not
// pruned, not provisional, and not already running or terminal.
func (in *Instance) ReadySteps() []Step {
	var out []Step
	for _, id := range in.Processes() {
		p := in.processes[id]
		if p.failed {
			continue
		}
		for _, n := range p.g.Nodes {
			if n.Kind != graph.KindOperation || p.pruned[n.ID] {
				continue
			}
			st := p.state[n.ID]
			if st != types.StepStatePending && st != types.StepStateReady && st != types.StepStateBlocked {
				continue
			}
			if p.opStatus(n.ID) != nodeSatisfied {
				continue
			}
			out = append(out, p.stepView(n.ID, false))
		}
	}
	return out
}

func (p *liveProcess) stepView(id graph.NodeID, provisional bool) Step {
	op := p.g.Node(id).Operation
	waitCost := 0.0
	for _, e := range p.g.Predecessors(id) {
		waitCost += e.WaitCost
	}
	containers := make([]string, 0, len(op.Containers))
	for _, name := range op.Containers {
		containers = append(containers, p.containers[name])
	}
	return Step{
		Key:           MakeStepKey(p.id, id),
		ProcessID:     p.id,
		Node:          id,
		Fct:           op.Fct,
		DeviceKind:    op.DeviceKind,
		Device:        op.Device,
		Duration:      op.ExpectedDuration,
		Containers:    containers,
		Labware:       op.Containers,
		Priority:      p.priority,
		State:         p.state[id],
		Provisional:   provisional,
		EarliestStart: p.earliestStart(id),
		LatestStart:   p.latestStart(id),
		WaitCostSum:   waitCost,
		Movement:      op.Movement,
		Produces:      op.Produces,
		Params:        op.Params,
	}
}

// MarkRunning transitions a step to running and records its in-flight window.
func (in *Instance) MarkRunning(key StepKey, device string, start, expectedFinish time.Time) error {
	p, node, err := in.resolve(key)
	if err != nil {
		return err
	}
	p.state[node] = types.StepStateRunning
	p.running[node] = Running{
		Key:            key,
		Device:         device,
		Start:          start,
		ExpectedFinish: expectedFinish,
		Containers:     p.stepView(node, false).Containers,
	}
	return nil
}

// MarkBlocked flags a dispatch-time precondition failure. The step returns to
// contention on the next replan.
func (in *Instance) MarkBlocked(key StepKey) error {
	p, node, err := in.resolve(key)
	if err != nil {
		return err
	}
	p.state[node] = types.StepStateBlocked
	delete(p.running, node)
	return nil
}

// MarkFailed records a terminal step failure; the owning process fails.
func (in *Instance) MarkFailed(key StepKey) error {
	p, node, err := in.resolve(key)
	if err != nil {
		return err
	}
	p.state[node] = types.StepStateFailed
	p.failed = true
	delete(p.running, node)
	return nil
}

// MarkCancelled records a cooperative cancel that was honoured in time.
func (in *Instance) MarkCancelled(key StepKey) error {
	p, node, err := in.resolve(key)
	if err != nil {
		return err
	}
	p.state[node] = types.StepStateCancelled
	delete(p.running, node)
	return nil
}

// OnComplete commits a step completion: records the finish time, feeds the
// produced value back, and collapses any branch whose predicate just became
// decidable. Returns the node ids pruned by branch resolution.
func (in *Instance) OnComplete(key StepKey, finish time.Time, value *float64) ([]graph.NodeID, error) {
	p, node, err := in.resolve(key)
	if err != nil {
		return nil, err
	}
	p.state[node] = types.StepStateCompleted
	p.finish[node] = finish
	delete(p.running, node)

	op := p.g.Node(node).Operation
	if op.Produces != "" && value != nil {
		p.vars[op.Produces] = *value
	}
	if err := p.resolveComputations(); err != nil {
		return nil, err
	}
	return p.resolveBranches()
}

// resolveComputations evaluates every computation whose inputs are now known
// and publishes the result under the computation's name, so downstream
// predicates and computations can reference it. Chains resolve in one pass.
func (p *liveProcess) resolveComputations() error {
	for changed := true; changed; {
		changed = false
		for _, n := range p.g.Nodes {
			if n.Kind != graph.KindComputation || p.pruned[n.ID] {
				continue
			}
			c := n.Computation
			if _, done := p.vars[c.Name]; done {
				continue
			}
			if !graph.Resolved(c.Expr, p.vars) {
				continue
			}
			v, err := c.Expr.Eval(p.vars)
			if err != nil {
				return fmt.Errorf("computation %q: %w", c.Name, err)
			}
			p.vars[c.Name] = v
			changed = true
		}
	}
	return nil
}

// resolveBranches evaluates every undecided branch whose predicate inputs are
// now known and prunes the losing arm.
func (p *liveProcess) resolveBranches() ([]graph.NodeID, error) {
	var prunedAll []graph.NodeID
	for _, n := range p.g.Nodes {
		if n.Kind != graph.KindBranch || p.pruned[n.ID] {
			continue
		}
		if _, done := p.resolved[n.ID]; done {
			continue
		}
		pred := n.Branch.Predicate
		if !graph.Resolved(pred, p.vars) {
			continue
		}
		v, err := pred.Eval(p.vars)
		if err != nil {
			return nil, fmt.Errorf("branch %d predicate: %w", n.ID, err)
		}
		chosen, losing := graph.ArmTrue, graph.ArmFalse
		if v == 0 {
			chosen, losing = graph.ArmFalse, graph.ArmTrue
		}
		p.resolved[n.ID] = chosen
		for _, id := range p.g.ArmNodes(n.ID, losing) {
			p.pruned[id] = true
			if p.g.Node(id).Kind == graph.KindOperation {
				p.state[id] = types.StepStateCancelled
			}
			prunedAll = append(prunedAll, id)
		}
	}
	return prunedAll, nil
}

// Vars returns the resolved variables of a process.
func (in *Instance) Vars(processID string) map[string]float64 {
	p, ok := in.processes[processID]
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(p.vars))
	for k, v := range p.vars {
		out[k] = v
	}
	return out
}

// Done reports whether every non-pruned operation of the process is terminal,
// and whether all of them completed successfully.
func (in *Instance) Done(processID string) (done, completed bool) {
	p, ok := in.processes[processID]
	if !ok {
		return false, false
	}
	completed = true
	for node, st := range p.state {
		if p.pruned[node] {
			continue
		}
		switch st {
		case types.StepStateCompleted:
		case types.StepStateFailed, types.StepStateCancelled:
			completed = false
		default:
			return false, false
		}
	}
	return true, completed
}

// StepStates returns the per-node states of a process for status reporting.
func (in *Instance) StepStates(processID string) map[StepKey]types.StepState {
	p, ok := in.processes[processID]
	if !ok {
		return nil
	}
	out := make(map[StepKey]types.StepState, len(p.state))
	for node, st := range p.state {
		out[MakeStepKey(processID, node)] = st
	}
	return out
}

// ContainerID resolves a labware name of a process to its store container id.
func (in *Instance) ContainerID(processID, labware string) (string, bool) {
	p, ok := in.processes[processID]
	if !ok {
		return "", false
	}
	id, ok := p.containers[labware]
	return id, ok
}

// Graph returns the workflow graph of a live process.
func (in *Instance) Graph(processID string) (*graph.Graph, bool) {
	p, ok := in.processes[processID]
	if !ok {
		return nil, false
	}
	return p.g, true
}

// Snapshot captures the full scheduler input at time now. Provisional steps
// (behind unresolved branches) are included so the plan reserves room for
// both arms; the executor never dispatches them.
func (in *Instance) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{At: now}

	names := lo.Keys(in.devices)
	sort.Strings(names)
	for _, name := range names {
		snap.Devices = append(snap.Devices, in.devices[name])
	}

	for _, id := range in.Processes() {
		p := in.processes[id]
		if p.failed {
			continue
		}
		remaining := make(map[graph.NodeID]bool)
		for _, n := range p.g.Nodes {
			if n.Kind != graph.KindOperation || p.pruned[n.ID] {
				continue
			}
			switch p.state[n.ID] {
			case types.StepStatePending, types.StepStateReady, types.StepStateBlocked:
				remaining[n.ID] = true
			case types.StepStateRunning:
				snap.Running = append(snap.Running, p.running[n.ID])
			}
		}
		for node := range remaining {
			provisional := p.opStatus(node) == nodeProvisional
			snap.Steps = append(snap.Steps, p.stepView(node, provisional))
		}
		snap.Deps = append(snap.Deps, p.remainingDeps(remaining)...)
	}

	sort.Slice(snap.Steps, func(i, j int) bool { return snap.Steps[i].Key < snap.Steps[j].Key })
	sort.Slice(snap.Deps, func(i, j int) bool {
		if snap.Deps[i].From != snap.Deps[j].From {
			return snap.Deps[i].From < snap.Deps[j].From
		}
		return snap.Deps[i].To < snap.Deps[j].To
	})
	sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].Key < snap.Running[j].Key })
	return snap
}

// remainingDeps projects graph edges onto the remaining operations, collapsing
// paths through non-operation nodes.
func (p *liveProcess) remainingDeps(remaining map[graph.NodeID]bool) []Dep {
	var deps []Dep
	for to := range remaining {
		for _, e := range p.g.Predecessors(to) {
			for _, src := range p.opSources(e.From) {
				if !remaining[src] && p.state[src] != types.StepStateRunning {
					continue
				}
				deps = append(deps, Dep{
					From:     MakeStepKey(p.id, src),
					To:       MakeStepKey(p.id, to),
					MinWait:  e.MinWait,
					MaxWait:  e.MaxWait,
					WaitCost: e.WaitCost,
				})
			}
		}
	}
	return deps
}

// opSources walks backwards through non-operation nodes to the operations an
// edge transitively depends on.
func (p *liveProcess) opSources(id graph.NodeID) []graph.NodeID {
	n := p.g.Node(id)
	switch n.Kind {
	case graph.KindOperation:
		return []graph.NodeID{id}
	case graph.KindLabware:
		return nil
	}
	var out []graph.NodeID
	for _, e := range p.g.Predecessors(id) {
		out = append(out, p.opSources(e.From)...)
	}
	return out
}

func (in *Instance) resolve(key StepKey) (*liveProcess, graph.NodeID, error) {
	var processID string
	var node int
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			processID = string(key[:i])
			if _, err := fmt.Sscanf(string(key[i+1:]), "%d", &node); err != nil {
				return nil, 0, fmt.Errorf("malformed step key %q", key)
			}
			p, ok := in.processes[processID]
			if !ok {
				return nil, 0, fmt.Errorf("process %s: %w", processID, types.ErrUnknownProcess)
			}
			return p, graph.NodeID(node), nil
		}
	}
	return nil, 0, fmt.Errorf("malformed step key %q", key)
}
