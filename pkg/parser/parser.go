package parser

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/types"
)

// maxRepeat bounds loop unrolling so a typo cannot explode the arena.
const maxRepeat = 1000

// defaultDuration is used when a step declares none.
const defaultDuration = 10 * time.Second

// kindByFct maps well-known operation names to their device kind. Steps with
// other names must declare device_kind explicitly.
var kindByFct = map[string]types.DeviceKind{
	"move":              types.DeviceKindMover,
	"incubate":          types.DeviceKindIncubator,
	"read_absorbance":   types.DeviceKindPlateReader,
	"read_fluorescence": types.DeviceKindPlateReader,
	"read_luminescence": types.DeviceKindPlateReader,
	"dispense":          types.DeviceKindLiquidHandler,
	"transfer_liquid":   types.DeviceKindLiquidHandler,
	"wash":              types.DeviceKindLiquidHandler,
	"spin":              types.DeviceKindCentrifuge,
	"store":             types.DeviceKindStorage,
}

// Process is a parsed process description plus its workflow graph.
type Process struct {
	Name     string
	Priority int
	Graph    *graph.Graph
}

type rawProcess struct {
	Name     string                `yaml:"name"`
	Priority int                   `yaml:"priority"`
	Labware  map[string]rawLabware `yaml:"labware"`
	Steps    []rawStep             `yaml:"steps"`
}

type rawLabware struct {
	Position string `yaml:"position"`
	Lidded   bool   `yaml:"lidded"`
	Barcode  string `yaml:"barcode"`
	Type     string `yaml:"type"`
}

type rawStep struct {
	Fct        string            `yaml:"fct"`
	DeviceKind string            `yaml:"device_kind"`
	Device     string            `yaml:"device"`
	Container  string            `yaml:"container"`
	Containers []string          `yaml:"containers"`
	Duration   string            `yaml:"duration"`
	Produces   string            `yaml:"produces"`
	Params     map[string]string `yaml:"params"`
	MinWait    string            `yaml:"min_wait"`
	MaxWait    string            `yaml:"max_wait"`
	WaitCost   float64           `yaml:"wait_cost"`

	// Movement fields, fct "move" only.
	To         string `yaml:"to"`
	RemoveLid  bool   `yaml:"remove_lid"`
	ReplaceLid bool   `yaml:"replace_lid"`
	LidPark    string `yaml:"lid_park"`

	// Control flow.
	If     string    `yaml:"if"`
	Then   []rawStep `yaml:"then"`
	Else   []rawStep `yaml:"else"`
	Repeat int       `yaml:"repeat"`
	Steps  []rawStep `yaml:"steps"`
}

// ParsePosition parses the "device[slot]" notation used in process sources.
func ParsePosition(s string) (types.Position, error) {
	open := strings.IndexByte(s, '[')
	if open <= 0 || !strings.HasSuffix(s, "]") {
		return types.Position{}, fmt.Errorf("invalid position %q, want device[slot]", s)
	}
	slot, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil {
		return types.Position{}, fmt.Errorf("invalid slot in position %q", s)
	}
	return types.Position{Device: s[:open], Slot: slot}, nil
}

// Parse builds a workflow graph from a YAML process source. Unknown fields
// anywhere in the document are errors.
func Parse(source []byte) (*Process, error) {
	dec := yaml.NewDecoder(bytes.NewReader(source))
	dec.KnownFields(true)

	var raw rawProcess
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse process source: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("process source missing name")
	}
	if len(raw.Labware) == 0 {
		return nil, fmt.Errorf("process %q declares no labware", raw.Name)
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("process %q declares no steps", raw.Name)
	}

	ps := &parseState{
		builder:   graph.NewBuilder(),
		pending:   make(map[string][]pendingEdge),
		variables: make(map[string]varInfo),
	}

	// Deterministic labware order keeps node ids stable across parses.
	names := make([]string, 0, len(raw.Labware))
	for name := range raw.Labware {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lw := raw.Labware[name]
		pos, err := ParsePosition(lw.Position)
		if err != nil {
			return nil, fmt.Errorf("labware %q: %w", name, err)
		}
		id := ps.builder.AddLabware(graph.Labware{
			Name:        name,
			Start:       pos,
			Lidded:      lw.Lidded,
			Barcode:     lw.Barcode,
			LabwareType: lw.Type,
		})
		ps.pending[name] = []pendingEdge{{from: id}}
	}

	if err := ps.parseSteps(raw.Steps); err != nil {
		return nil, fmt.Errorf("process %q: %w", raw.Name, err)
	}

	g, err := ps.builder.Build()
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", raw.Name, err)
	}
	return &Process{Name: raw.Name, Priority: raw.Priority, Graph: g}, nil
}

// pendingEdge is a dangling predecessor waiting for the container's next step.
// Branch joins leave one pending edge per surviving arm tail.
type pendingEdge struct {
	from graph.NodeID
	arm  graph.BranchArm
}

type varInfo struct {
	node     graph.NodeID // the variable node
	producer graph.NodeID // the producing operation
}

type parseState struct {
	builder   *graph.Builder
	pending   map[string][]pendingEdge
	variables map[string]varInfo
}

func (ps *parseState) parseSteps(steps []rawStep) error {
	for i, s := range steps {
		var err error
		switch {
		case s.If != "":
			err = ps.parseBranch(s)
		case s.Repeat != 0:
			err = ps.parseRepeat(s)
		case s.Fct != "":
			err = ps.parseOperation(s)
		default:
			err = fmt.Errorf("step needs fct, if or repeat")
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (ps *parseState) parseOperation(s rawStep) error {
	containers := s.Containers
	if s.Container != "" {
		containers = append(containers, s.Container)
	}
	if len(containers) == 0 {
		return fmt.Errorf("operation %q names no containers", s.Fct)
	}
	for _, c := range containers {
		if _, ok := ps.pending[c]; !ok {
			return fmt.Errorf("operation %q references undeclared labware %q", s.Fct, c)
		}
	}

	kind, err := resolveKind(s)
	if err != nil {
		return err
	}

	dur := defaultDuration
	if s.Duration != "" {
		dur, err = time.ParseDuration(s.Duration)
		if err != nil {
			return fmt.Errorf("operation %q: invalid duration %q", s.Fct, s.Duration)
		}
	}

	op := graph.Operation{
		Fct:              s.Fct,
		DeviceKind:       kind,
		Device:           s.Device,
		ExpectedDuration: dur,
		Containers:       containers,
		Params:           s.Params,
		Produces:         s.Produces,
	}
	if s.Fct == "move" {
		if len(containers) != 1 {
			return fmt.Errorf("move takes exactly one container")
		}
		mv, err := parseMovement(s)
		if err != nil {
			return err
		}
		op.IsMovement = true
		op.Movement = mv
	} else if s.To != "" || s.RemoveLid || s.ReplaceLid || s.LidPark != "" {
		return fmt.Errorf("operation %q: movement fields only valid on move", s.Fct)
	}

	minWait, maxWait, err := parseWaits(s)
	if err != nil {
		return fmt.Errorf("operation %q: %w", s.Fct, err)
	}

	id := ps.builder.AddOperation(op)
	for _, c := range containers {
		for _, p := range ps.pending[c] {
			ps.builder.AddEdge(graph.Edge{
				From:      p.from,
				To:        id,
				Container: c,
				MinWait:   minWait,
				MaxWait:   maxWait,
				WaitCost:  s.WaitCost,
				Arm:       p.arm,
			})
		}
		ps.pending[c] = []pendingEdge{{from: id}}
	}

	if s.Produces != "" {
		if _, dup := ps.variables[s.Produces]; dup {
			return fmt.Errorf("variable %q produced twice", s.Produces)
		}
		vid := ps.builder.AddVariable(graph.Variable{Name: s.Produces, Producer: id})
		ps.builder.AddEdge(graph.Edge{From: id, To: vid})
		ps.variables[s.Produces] = varInfo{node: vid, producer: id}
	}
	return nil
}

func resolveKind(s rawStep) (types.DeviceKind, error) {
	if s.DeviceKind != "" {
		k := types.DeviceKind(s.DeviceKind)
		for _, known := range types.KnownDeviceKinds {
			if k == known {
				return k, nil
			}
		}
		return "", fmt.Errorf("operation %q: unknown device kind %q", s.Fct, s.DeviceKind)
	}
	if k, ok := kindByFct[s.Fct]; ok {
		return k, nil
	}
	return "", fmt.Errorf("operation %q: device_kind required", s.Fct)
}

func parseMovement(s rawStep) (*graph.Movement, error) {
	if s.To == "" {
		return nil, fmt.Errorf("move requires a to target")
	}
	mv := &graph.Movement{RemoveLid: s.RemoveLid, ReplaceLid: s.ReplaceLid}

	target := types.DeviceKind(s.To)
	known := false
	for _, k := range types.KnownDeviceKinds {
		if target == k {
			known = true
			break
		}
	}
	if known {
		mv.TargetKind = target
	} else {
		mv.TargetDevice = s.To
	}

	if s.LidPark != "" {
		pos, err := ParsePosition(s.LidPark)
		if err != nil {
			return nil, fmt.Errorf("move lid_park: %w", err)
		}
		mv.LidPark = &pos
	}
	if mv.RemoveLid && mv.ReplaceLid {
		return nil, fmt.Errorf("move cannot both remove and replace the lid")
	}
	return mv, nil
}

func parseWaits(s rawStep) (time.Duration, *time.Duration, error) {
	var minWait time.Duration
	var maxWait *time.Duration
	var err error
	if s.MinWait != "" {
		minWait, err = time.ParseDuration(s.MinWait)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid min_wait %q", s.MinWait)
		}
	}
	if s.MaxWait != "" {
		d, err := time.ParseDuration(s.MaxWait)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid max_wait %q", s.MaxWait)
		}
		maxWait = &d
	}
	return minWait, maxWait, nil
}

func (ps *parseState) parseBranch(s rawStep) error {
	if s.Fct != "" || s.Repeat != 0 {
		return fmt.Errorf("if step cannot carry fct or repeat")
	}
	expr, err := parseExpr(s.If)
	if err != nil {
		return fmt.Errorf("if %q: %w", s.If, err)
	}

	// Compile-time constant predicates fold: only the chosen arm is parsed.
	if len(expr.Vars()) == 0 {
		v, err := expr.Eval(nil)
		if err != nil {
			return fmt.Errorf("if %q: %w", s.If, err)
		}
		if v != 0 {
			return ps.parseSteps(s.Then)
		}
		return ps.parseSteps(s.Else)
	}

	for _, name := range expr.Vars() {
		if _, ok := ps.variables[name]; !ok {
			return fmt.Errorf("if %q: unknown variable %q", s.If, name)
		}
	}

	br := ps.builder.AddBranch(graph.Branch{Predicate: expr})
	for _, name := range expr.Vars() {
		ps.builder.AddEdge(graph.Edge{From: ps.variables[name].node, To: br})
	}

	// Route every container through the branch so each arm's steps are
	// reachable only via their arm edge and can be pruned as a unit.
	entering := make([]string, 0, len(ps.pending))
	for c := range ps.pending {
		entering = append(entering, c)
	}
	sort.Strings(entering)
	for _, c := range entering {
		for _, p := range ps.pending[c] {
			ps.builder.AddEdge(graph.Edge{From: p.from, To: br, Container: c, Arm: p.arm})
		}
	}

	armPending := func(arm graph.BranchArm, steps []rawStep) (map[string][]pendingEdge, error) {
		branch := &parseState{
			builder:   ps.builder,
			pending:   make(map[string][]pendingEdge, len(entering)),
			variables: ps.variables,
		}
		for _, c := range entering {
			branch.pending[c] = []pendingEdge{{from: br, arm: arm}}
		}
		if err := branch.parseSteps(steps); err != nil {
			return nil, err
		}
		return branch.pending, nil
	}

	truePending, err := armPending(graph.ArmTrue, s.Then)
	if err != nil {
		return fmt.Errorf("then: %w", err)
	}
	falsePending, err := armPending(graph.ArmFalse, s.Else)
	if err != nil {
		return fmt.Errorf("else: %w", err)
	}

	// Join: a container's next step depends on both arm tails; pruning will
	// remove the losing side's edge along with its nodes.
	for _, c := range entering {
		ps.pending[c] = append(append([]pendingEdge{}, truePending[c]...), falsePending[c]...)
	}
	return nil
}

func (ps *parseState) parseRepeat(s rawStep) error {
	if s.Fct != "" || s.If != "" {
		return fmt.Errorf("repeat step cannot carry fct or if")
	}
	if s.Repeat < 1 || s.Repeat > maxRepeat {
		return fmt.Errorf("repeat count %d out of range [1,%d]", s.Repeat, maxRepeat)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("repeat declares no steps")
	}
	for i := 0; i < s.Repeat; i++ {
		if err := ps.parseSteps(s.Steps); err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
	}
	return nil
}

