package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/types"
)

const linearSource = `
name: growth-assay
priority: 1
labware:
  P1:
    position: hotel-1[0]
    lidded: true
    barcode: BC-1
steps:
  - fct: move
    container: P1
    to: incubator
    remove_lid: true
    lid_park: hotel-1[1]
  - fct: incubate
    containers: [P1]
    duration: 60s
    params:
      temperature: "310"
  - fct: move
    container: P1
    to: plate_reader
  - fct: read_absorbance
    container: P1
    duration: 10s
    produces: od
    min_wait: 2s
    wait_cost: 1.5
`

func countKind(g *graph.Graph, kind graph.NodeKind) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == kind {
			n++
		}
	}
	return n
}

func TestParseLinear(t *testing.T) {
	p, err := Parse([]byte(linearSource))
	require.NoError(t, err)
	assert.Equal(t, "growth-assay", p.Name)
	assert.Equal(t, 1, p.Priority)

	g := p.Graph
	assert.Equal(t, 1, countKind(g, graph.KindLabware))
	assert.Equal(t, 4, countKind(g, graph.KindOperation))
	assert.Equal(t, 1, countKind(g, graph.KindVariable))

	var read, firstMove *graph.Operation
	for _, n := range g.Nodes {
		if n.Kind != graph.KindOperation {
			continue
		}
		switch {
		case n.Operation.Fct == "read_absorbance":
			read = n.Operation
		case n.Operation.IsMovement && firstMove == nil:
			firstMove = n.Operation
		}
	}
	require.NotNil(t, read)
	assert.Equal(t, types.DeviceKindPlateReader, read.DeviceKind)
	assert.Equal(t, 10*time.Second, read.ExpectedDuration)
	assert.Equal(t, "od", read.Produces)

	require.NotNil(t, firstMove)
	require.NotNil(t, firstMove.Movement)
	assert.Equal(t, types.DeviceKindIncubator, firstMove.Movement.TargetKind)
	assert.True(t, firstMove.Movement.RemoveLid)
	require.NotNil(t, firstMove.Movement.LidPark)
	assert.Equal(t, types.Position{Device: "hotel-1", Slot: 1}, *firstMove.Movement.LidPark)

	// The read step's incoming edge carries its waits.
	found := false
	for _, e := range g.Edges {
		to := g.Node(e.To)
		if to.Kind == graph.KindOperation && to.Operation.Fct == "read_absorbance" {
			assert.Equal(t, 2*time.Second, e.MinWait)
			assert.Equal(t, 1.5, e.WaitCost)
			found = true
		}
	}
	assert.True(t, found)
}

func TestParsePosition(t *testing.T) {
	pos, err := ParsePosition("hotel-1[12]")
	require.NoError(t, err)
	assert.Equal(t, types.Position{Device: "hotel-1", Slot: 12}, pos)

	for _, bad := range []string{"hotel-1", "[3]", "hotel-1[x]", "hotel-1[3"} {
		_, err := ParsePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseRuntimeBranch(t *testing.T) {
	src := `
name: branchy
labware:
  P1:
    position: hotel-1[0]
steps:
  - fct: read_absorbance
    container: P1
    produces: od
  - if: od > 0.6
    then:
      - fct: store
        container: P1
    else:
      - fct: incubate
        container: P1
        duration: 30s
      - fct: store
        container: P1
`
	p, err := Parse([]byte(src))
	require.NoError(t, err)
	g := p.Graph

	require.Equal(t, 1, countKind(g, graph.KindBranch))
	var br graph.NodeID
	for _, n := range g.Nodes {
		if n.Kind == graph.KindBranch {
			br = n.ID
		}
	}

	// Predicate evaluates against runtime variables.
	pred := g.Node(br).Branch.Predicate
	v, err := pred.Eval(map[string]float64{"od": 0.45})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	// The false arm exclusively owns its incubation and store.
	falseArm := g.ArmNodes(br, graph.ArmFalse)
	fcts := make([]string, 0, len(falseArm))
	for _, id := range falseArm {
		fcts = append(fcts, g.Node(id).Operation.Fct)
	}
	assert.ElementsMatch(t, []string{"incubate", "store"}, fcts)

	trueArm := g.ArmNodes(br, graph.ArmTrue)
	require.Len(t, trueArm, 1)
	assert.Equal(t, "store", g.Node(trueArm[0]).Operation.Fct)
}

func TestParseConstantFolding(t *testing.T) {
	src := `
name: folded
labware:
  P1:
    position: hotel-1[0]
steps:
  - if: 1 > 2
    then:
      - fct: incubate
        container: P1
    else:
      - fct: store
        container: P1
`
	p, err := Parse([]byte(src))
	require.NoError(t, err)
	g := p.Graph

	assert.Equal(t, 0, countKind(g, graph.KindBranch))
	require.Equal(t, 1, countKind(g, graph.KindOperation))
	for _, n := range g.Nodes {
		if n.Kind == graph.KindOperation {
			assert.Equal(t, "store", n.Operation.Fct)
		}
	}
}

func TestParseRepeatUnrolling(t *testing.T) {
	src := `
name: looped
labware:
  P1:
    position: hotel-1[0]
steps:
  - repeat: 3
    steps:
      - fct: incubate
        container: P1
        duration: 10s
      - fct: read_absorbance
        container: P1
`
	p, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, 6, countKind(p.Graph, graph.KindOperation))

	// The unrolled iterations chain sequentially on the container.
	order, err := p.Graph.Topo()
	require.NoError(t, err)
	assert.Len(t, order, 7)
}

func TestParseIdenticalSourcesHashEqual(t *testing.T) {
	renamed := []byte("name: other-name" + linearSource[len("\nname: growth-assay"):])

	p1, err := Parse([]byte(linearSource))
	require.NoError(t, err)
	p2, err := Parse(renamed)
	require.NoError(t, err)
	require.NotEqual(t, p1.Name, p2.Name)

	h1, err := p1.Graph.Fingerprint()
	require.NoError(t, err)
	h2, err := p2.Graph.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown field",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: incubate
    container: P1
    banana: true
`,
			want: "banana",
		},
		{
			name: "undeclared labware",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: incubate
    container: P9
`,
			want: "undeclared labware",
		},
		{
			name: "unknown fct without device kind",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: shake
    container: P1
`,
			want: "device_kind required",
		},
		{
			name: "move without target",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: move
    container: P1
`,
			want: "requires a to target",
		},
		{
			name: "movement fields on plain op",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: incubate
    container: P1
    to: incubator
`,
			want: "movement fields only valid on move",
		},
		{
			name: "branch over unknown variable",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - if: od > 1
    then:
      - {fct: store, container: P1}
    else:
      - {fct: incubate, container: P1}
`,
			want: "unknown variable",
		},
		{
			name: "repeat out of range",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - repeat: 100000
    steps:
      - {fct: incubate, container: P1}
`,
			want: "out of range",
		},
		{
			name: "bad duration",
			src: `
name: x
labware:
  P1: {position: "hotel-1[0]"}
steps:
  - fct: incubate
    container: P1
    duration: soon
`,
			want: "invalid duration",
		},
		{
			name: "no labware",
			src:  "name: x\nsteps:\n  - {fct: incubate, container: P1}\n",
			want: "no labware",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
