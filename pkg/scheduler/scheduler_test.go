package scheduler

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/instance"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func devCatalogue() []*types.Device {
	return []*types.Device{
		{Name: "arm-1", Kind: types.DeviceKindMover, Capacity: 1, ProcessCapacity: 1, MinCapacity: 1},
		{Name: "incubator-1", Kind: types.DeviceKindIncubator, Capacity: 4, ProcessCapacity: 4, MinCapacity: 1, AllowsOverlap: true},
		{Name: "incubator-2", Kind: types.DeviceKindIncubator, Capacity: 4, ProcessCapacity: 4, MinCapacity: 1, AllowsOverlap: true},
		{Name: "reader-1", Kind: types.DeviceKindPlateReader, Capacity: 1, ProcessCapacity: 1, MinCapacity: 1},
		{Name: "spinner-1", Kind: types.DeviceKindCentrifuge, Capacity: 4, ProcessCapacity: 1, MinCapacity: 4},
	}
}

func key(pid string, n int) instance.StepKey {
	return instance.MakeStepKey(pid, graph.NodeID(n))
}

// linearSnapshot is one process: move → incubate → read.
func linearSnapshot() *instance.Snapshot {
	mv := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "move",
		DeviceKind: types.DeviceKindMover, Duration: 5 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
		Movement: &graph.Movement{TargetKind: types.DeviceKindIncubator},
	}
	inc := instance.Step{
		Key: key("p1", 2), ProcessID: "p1", Node: 2, Fct: "incubate",
		DeviceKind: types.DeviceKindIncubator, Duration: 60 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	rd := instance.Step{
		Key: key("p1", 3), ProcessID: "p1", Node: 3, Fct: "read_absorbance",
		DeviceKind: types.DeviceKindPlateReader, Duration: 10 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	return &instance.Snapshot{
		At:      t0,
		Devices: devCatalogue(),
		Steps:   []instance.Step{mv, inc, rd},
		Deps: []instance.Dep{
			{From: mv.Key, To: inc.Key},
			{From: inc.Key, To: rd.Key, MinWait: 2 * time.Second},
		},
	}
}

func TestScheduleLinear(t *testing.T) {
	s := New(Config{})
	plan, err := s.Schedule(linearSnapshot(), ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 3)
	assert.Empty(t, plan.Unschedulable)

	mv := plan.Assignments[key("p1", 1)]
	inc := plan.Assignments[key("p1", 2)]
	rd := plan.Assignments[key("p1", 3)]

	assert.Equal(t, "arm-1", mv.Device)
	assert.Contains(t, []string{"incubator-1", "incubator-2"}, inc.Device)
	assert.Equal(t, "reader-1", rd.Device)

	// Dependency order with min_wait on the read edge.
	assert.False(t, mv.EarliestStart.Before(t0))
	assert.False(t, inc.EarliestStart.Before(mv.ExpectedFinish))
	assert.False(t, rd.EarliestStart.Before(inc.ExpectedFinish.Add(2*time.Second)))

	// Queues are ordered by start.
	q := plan.Queues[rd.Device]
	require.Len(t, q, 1)
	assert.Equal(t, rd.Step, q[0])
}

func TestScheduleNoOverlapSerializes(t *testing.T) {
	// Two processes both want the single reader, which allows no overlap.
	mk := func(pid string) instance.Step {
		return instance.Step{
			Key: key(pid, 1), ProcessID: pid, Node: 1, Fct: "read_absorbance",
			DeviceKind: types.DeviceKindPlateReader, Duration: 30 * time.Second,
			Containers: []string{"c-" + pid}, State: types.StepStatePending,
		}
	}
	snap := &instance.Snapshot{
		At:      t0,
		Devices: devCatalogue(),
		Steps:   []instance.Step{mk("p1"), mk("p2")},
	}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 2)

	a1 := plan.Assignments[key("p1", 1)]
	a2 := plan.Assignments[key("p2", 1)]
	overlap := a1.EarliestStart.Before(a2.ExpectedFinish) && a2.EarliestStart.Before(a1.ExpectedFinish)
	assert.False(t, overlap, "reader operations must not overlap")

	// Lexicographic step id breaks the tie: p1 goes first.
	assert.True(t, a1.EarliestStart.Before(a2.EarliestStart))
}

func TestSchedulePriorityTieBreak(t *testing.T) {
	mk := func(pid string, priority int) instance.Step {
		return instance.Step{
			Key: key(pid, 1), ProcessID: pid, Node: 1, Fct: "read_absorbance",
			DeviceKind: types.DeviceKindPlateReader, Duration: 30 * time.Second,
			Containers: []string{"c-" + pid}, Priority: priority, State: types.StepStatePending,
		}
	}
	// p2 has the numerically lower (= more urgent) priority.
	snap := &instance.Snapshot{
		At:      t0,
		Devices: devCatalogue(),
		Steps:   []instance.Step{mk("p1", 5), mk("p2", 1)},
	}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	a1 := plan.Assignments[key("p1", 1)]
	a2 := plan.Assignments[key("p2", 1)]
	assert.True(t, a2.EarliestStart.Before(a1.EarliestStart))
}

func TestScheduleSpreadsAcrossKindPeers(t *testing.T) {
	// Four concurrent incubations fit on one incubator; a fifth spills over
	// or queues, but never breaches capacity.
	var steps []instance.Step
	for i := 0; i < 8; i++ {
		pid := string(rune('a' + i))
		steps = append(steps, instance.Step{
			Key: key(pid, 1), ProcessID: pid, Node: 1, Fct: "incubate",
			DeviceKind: types.DeviceKindIncubator, Duration: 60 * time.Second,
			Containers: []string{"c-" + pid}, State: types.StepStatePending,
		})
	}
	snap := &instance.Snapshot{At: t0, Devices: devCatalogue(), Steps: steps}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 8)
	// validate() ran inside Schedule; all eight start immediately because
	// two incubators of capacity four are available.
	for _, a := range plan.Assignments {
		assert.True(t, a.EarliestStart.Equal(t0))
	}
}

func TestScheduleMinCapacityUnschedulable(t *testing.T) {
	// A spin bundling two containers can never satisfy min_capacity=4.
	spin := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "spin",
		DeviceKind: types.DeviceKindCentrifuge, Duration: 120 * time.Second,
		Containers: []string{"c1", "c2"}, State: types.StepStatePending,
	}
	other := instance.Step{
		Key: key("p2", 1), ProcessID: "p2", Node: 1, Fct: "incubate",
		DeviceKind: types.DeviceKindIncubator, Duration: 30 * time.Second,
		Containers: []string{"c3"}, State: types.StepStatePending,
	}
	snap := &instance.Snapshot{At: t0, Devices: devCatalogue(), Steps: []instance.Step{spin, other}}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)

	require.Contains(t, plan.Unschedulable, "p1")
	assert.Contains(t, plan.Unschedulable["p1"].Reason, "below the device minimum")
	// The doomed process has no assignments; the other proceeds.
	assert.NotContains(t, plan.Assignments, spin.Key)
	assert.Contains(t, plan.Assignments, other.Key)
}

func TestScheduleMinCapacityBundleRuns(t *testing.T) {
	spin := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "spin",
		DeviceKind: types.DeviceKindCentrifuge, Duration: 120 * time.Second,
		Containers: []string{"c1", "c2", "c3", "c4"}, State: types.StepStatePending,
	}
	snap := &instance.Snapshot{At: t0, Devices: devCatalogue(), Steps: []instance.Step{spin}}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Unschedulable)
	assert.Contains(t, plan.Assignments, spin.Key)
}

func TestScheduleCapacityZeroRejectsOperations(t *testing.T) {
	// The only incubator has capacity zero: it exists in the catalogue but
	// executes nothing, so the process is unschedulable.
	devices := []*types.Device{
		{Name: "arm-1", Kind: types.DeviceKindMover, Capacity: 1, ProcessCapacity: 1, MinCapacity: 1},
		{Name: "cold-1", Kind: types.DeviceKindIncubator, Capacity: 0},
	}
	inc := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "incubate",
		DeviceKind: types.DeviceKindIncubator, Duration: 30 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	snap := &instance.Snapshot{At: t0, Devices: devices, Steps: []instance.Step{inc}}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	require.Contains(t, plan.Unschedulable, "p1")
	assert.Contains(t, plan.Unschedulable["p1"].Reason, "no device available")
	assert.Empty(t, plan.Assignments)
}

func TestSchedulePlacementKeepsContainerExclusive(t *testing.T) {
	// Two independent operations on the same container: no dependency edge
	// orders them, and two incubators are free, so only the container itself
	// forces serialization.
	mk := func(n int) instance.Step {
		return instance.Step{
			Key: key("p1", n), ProcessID: "p1", Node: graph.NodeID(n), Fct: "incubate",
			DeviceKind: types.DeviceKindIncubator, Duration: 60 * time.Second,
			Containers: []string{"c1"}, State: types.StepStatePending,
		}
	}
	snap := &instance.Snapshot{At: t0, Devices: devCatalogue(), Steps: []instance.Step{mk(1), mk(2)}}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 2)

	a1 := plan.Assignments[key("p1", 1)]
	a2 := plan.Assignments[key("p1", 2)]
	overlap := a1.EarliestStart.Before(a2.ExpectedFinish) && a2.EarliestStart.Before(a1.ExpectedFinish)
	assert.False(t, overlap, "one container cannot be in two operations at once")
}

func TestScheduleMaxWaitMissedUnschedulable(t *testing.T) {
	// The reader is blocked by a running step for 100 s, but the incubation
	// successor must start within 10 s of the incubation finish.
	maxWait := 10 * time.Second
	inc := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "incubate",
		DeviceKind: types.DeviceKindIncubator, Duration: 10 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	rd := instance.Step{
		Key: key("p1", 2), ProcessID: "p1", Node: 2, Fct: "read_absorbance",
		DeviceKind: types.DeviceKindPlateReader, Duration: 10 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	snap := &instance.Snapshot{
		At:      t0,
		Devices: devCatalogue(),
		Steps:   []instance.Step{inc, rd},
		Deps:    []instance.Dep{{From: inc.Key, To: rd.Key, MaxWait: &maxWait}},
		Running: []instance.Running{{
			Key: key("px", 9), Device: "reader-1",
			Start: t0.Add(-10 * time.Second), ExpectedFinish: t0.Add(100 * time.Second),
			Containers: []string{"c9"},
		}},
	}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	require.Contains(t, plan.Unschedulable, "p1")
	assert.Contains(t, plan.Unschedulable["p1"].Reason, "max_wait")
}

func TestScheduleShortModeRetains(t *testing.T) {
	snap := linearSnapshot()
	s := New(Config{})

	long, err := s.Schedule(snap, ModeLong, nil)
	require.NoError(t, err)

	// Short replan over the same snapshot keeps every assignment.
	short, err := s.Schedule(snap, ModeShort, long)
	require.NoError(t, err)
	require.Len(t, short.Assignments, len(long.Assignments))
	for k, a := range long.Assignments {
		got := short.Assignments[k]
		assert.Equal(t, a.Device, got.Device, k)
		assert.True(t, a.EarliestStart.Equal(got.EarliestStart), k)
	}
}

func TestScheduleShortModeReplacesBlocked(t *testing.T) {
	snap := linearSnapshot()
	s := New(Config{})

	long, err := s.Schedule(snap, ModeLong, nil)
	require.NoError(t, err)

	// The move came back blocked; a short replan must still produce a
	// feasible plan covering all three steps.
	snap.Steps[0].State = types.StepStateBlocked
	short, err := s.Schedule(snap, ModeShort, long)
	require.NoError(t, err)
	assert.Len(t, short.Assignments, 3)
}

func TestScheduleRunningOccupiesDevice(t *testing.T) {
	rd := instance.Step{
		Key: key("p1", 1), ProcessID: "p1", Node: 1, Fct: "read_absorbance",
		DeviceKind: types.DeviceKindPlateReader, Duration: 10 * time.Second,
		Containers: []string{"c1"}, State: types.StepStatePending,
	}
	busyUntil := t0.Add(40 * time.Second)
	snap := &instance.Snapshot{
		At:      t0,
		Devices: devCatalogue(),
		Steps:   []instance.Step{rd},
		Running: []instance.Running{{
			Key: key("px", 9), Device: "reader-1",
			Start: t0.Add(-5 * time.Second), ExpectedFinish: busyUntil,
			Containers: []string{"c9"},
		}},
	}

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	a := plan.Assignments[rd.Key]
	assert.False(t, a.EarliestStart.Before(busyUntil))
}

func TestScheduleObjectiveCountsWaitCost(t *testing.T) {
	snap := linearSnapshot()
	snap.Deps[1].WaitCost = 3

	plan, err := New(Config{}).Schedule(snap, ModeLong, nil)
	require.NoError(t, err)
	// Greedy places the read at exactly finish+min_wait, so the priced idle
	// time is the min_wait itself.
	inc := plan.Assignments[key("p1", 2)]
	rd := plan.Assignments[key("p1", 3)]
	idle := rd.EarliestStart.Sub(inc.ExpectedFinish).Seconds()
	assert.InDelta(t, 3*idle, plan.Objective, 1e-9)
}
