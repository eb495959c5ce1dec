package executor

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/adapter"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/scheduler"
	"github.com/plateworks/conductor/pkg/store"
	"github.com/plateworks/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func labDevices() []*types.Device {
	return []*types.Device{
		{Name: "hotel-1", Kind: types.DeviceKindStorage, Capacity: 10},
		{Name: "arm-1", Kind: types.DeviceKindMover, Capacity: 1},
		{Name: "incubator-1", Kind: types.DeviceKindIncubator, Capacity: 4, AllowsOverlap: true},
		{Name: "reader-1", Kind: types.DeviceKindPlateReader, Capacity: 1},
		{Name: "spinner-1", Kind: types.DeviceKindCentrifuge, Capacity: 4, MinCapacity: 4},
	}
}

type rig struct {
	ex     *Executor
	st     store.Store
	broker *events.Broker
}

func newRig(t *testing.T, cfg Config, adapters map[types.DeviceKind]adapter.Adapter) *rig {
	t.Helper()
	if cfg.Tick == 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.ConfigureLab("test lab", labDevices()))

	broker := events.NewBroker()
	broker.Start()

	ex := New(cfg, st, scheduler.New(scheduler.Config{}), nil, broker, adapters)
	require.NoError(t, ex.Start())
	t.Cleanup(func() {
		ex.Stop()
		broker.Stop()
		st.Close()
	})
	return &rig{ex: ex, st: st, broker: broker}
}

// fastSim swaps in a simulated adapter so scheduled seconds pass as wall
// milliseconds. value, when non-nil, fixes the measurement of producing steps.
func (r *rig) fastSim(t *testing.T, speed float64, value func(adapter.Request) float64) {
	t.Helper()
	require.NoError(t, r.ex.call(func() error {
		r.ex.simulation = true
		r.ex.simSpeed = speed
		r.ex.simAdapter = adapter.NewSim(adapter.SimConfig{Speed: speed, Value: value})
		return nil
	}))
}

func (r *rig) submitAndStart(t *testing.T, source string) string {
	t.Helper()
	id, err := r.ex.Submit([]byte(source), 0)
	require.NoError(t, err)
	require.NoError(t, r.ex.StartProcesses([]string{id}))
	return id
}

func waitState(t *testing.T, ex *Executor, id string, want types.ProcessState) *types.Process {
	t.Helper()
	var got *types.Process
	require.Eventually(t, func() bool {
		ps, err := ex.ProcessStatus(id)
		if err != nil {
			return false
		}
		got = ps.Process
		return got.State == want
	}, 20*time.Second, 20*time.Millisecond, "process never reached %s", want)
	return got
}

const linearSource = `
name: growth-check
priority: 1
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: move
    container: plate
    to: incubator
    duration: 2s
  - fct: incubate
    container: plate
    duration: 4s
  - fct: move
    container: plate
    to: plate_reader
    duration: 2s
  - fct: read_absorbance
    container: plate
    duration: 2s
    produces: od
`

func TestLinearProcessCompletes(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, nil)

	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	id := r.submitAndStart(t, linearSource)
	waitState(t, r.ex, id, types.ProcessStateCompleted)

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)

	var moves, reads int
	targets := map[types.DeviceKind]bool{}
	for _, rec := range recs {
		require.Equal(t, types.StepStatusOK, rec.Status)
		assert.True(t, rec.IsSimulation)
		if rec.IsMovement {
			moves++
			targets[rec.TargetKind] = true
			assert.Equal(t, types.DeviceKindMover, rec.DeviceKind)
		}
		if rec.Fct == "read_absorbance" {
			reads++
			require.NotNil(t, rec.Value)
		}
	}
	assert.Equal(t, 2, moves)
	assert.Equal(t, 1, reads)
	assert.True(t, targets[types.DeviceKindIncubator])
	assert.True(t, targets[types.DeviceKindPlateReader])

	containers, err := r.st.ListContainers()
	require.NoError(t, err)
	for _, c := range containers {
		assert.True(t, c.Removed, "completed workflow should unload its labware")
	}

	seen := map[events.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.EventProcessCompleted] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatal("never saw process.completed")
		}
	}
	assert.True(t, seen[events.EventProcessSubmitted])
	assert.True(t, seen[events.EventProcessStarted])
	assert.True(t, seen[events.EventStepDispatched])
	assert.True(t, seen[events.EventContainerMoved])
}

const branchSource = `
name: conditional-growth
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: move
    container: plate
    to: plate_reader
    duration: 2s
  - fct: read_absorbance
    container: plate
    duration: 2s
    produces: od
  - if: od > 0.5
    then:
      - fct: move
        container: plate
        to: incubator
        duration: 2s
      - fct: incubate
        container: plate
        duration: 2s
    else:
      - fct: move
        container: plate
        to: storage
        duration: 2s
`

func TestBranchTakesFalseArm(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, func(adapter.Request) float64 { return 0.45 })

	id := r.submitAndStart(t, branchSource)
	waitState(t, r.ex, id, types.ProcessStateCompleted)

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)

	fcts := map[string]int{}
	var lastTarget types.DeviceKind
	for _, rec := range recs {
		fcts[rec.Fct]++
		if rec.IsMovement {
			lastTarget = rec.TargetKind
		}
	}
	assert.Zero(t, fcts["incubate"], "0.45 <= 0.5 must prune the incubation arm")
	assert.Equal(t, 2, fcts["move"])
	assert.Equal(t, types.DeviceKindStorage, lastTarget)
}

func TestBranchTakesTrueArm(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, func(adapter.Request) float64 { return 0.82 })

	id := r.submitAndStart(t, branchSource)
	waitState(t, r.ex, id, types.ProcessStateCompleted)

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)

	fcts := map[string]int{}
	for _, rec := range recs {
		fcts[rec.Fct]++
	}
	assert.Equal(t, 1, fcts["incubate"])
	assert.Equal(t, 2, fcts["move"])
}

const lidSource = `
name: lidded-read
labware:
  plate:
    position: hotel-1[0]
    lidded: true
steps:
  - fct: move
    container: plate
    to: plate_reader
    remove_lid: true
    duration: 2s
  - fct: read_absorbance
    container: plate
    duration: 2s
  - fct: move
    container: plate
    to: storage
    replace_lid: true
    duration: 2s
`

func TestLidLifecycleCommits(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, nil)

	id := r.submitAndStart(t, lidSource)
	waitState(t, r.ex, id, types.ProcessStateCompleted)

	// A completed run proves the lid commits held: unlidding an unlidded
	// container or losing the parked lid fails the whole step atomically.
	mv := true
	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id, IsMovement: &mv})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

const cancelSource = `
name: long-incubation
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: move
    container: plate
    to: incubator
    duration: 50ms
  - fct: incubate
    container: plate
    duration: 1h
`

func TestCancelMidFlight(t *testing.T) {
	r := newRig(t, Config{}, nil)

	id := r.submitAndStart(t, cancelSource)

	// Wait for the incubation to be in flight before cancelling.
	waitStepRunning(t, r, id, "incubate")

	require.NoError(t, r.ex.Cancel(id))
	waitState(t, r.ex, id, types.ProcessStateCancelled)

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)
	var cancelled int
	for _, rec := range recs {
		if rec.Status == types.StepStatusCancelled {
			cancelled++
			assert.Contains(t, rec.Error, "cancelled")
		}
	}
	assert.Equal(t, 1, cancelled)

	// Cancellation leaves the labware in place for the operator.
	containers, err := r.st.ListContainers()
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.False(t, containers[0].Removed)
	assert.Equal(t, "incubator-1", containers[0].CurrentPos.Device)
}

const lonelySpinSource = `
name: lonely-spin
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: move
    container: plate
    to: centrifuge
    duration: 2s
  - fct: spin
    container: plate
    duration: 2s
`

func TestUnschedulableFailsAfterGrace(t *testing.T) {
	r := newRig(t, Config{UnschedulableGrace: 200 * time.Millisecond}, nil)
	r.fastSim(t, 500, nil)

	id := r.submitAndStart(t, lonelySpinSource)

	p := waitState(t, r.ex, id, types.ProcessStateFailed)
	assert.Contains(t, p.Error, "unschedulable")
}

func TestPauseHoldsDispatch(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, nil)

	require.NoError(t, r.ex.Pause(""))
	id := r.submitAndStart(t, linearSource)

	time.Sleep(300 * time.Millisecond)
	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing may execute while the lab is paused")

	require.NoError(t, r.ex.Resume(""))
	waitState(t, r.ex, id, types.ProcessStateCompleted)
}

const misplacedSource = `
name: misplaced
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: incubate
    container: plate
    duration: 2s
`

func TestDispatchBlocksOnMisplacedContainer(t *testing.T) {
	r := newRig(t, Config{}, nil)
	r.fastSim(t, 500, nil)

	id := r.submitAndStart(t, misplacedSource)

	// The plate never moves to the incubator, so the step blocks at every
	// dispatch attempt instead of executing on the wrong device.
	require.Eventually(t, func() bool {
		ps, err := r.ex.ProcessStatus(id)
		if err != nil {
			return false
		}
		return len(ps.Steps) == 1 && ps.Steps[0].State == types.StepStateBlocked
	}, 10*time.Second, 10*time.Millisecond)

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// stuck starts operations that never finish on their own.
type stuck struct{}

type stuckHandle struct{ ch chan adapter.Observation }

func (h *stuckHandle) Observe() <-chan adapter.Observation { return h.ch }

func (h *stuckHandle) Cancel() bool {
	h.ch <- adapter.Observation{Status: adapter.StatusCancelled}
	close(h.ch)
	return true
}

func (stuck) Submit(ctx context.Context, req adapter.Request) (adapter.Handle, error) {
	h := &stuckHandle{ch: make(chan adapter.Observation, 2)}
	h.ch <- adapter.Observation{Status: adapter.StatusStarted}
	return h, nil
}

const hangSource = `
name: hanging-incubation
labware:
  plate:
    position: hotel-1[0]
steps:
  - fct: move
    container: plate
    to: incubator
    duration: 50ms
  - fct: incubate
    container: plate
    duration: 200ms
`

func TestTimeoutFailsStep(t *testing.T) {
	adapters := map[types.DeviceKind]adapter.Adapter{
		types.DeviceKindMover:     adapter.NewSim(adapter.SimConfig{}),
		types.DeviceKindIncubator: stuck{},
	}
	r := newRig(t, Config{TimeoutFactor: 2}, adapters)

	id := r.submitAndStart(t, hangSource)

	p := waitState(t, r.ex, id, types.ProcessStateFailed)
	assert.Contains(t, p.Error, "exceeded")

	recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id, Status: types.StepStatusFailed})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "incubate", recs[0].Fct)
}

// stubborn runs operations that ignore cancellation and finish on their own.
type stubborn struct{ delay time.Duration }

type stubbornHandle struct{ ch chan adapter.Observation }

func (h *stubbornHandle) Observe() <-chan adapter.Observation { return h.ch }

func (h *stubbornHandle) Cancel() bool { return false }

func (s stubborn) Submit(ctx context.Context, req adapter.Request) (adapter.Handle, error) {
	h := &stubbornHandle{ch: make(chan adapter.Observation, 2)}
	h.ch <- adapter.Observation{Status: adapter.StatusStarted}
	go func() {
		time.Sleep(s.delay)
		h.ch <- adapter.Observation{Status: adapter.StatusOK}
		close(h.ch)
	}()
	return h, nil
}

func waitStepRunning(t *testing.T, r *rig, id, fct string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ps, err := r.ex.ProcessStatus(id)
		if err != nil {
			return false
		}
		for _, s := range ps.Steps {
			if s.Fct == fct && s.State == types.StepStateRunning {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
}

func TestUncancellableStepCommitsAfterWriteOff(t *testing.T) {
	adapters := map[types.DeviceKind]adapter.Adapter{
		types.DeviceKindMover:     adapter.NewSim(adapter.SimConfig{}),
		types.DeviceKindIncubator: stubborn{delay: 800 * time.Millisecond},
	}
	r := newRig(t, Config{CancelGrace: 100 * time.Millisecond}, adapters)

	id := r.submitAndStart(t, cancelSource)
	waitStepRunning(t, r, id, "incubate")

	// The incubator ignores the cancel; past the grace the process finalizes
	// as cancelled without waiting for the device.
	require.NoError(t, r.ex.Cancel(id))
	waitState(t, r.ex, id, types.ProcessStateCancelled)

	// When the device finishes anyway the completed operation is a physical
	// fact: its commit still lands in history, after the write-off record.
	require.Eventually(t, func() bool {
		recs, err := r.st.ListHistory(store.HistoryFilter{ProcessID: id, Fct: "incubate", Status: types.StepStatusOK})
		return err == nil && len(recs) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestLateStepTriggersShortReplan(t *testing.T) {
	adapters := map[types.DeviceKind]adapter.Adapter{
		types.DeviceKindMover:     adapter.NewSim(adapter.SimConfig{}),
		types.DeviceKindIncubator: stubborn{delay: 600 * time.Millisecond},
	}
	r := newRig(t, Config{DeviationSlack: 100 * time.Millisecond, TimeoutFactor: 50}, adapters)

	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	id := r.submitAndStart(t, hangSource)

	var evs []*events.Event
	deadline := time.After(15 * time.Second)
collect:
	for {
		select {
		case ev := <-sub:
			evs = append(evs, ev)
			if ev.Type == events.EventProcessCompleted {
				break collect
			}
		case <-deadline:
			t.Fatal("process never completed")
		}
	}
	waitState(t, r.ex, id, types.ProcessStateCompleted)

	var dispatched, completed time.Time
	for _, ev := range evs {
		if ev.Message != "incubate" {
			continue
		}
		switch ev.Type {
		case events.EventStepDispatched:
			dispatched = ev.Timestamp
		case events.EventStepCompleted:
			completed = ev.Timestamp
		}
	}
	require.False(t, dispatched.IsZero())
	require.False(t, completed.IsZero())

	// The 200 ms incubation ran 600 ms. Past expected finish plus slack the
	// watchdog requests a short replan while the step is still running.
	lateBy := dispatched.Add(250 * time.Millisecond)
	replanned := false
	for _, ev := range evs {
		if ev.Type == events.EventPlanComputed && ev.Timestamp.After(lateBy) && ev.Timestamp.Before(completed) {
			replanned = true
		}
	}
	assert.True(t, replanned, "a step overrunning its slack must trigger a replan")
}

func TestOrphanedProcessFailsOnRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.ConfigureLab("test lab", labDevices()))
	require.NoError(t, st.CreateProcess(&types.Process{
		ID:    "orphan-1",
		Name:  "orphan",
		State: types.ProcessStateRunning,
	}))

	ex := New(Config{Tick: 10 * time.Millisecond}, st, scheduler.New(scheduler.Config{}), nil, nil, nil)
	require.NoError(t, ex.Start())
	defer func() {
		ex.Stop()
		st.Close()
	}()

	p, err := st.GetProcess("orphan-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStateFailed, p.State)
	assert.Contains(t, p.Error, "restart")
}

func TestSubmitRejectsBadSource(t *testing.T) {
	r := newRig(t, Config{}, nil)

	_, err := r.ex.Submit([]byte("name: broken\n"), 0)
	require.Error(t, err)
}

func TestConfigureLabRejectedWhileLive(t *testing.T) {
	r := newRig(t, Config{}, nil)

	id := r.submitAndStart(t, cancelSource)

	err := r.ex.ConfigureLab("reshaped", labDevices())
	require.Error(t, err)

	require.NoError(t, r.ex.Cancel(id))
	waitState(t, r.ex, id, types.ProcessStateCancelled)
}
