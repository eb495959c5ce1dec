// Package executor drives the lab. A single core-loop goroutine owns the
// scheduling instance and the current plan; commands, adapter observations and
// freshly computed plans arrive over channels, so no lock guards the live
// state. The loop dispatches due steps to device adapters, commits completed
// steps to the status store, feeds measured values back into the workflow
// graphs and triggers replanning when reality drifts from the plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plateworks/conductor/pkg/adapter"
	"github.com/plateworks/conductor/pkg/estimator"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/instance"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/metrics"
	"github.com/plateworks/conductor/pkg/parser"
	"github.com/plateworks/conductor/pkg/scheduler"
	"github.com/plateworks/conductor/pkg/store"
	"github.com/plateworks/conductor/pkg/types"
)

// ErrStopped is returned by every command issued after Stop.
var ErrStopped = errors.New("executor stopped")

// Config tunes the core loop.
type Config struct {
	// Tick is the dispatch loop interval.
	Tick time.Duration
	// TimeoutFactor caps a step's runtime at factor x scheduled duration;
	// beyond it the step is cancelled and treated as failed.
	TimeoutFactor float64
	// KindTimeoutFactors overrides TimeoutFactor per device kind.
	KindTimeoutFactors map[types.DeviceKind]float64
	// DeviationSlack is how far past its expected finish a running step may
	// drift before a short replan is triggered.
	DeviationSlack time.Duration
	// UnschedulableGrace is how long a process may stay unschedulable before
	// it fails. Transient contention often clears within a plan or two.
	UnschedulableGrace time.Duration
	// CancelGrace bounds how long a cooperative cancel waits for the device
	// before the step is written off.
	CancelGrace time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Tick:               200 * time.Millisecond,
		TimeoutFactor:      2.0,
		DeviationSlack:     30 * time.Second,
		UnschedulableGrace: 60 * time.Second,
		CancelGrace:        10 * time.Second,
	}
}

// flight tracks one in-flight step.
type flight struct {
	step         instance.Step
	device       string
	handle       adapter.Handle
	start        time.Time
	expected     time.Time
	duration     time.Duration
	simulated    bool
	experimentID string

	// movement bookkeeping, resolved at dispatch time
	srcPos     types.Position
	srcKind    types.DeviceKind
	targetDev  string
	targetKind types.DeviceKind

	timedOut  bool
	replanned bool
	cancelAt  time.Time // zero until a cooperative cancel was requested
}

type obsMsg struct {
	key instance.StepKey
	obs adapter.Observation
}

type planResult struct {
	plan *scheduler.Plan
	mode scheduler.Mode
	err  error
}

type unschedEntry struct {
	since time.Time
	err   *types.UnschedulableError
}

// Executor owns the live orchestration state.
type Executor struct {
	cfg    Config
	store  store.Store
	sched  *scheduler.Scheduler
	est    *estimator.Estimator
	broker *events.Broker
	logger zerolog.Logger
	clock  func() time.Time

	inst *instance.Instance
	plan *scheduler.Plan

	adapters   map[types.DeviceKind]adapter.Adapter
	simAdapter adapter.Adapter
	simulation bool
	simSpeed   float64

	paused bool

	procs          map[string]*types.Process // live (non-terminal) processes
	procContainers map[string][]string
	inflight       map[instance.StepKey]*flight
	abandoned      map[instance.StepKey]*flight // written off, device still going
	busy           map[string]instance.StepKey  // container id -> holding step
	winding        map[string]types.ProcessState
	unsched        map[string]unschedEntry

	planPending bool
	planQueued  scheduler.Mode

	cmdCh  chan func()
	obsCh  chan obsMsg
	planCh chan planResult
	stopCh chan struct{}
	doneCh chan struct{}

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New wires the executor. adapters maps device kinds to their real adapters;
// kinds without one fall back to the simulated adapter.
func New(cfg Config, st store.Store, sched *scheduler.Scheduler, est *estimator.Estimator, broker *events.Broker, adapters map[types.DeviceKind]adapter.Adapter) *Executor {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.TimeoutFactor <= 1 {
		cfg.TimeoutFactor = def.TimeoutFactor
	}
	if cfg.DeviationSlack <= 0 {
		cfg.DeviationSlack = def.DeviationSlack
	}
	if cfg.UnschedulableGrace <= 0 {
		cfg.UnschedulableGrace = def.UnschedulableGrace
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if adapters == nil {
		adapters = make(map[types.DeviceKind]adapter.Adapter)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:            cfg,
		store:          st,
		sched:          sched,
		est:            est,
		broker:         broker,
		logger:         log.WithComponent("executor"),
		clock:          time.Now,
		inst:           instance.New(),
		adapters:       adapters,
		simAdapter:     adapter.NewSim(adapter.SimConfig{}),
		procs:          make(map[string]*types.Process),
		procContainers: make(map[string][]string),
		inflight:       make(map[instance.StepKey]*flight),
		abandoned:      make(map[instance.StepKey]*flight),
		busy:           make(map[string]instance.StepKey),
		winding:        make(map[string]types.ProcessState),
		unsched:        make(map[string]unschedEntry),
		cmdCh:          make(chan func()),
		obsCh:          make(chan obsMsg, 64),
		planCh:         make(chan planResult, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      cancel,
	}
}

// Start loads the device catalogue, fails processes orphaned by a previous
// run and launches the core loop.
func (e *Executor) Start() error {
	e.inst.SetDevices(e.store.Devices())
	for _, d := range e.store.Devices() {
		metrics.DeviceCapacity.WithLabelValues(d.Name).Set(float64(d.Capacity))
	}

	// The workflow graph lives in memory only; a process interrupted by a
	// restart cannot resume.
	procs, err := e.store.ListProcesses()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		if p.State.Terminal() {
			continue
		}
		p.State = types.ProcessStateFailed
		p.Error = "interrupted by restart"
		p.FinishedAt = e.clock()
		if err := e.store.UpdateProcess(p); err != nil {
			return fmt.Errorf("failed to fail orphaned process %s: %w", p.ID, err)
		}
		e.logger.Warn().Str("process_id", p.ID).Msg("failed process orphaned by restart")
	}

	go e.run()
	e.logger.Info().Dur("tick", e.cfg.Tick).Msg("executor started")
	return nil
}

// Stop shuts the core loop down and cancels every in-flight adapter handle.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.ctxCancel()
	<-e.doneCh
	e.logger.Info().Msg("executor stopped")
}

func (e *Executor) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case m := <-e.obsCh:
			e.onObservation(m)
		case r := <-e.planCh:
			e.onPlan(r)
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

// call runs fn on the core loop and waits for its result.
func (e *Executor) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.cmdCh <- func() { errCh <- fn() }:
	case <-e.stopCh:
		return ErrStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-e.stopCh:
		return ErrStopped
	}
}

// Submit parses a process source, loads or adopts its labware and registers
// the workflow. The process stays pending until StartProcesses names it;
// delay shifts its earliest allowed start.
func (e *Executor) Submit(source []byte, delay time.Duration) (string, error) {
	var id string
	err := e.call(func() error {
		proc, err := parser.Parse(source)
		if err != nil {
			return err
		}
		g := proc.Graph

		containers := make(map[string]string)
		var ids []string
		for _, n := range g.Nodes {
			if n.Kind != graph.KindLabware {
				continue
			}
			lw := n.Labware
			cid, err := e.adoptLabware(lw)
			if err != nil {
				return fmt.Errorf("labware %s: %w", lw.Name, err)
			}
			containers[lw.Name] = cid
			ids = append(ids, cid)
		}

		if e.est != nil {
			g.AnnotateDurations(func(op *graph.Operation) (time.Duration, bool) {
				if op.IsMovement {
					return 0, false
				}
				return e.est.Estimate(estimator.Template{Fct: op.Fct, Params: op.Params})
			})
		}

		now := e.clock()
		id = uuid.New().String()
		p := &types.Process{
			ID:           id,
			Name:         proc.Name,
			State:        types.ProcessStatePending,
			Priority:     proc.Priority,
			ExperimentID: uuid.New().String(),
			SubmittedAt:  now,
			StartAfter:   now.Add(delay),
		}
		if err := e.store.CreateProcess(p); err != nil {
			return err
		}
		if err := e.store.CreateExperiment(&types.Experiment{
			ID:        p.ExperimentID,
			ProcessID: id,
			Name:      proc.Name,
			StartedAt: now,
		}); err != nil {
			return err
		}
		if err := e.inst.Submit(id, proc.Name, proc.Priority, g, containers); err != nil {
			return err
		}
		e.procs[id] = p
		e.procContainers[id] = ids

		metrics.ProcessesSubmitted.Inc()
		e.publish(&events.Event{Type: events.EventProcessSubmitted, ProcessID: id, Message: proc.Name})
		e.logger.Info().Str("process_id", id).Str("name", proc.Name).Int("priority", proc.Priority).Msg("process submitted")
		e.requestReplan(scheduler.ModeLong)
		return nil
	})
	return id, err
}

// adoptLabware resolves a declared labware to a store container: an existing
// container at the starting position is adopted after a barcode check, an
// empty position gets a fresh one.
func (e *Executor) adoptLabware(lw *graph.Labware) (string, error) {
	existing, err := e.store.ContainerAt(lw.Start)
	if err == nil && existing != nil {
		if lw.Barcode != "" && existing.Barcode != "" && lw.Barcode != existing.Barcode {
			return "", fmt.Errorf("container at %s: %w", lw.Start, types.ErrBarcodeMismatch)
		}
		return existing.ID, nil
	}
	return e.store.AddContainer(store.ContainerSpec{
		Barcode:     lw.Barcode,
		Pos:         lw.Start,
		Lidded:      lw.Lidded,
		LabwareType: lw.LabwareType,
	})
}

// StartProcesses releases submitted processes for execution.
func (e *Executor) StartProcesses(ids []string) error {
	return e.call(func() error {
		now := e.clock()
		for _, id := range ids {
			p, ok := e.procs[id]
			if !ok {
				return fmt.Errorf("process %s: %w", id, types.ErrUnknownProcess)
			}
			if p.State != types.ProcessStatePending {
				return fmt.Errorf("process %s is %s, not pending", id, p.State)
			}
			p.State = types.ProcessStateRunning
			p.StartedAt = now
			if err := e.store.UpdateProcess(p); err != nil {
				return err
			}
			e.publish(&events.Event{Type: events.EventProcessStarted, ProcessID: id})
			e.logger.Info().Str("process_id", id).Msg("process started")
		}
		e.requestReplan(scheduler.ModeLong)
		return nil
	})
}

// Pause suspends dispatch. An empty processID pauses the whole lab; running
// steps always finish.
func (e *Executor) Pause(processID string) error {
	return e.call(func() error {
		if processID == "" {
			e.paused = true
			e.publish(&events.Event{Type: events.EventProcessPaused, Message: "lab paused"})
			e.logger.Info().Msg("lab paused")
			return nil
		}
		p, ok := e.procs[processID]
		if !ok {
			return fmt.Errorf("process %s: %w", processID, types.ErrUnknownProcess)
		}
		if p.State != types.ProcessStateRunning {
			return fmt.Errorf("process %s is %s, not running", processID, p.State)
		}
		p.State = types.ProcessStatePaused
		if err := e.store.UpdateProcess(p); err != nil {
			return err
		}
		e.publish(&events.Event{Type: events.EventProcessPaused, ProcessID: processID})
		return nil
	})
}

// Resume lifts a pause set by Pause.
func (e *Executor) Resume(processID string) error {
	return e.call(func() error {
		if processID == "" {
			e.paused = false
			e.publish(&events.Event{Type: events.EventProcessResumed, Message: "lab resumed"})
			e.logger.Info().Msg("lab resumed")
			e.requestReplan(scheduler.ModeShort)
			return nil
		}
		p, ok := e.procs[processID]
		if !ok {
			return fmt.Errorf("process %s: %w", processID, types.ErrUnknownProcess)
		}
		if p.State != types.ProcessStatePaused {
			return fmt.Errorf("process %s is %s, not paused", processID, p.State)
		}
		p.State = types.ProcessStateRunning
		if err := e.store.UpdateProcess(p); err != nil {
			return err
		}
		e.publish(&events.Event{Type: events.EventProcessResumed, ProcessID: processID})
		e.requestReplan(scheduler.ModeShort)
		return nil
	})
}

// Cancel cancels a process. Pending steps are dropped immediately; in-flight
// steps get a cooperative cancel and may still complete and commit.
func (e *Executor) Cancel(processID string) error {
	return e.call(func() error {
		p, ok := e.procs[processID]
		if !ok {
			return fmt.Errorf("process %s: %w", processID, types.ErrUnknownProcess)
		}
		if _, winding := e.winding[processID]; winding || p.State.Terminal() {
			return nil
		}
		e.windDown(processID, types.ProcessStateCancelled, "")
		return nil
	})
}

// SetSimulation switches the simulated adapter on or off for subsequently
// dispatched steps. speed divides every scheduled duration.
func (e *Executor) SetSimulation(enabled bool, speed float64) error {
	return e.call(func() error {
		if enabled {
			if speed < 1 {
				speed = 1
			}
			e.simulation = true
			e.simSpeed = speed
			e.simAdapter = adapter.NewSim(adapter.SimConfig{Speed: speed})
			e.publish(&events.Event{Type: events.EventSimulationOn, Message: fmt.Sprintf("speed %gx", speed)})
			e.logger.Info().Float64("speed", speed).Msg("simulation enabled")
			return nil
		}
		e.simulation = false
		e.simSpeed = 0
		e.simAdapter = adapter.NewSim(adapter.SimConfig{})
		e.publish(&events.Event{Type: events.EventSimulationOff})
		e.logger.Info().Msg("simulation disabled")
		return nil
	})
}

// ConfigureLab replaces the device catalogue. Rejected while processes are
// live: reshaping the lab under a running workflow invalidates every plan.
func (e *Executor) ConfigureLab(description string, devices []*types.Device) error {
	return e.call(func() error {
		if len(e.procs) > 0 {
			return fmt.Errorf("%d processes still live", len(e.procs))
		}
		if err := e.store.ConfigureLab(description, devices); err != nil {
			return err
		}
		e.inst.SetDevices(e.store.Devices())
		for _, d := range e.store.Devices() {
			metrics.DeviceCapacity.WithLabelValues(d.Name).Set(float64(d.Capacity))
		}
		e.publish(&events.Event{Type: events.EventLabConfigured, Message: description})
		e.logger.Info().Int("devices", len(devices)).Msg("lab configured")
		return nil
	})
}

// WipeLab clears all persisted state. Rejected while processes are live.
func (e *Executor) WipeLab() error {
	return e.call(func() error {
		if len(e.procs) > 0 {
			return fmt.Errorf("%d processes still live", len(e.procs))
		}
		if err := e.store.WipeLab(); err != nil {
			return err
		}
		e.plan = nil
		e.inst = instance.New()
		e.inst.SetDevices(e.store.Devices())
		e.logger.Info().Msg("lab wiped")
		return nil
	})
}

// StepStatus is the reported view of one step of a process.
type StepStatus struct {
	Key            string          `json:"key"`
	Fct            string          `json:"fct"`
	State          types.StepState `json:"state"`
	Device         string          `json:"device,omitempty"`
	EarliestStart  time.Time       `json:"earliest_start,omitempty"`
	ExpectedFinish time.Time       `json:"expected_finish,omitempty"`
}

// ProcessStatus is the reported view of one process.
type ProcessStatus struct {
	Process *types.Process     `json:"process"`
	Steps   []StepStatus       `json:"steps,omitempty"`
	Vars    map[string]float64 `json:"vars,omitempty"`
}

// LabStatus is the reported view of the whole lab.
type LabStatus struct {
	Paused         bool               `json:"paused"`
	Simulation     bool               `json:"simulation"`
	SimSpeed       float64            `json:"sim_speed,omitempty"`
	Devices        []*types.Device    `json:"devices"`
	Containers     []*types.Container `json:"containers"`
	Processes      []*types.Process   `json:"processes"`
	PlanComputedAt time.Time          `json:"plan_computed_at,omitempty"`
	PlanObjective  float64            `json:"plan_objective,omitempty"`
	Running        []instance.Running `json:"running,omitempty"`
}

// Status reports the lab-wide state.
func (e *Executor) Status() (*LabStatus, error) {
	var st *LabStatus
	err := e.call(func() error {
		containers, err := e.store.ListContainers()
		if err != nil {
			return err
		}
		procs, err := e.store.ListProcesses()
		if err != nil {
			return err
		}
		st = &LabStatus{
			Paused:     e.paused,
			Simulation: e.simulation,
			SimSpeed:   e.simSpeed,
			Devices:    e.store.Devices(),
			Containers: containers,
			Processes:  procs,
		}
		if e.plan != nil {
			st.PlanComputedAt = e.plan.ComputedAt
			st.PlanObjective = e.plan.Objective
		}
		st.Running = e.inst.Snapshot(e.clock()).Running
		return nil
	})
	return st, err
}

// ProcessStatus reports one process with per-step detail. Terminal processes
// fall back to the persisted record; their step detail is gone with the graph.
func (e *Executor) ProcessStatus(id string) (*ProcessStatus, error) {
	var st *ProcessStatus
	err := e.call(func() error {
		p, ok := e.procs[id]
		if !ok {
			stored, err := e.store.GetProcess(id)
			if err != nil {
				return err
			}
			st = &ProcessStatus{Process: stored}
			return nil
		}
		st = &ProcessStatus{Process: p, Vars: e.inst.Vars(id)}
		states := e.inst.StepStates(id)
		g, _ := e.inst.Graph(id)
		for _, n := range g.Nodes {
			if n.Kind != graph.KindOperation {
				continue
			}
			key := instance.MakeStepKey(id, n.ID)
			s := StepStatus{
				Key:   string(key),
				Fct:   n.Operation.Fct,
				State: states[key],
			}
			if f, ok := e.inflight[key]; ok {
				s.Device = f.device
				s.ExpectedFinish = f.expected
			} else if e.plan != nil {
				if asg, ok := e.plan.Assignments[key]; ok {
					s.Device = asg.Device
					s.EarliestStart = asg.EarliestStart
					s.ExpectedFinish = asg.ExpectedFinish
				}
			}
			st.Steps = append(st.Steps, s)
		}
		return nil
	})
	return st, err
}

func (e *Executor) publish(ev *events.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}
