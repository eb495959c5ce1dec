// Package scheduler turns a scheduling-instance snapshot into a feasible
// plan. Scheduling is a pure function of the snapshot: the scheduler never
// reads the status store and holds no mutable state between calls, so the
// core loop can run it on a worker goroutine against an immutable input.
//
// The algorithm is greedy list scheduling over per-device timelines. Steps
// are placed one at a time in dependency order; among placeable steps the
// scheduler picks by earliest feasible start, then process priority, then
// accumulated wait cost, then step id. Within the remaining time budget a
// local-improvement pass tries to shrink the objective by re-placing the
// most expensive steps on alternative devices.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/plateworks/conductor/pkg/instance"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

// Mode selects the replanning depth.
type Mode string

const (
	// ModeShort retains assignments unaffected by the trigger event and
	// re-places only the rest. Used on completions, delays and mid-run
	// submissions.
	ModeShort Mode = "short"
	// ModeLong replans every remaining step from scratch. Used on initial
	// submission and scheduler reset.
	ModeLong Mode = "long"
)

// Assignment fixes one step to a device and a start window.
type Assignment struct {
	Step           instance.StepKey
	Device         string
	EarliestStart  time.Time
	LatestStart    time.Time // zero = unbounded
	ExpectedFinish time.Time
}

// Plan is the scheduler output: a feasible assignment for every schedulable
// step plus a totally-ordered dispatch queue per device.
type Plan struct {
	ComputedAt    time.Time
	Mode          Mode
	Assignments   map[instance.StepKey]Assignment
	Queues        map[string][]instance.StepKey
	Objective     float64
	Unschedulable map[string]*types.UnschedulableError
}

// Config tunes the scheduler.
type Config struct {
	// ShortBudget and LongBudget bound one scheduling pass.
	ShortBudget time.Duration
	LongBudget  time.Duration
}

// DefaultConfig matches the documented budgets: seconds for a local replan,
// tens of seconds for a full one.
func DefaultConfig() Config {
	return Config{
		ShortBudget: 2 * time.Second,
		LongBudget:  20 * time.Second,
	}
}

type Scheduler struct {
	cfg    Config
	logger zerolog.Logger
	clock  func() time.Time
}

func New(cfg Config) *Scheduler {
	if cfg.ShortBudget <= 0 {
		cfg.ShortBudget = DefaultConfig().ShortBudget
	}
	if cfg.LongBudget <= 0 {
		cfg.LongBudget = DefaultConfig().LongBudget
	}
	return &Scheduler{
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		clock:  time.Now,
	}
}

// Schedule computes a plan for the snapshot. prev is the most recent feasible
// plan; in short mode its unaffected assignments are retained, and on failure
// it is returned unchanged together with the error so the executor keeps
// making progress on already-running steps.
func (s *Scheduler) Schedule(snap *instance.Snapshot, mode Mode, prev *Plan) (*Plan, error) {
	budget := s.cfg.LongBudget
	if mode == ModeShort {
		budget = s.cfg.ShortBudget
	}
	deadline := s.clock().Add(budget)

	st := newState(snap)

	plan := &Plan{
		ComputedAt:    snap.At,
		Mode:          mode,
		Assignments:   make(map[instance.StepKey]Assignment),
		Queues:        make(map[string][]instance.StepKey),
		Unschedulable: make(map[string]*types.UnschedulableError),
	}

	st.rejectHopeless(plan)

	if mode == ModeShort && prev != nil {
		st.retain(prev, plan)
	}

	if err := st.place(plan, s.clock, deadline); err != nil {
		if prev != nil {
			return prev, err
		}
		return nil, err
	}

	s.improve(st, plan, deadline)

	st.buildQueues(plan)
	plan.Objective = st.objective(plan)

	if err := validate(snap, plan); err != nil {
		// A validation failure means the heuristic produced an infeasible
		// plan; fall back to the previous one.
		s.logger.Error().Err(err).Msg("discarding infeasible plan")
		if prev != nil {
			return prev, err
		}
		return nil, err
	}

	s.logger.Debug().
		Str("mode", string(mode)).
		Int("steps", len(plan.Assignments)).
		Int("unschedulable", len(plan.Unschedulable)).
		Float64("objective", plan.Objective).
		Msg("plan computed")
	return plan, nil
}

// state carries the in-progress placement.
type state struct {
	snap       *instance.Snapshot
	steps      map[instance.StepKey]*instance.Step
	preds      map[instance.StepKey][]instance.Dep
	succs      map[instance.StepKey][]instance.Dep
	timelines  map[string]*timeline
	byKind     map[types.DeviceKind][]*types.Device
	running    map[instance.StepKey]instance.Running
	excluded   map[string]bool       // process ids ruled unschedulable
	containers map[string][]busySpan // container id -> planned busy windows
}

// busySpan is one planned or running window during which a container is tied
// to a step, regardless of which device holds it.
type busySpan struct {
	start, finish time.Time
	key           instance.StepKey
}

func newState(snap *instance.Snapshot) *state {
	st := &state{
		snap:       snap,
		steps:      make(map[instance.StepKey]*instance.Step, len(snap.Steps)),
		preds:      make(map[instance.StepKey][]instance.Dep),
		succs:      make(map[instance.StepKey][]instance.Dep),
		timelines:  make(map[string]*timeline, len(snap.Devices)),
		byKind:     make(map[types.DeviceKind][]*types.Device),
		running:    make(map[instance.StepKey]instance.Running, len(snap.Running)),
		excluded:   make(map[string]bool),
		containers: make(map[string][]busySpan),
	}
	for i := range snap.Steps {
		step := &snap.Steps[i]
		st.steps[step.Key] = step
	}
	for _, d := range snap.Deps {
		st.preds[d.To] = append(st.preds[d.To], d)
		st.succs[d.From] = append(st.succs[d.From], d)
	}
	for _, dev := range snap.Devices {
		st.timelines[dev.Name] = &timeline{dev: dev}
		st.byKind[dev.Kind] = append(st.byKind[dev.Kind], dev)
	}
	for _, r := range snap.Running {
		st.running[r.Key] = r
		if tl, ok := st.timelines[r.Device]; ok {
			tl.insert(placement{
				key:        r.Key,
				start:      r.Start,
				finish:     r.ExpectedFinish,
				containers: len(r.Containers),
			})
		}
		for _, c := range r.Containers {
			if c != "" {
				st.containers[c] = append(st.containers[c], busySpan{start: r.Start, finish: r.ExpectedFinish, key: r.Key})
			}
		}
	}
	return st
}

// holdContainers reserves the step's containers for the planned window.
func (st *state) holdContainers(step *instance.Step, start, finish time.Time) {
	for _, c := range step.Containers {
		if c != "" {
			st.containers[c] = append(st.containers[c], busySpan{start: start, finish: finish, key: step.Key})
		}
	}
}

// releaseContainers drops the step's container reservations.
func (st *state) releaseContainers(step *instance.Step) {
	for _, c := range step.Containers {
		spans := st.containers[c]
		for i, sp := range spans {
			if sp.key == step.Key {
				st.containers[c] = append(spans[:i], spans[i+1:]...)
				break
			}
		}
	}
}

// containerConflict reports whether any container of the step is already
// reserved during [start, start+dur), and the earliest time every container
// is free again.
func (st *state) containerConflict(step *instance.Step, start time.Time, dur time.Duration) (time.Time, bool) {
	finish := start.Add(dur)
	var free time.Time
	for _, c := range step.Containers {
		for _, sp := range st.containers[c] {
			if sp.key == step.Key {
				continue
			}
			if sp.start.Before(finish) && sp.finish.After(start) && sp.finish.After(free) {
				free = sp.finish
			}
		}
	}
	return free, !free.IsZero()
}

// containerLoad is the container occupancy a step imposes on its executing
// device. Movement steps transit their container through the mover and do
// not park it there.
func containerLoad(step *instance.Step) int {
	if step.Movement != nil {
		return 0
	}
	return len(step.Containers)
}

// candidates returns the devices a step may run on. A device with no process
// capacity executes no operations and is never a candidate.
func (st *state) candidates(step *instance.Step) []*types.Device {
	var cands []*types.Device
	if step.Device != "" {
		if tl, ok := st.timelines[step.Device]; ok {
			cands = []*types.Device{tl.dev}
		}
	} else {
		cands = st.byKind[step.DeviceKind]
	}
	return lo.Filter(cands, func(d *types.Device, _ int) bool { return d.ProcessCapacity > 0 })
}

// rejectHopeless marks processes that can never be placed: no device of the
// required kind, more containers than any candidate's capacity, or fewer
// containers than a min_capacity bundle requires.
func (st *state) rejectHopeless(plan *Plan) {
	for _, step := range st.steps {
		if st.excluded[step.ProcessID] {
			continue
		}
		var reason string
		cands := st.candidates(step)
		switch {
		case len(cands) == 0:
			reason = fmt.Sprintf("no device available for step %s (kind %s)", step.Key, step.DeviceKind)
		case step.Movement == nil && lo.EveryBy(cands, func(d *types.Device) bool { return d.Capacity < len(step.Containers) }):
			reason = fmt.Sprintf("step %s needs %d container slots, none of the %s devices has them",
				step.Key, len(step.Containers), step.DeviceKind)
		case step.Movement == nil && lo.EveryBy(cands, func(d *types.Device) bool { return len(step.Containers) < d.MinCapacity }):
			reason = fmt.Sprintf("step %s bundles %d containers, below the device minimum",
				step.Key, len(step.Containers))
		default:
			continue
		}
		st.excluded[step.ProcessID] = true
		plan.Unschedulable[step.ProcessID] = &types.UnschedulableError{
			ProcessID: step.ProcessID,
			Reason:    reason,
		}
	}
}

// retain carries unaffected assignments over from the previous plan. An
// assignment survives when its step still exists unchanged, its device is
// still present, its dependency bounds still admit the planned window, and
// the timeline accepts it.
func (st *state) retain(prev *Plan, plan *Plan) {
	keys := lo.Keys(prev.Assignments)
	sort.Slice(keys, func(i, j int) bool {
		return prev.Assignments[keys[i]].EarliestStart.Before(prev.Assignments[keys[j]].EarliestStart)
	})
	for _, key := range keys {
		a := prev.Assignments[key]
		step, ok := st.steps[key]
		if !ok || st.excluded[step.ProcessID] || step.State == types.StepStateBlocked {
			continue
		}
		tl, ok := st.timelines[a.Device]
		if !ok || (step.Device != "" && step.Device != a.Device) {
			continue
		}
		earliest, latest := st.bounds(step, plan)
		if a.EarliestStart.Before(earliest) {
			continue
		}
		if !latest.IsZero() && a.EarliestStart.After(latest) {
			continue
		}
		finish := a.EarliestStart.Add(step.Duration)
		if !tl.fits(a.EarliestStart, finish, containerLoad(step)) {
			continue
		}
		if _, conflict := st.containerConflict(step, a.EarliestStart, step.Duration); conflict {
			continue
		}
		tl.insert(placement{key: key, start: a.EarliestStart, finish: finish, containers: containerLoad(step)})
		st.holdContainers(step, a.EarliestStart, finish)
		plan.Assignments[key] = Assignment{
			Step:           key,
			Device:         a.Device,
			EarliestStart:  a.EarliestStart,
			LatestStart:    latest,
			ExpectedFinish: finish,
		}
	}
}

// bounds computes the dependency window of a step given the assignments made
// so far: earliest = max over predecessors of finish+min_wait, latest = min
// over bounded predecessors of finish+max_wait.
func (st *state) bounds(step *instance.Step, plan *Plan) (earliest, latest time.Time) {
	earliest = step.EarliestStart
	if st.snap.At.After(earliest) {
		earliest = st.snap.At
	}
	latest = step.LatestStart
	for _, d := range st.preds[step.Key] {
		var predFinish time.Time
		if a, ok := plan.Assignments[d.From]; ok {
			predFinish = a.ExpectedFinish
		} else if r, ok := st.running[d.From]; ok {
			predFinish = r.ExpectedFinish
		} else {
			continue
		}
		if t := predFinish.Add(d.MinWait); t.After(earliest) {
			earliest = t
		}
		if d.MaxWait != nil {
			if t := predFinish.Add(*d.MaxWait); latest.IsZero() || t.Before(latest) {
				latest = t
			}
		}
	}
	return earliest, latest
}

// placeable reports whether every predecessor of the step is assigned,
// running or already committed.
func (st *state) placeable(key instance.StepKey, plan *Plan) bool {
	for _, d := range st.preds[key] {
		if _, ok := plan.Assignments[d.From]; ok {
			continue
		}
		if _, ok := st.running[d.From]; ok {
			continue
		}
		if _, remaining := st.steps[d.From]; remaining {
			return false
		}
	}
	return true
}

// candidate is the best placement found for one step in one round.
type candidate struct {
	step   *instance.Step
	device string
	start  time.Time
	latest time.Time
}

// better applies the normative tie-break order.
func (c candidate) better(o candidate) bool {
	if !c.start.Equal(o.start) {
		return c.start.Before(o.start)
	}
	if c.step.Priority != o.step.Priority {
		return c.step.Priority < o.step.Priority
	}
	if c.step.WaitCostSum != o.step.WaitCostSum {
		return c.step.WaitCostSum < o.step.WaitCostSum
	}
	return c.step.Key < o.step.Key
}

// place runs the greedy pass over every unassigned step.
func (st *state) place(plan *Plan, clock func() time.Time, deadline time.Time) error {
	for {
		if clock().After(deadline) {
			return fmt.Errorf("scheduling budget exhausted with %d steps unplaced", st.unplaced(plan))
		}

		var best *candidate
		for _, step := range st.steps {
			if st.excluded[step.ProcessID] {
				continue
			}
			if _, done := plan.Assignments[step.Key]; done {
				continue
			}
			if !st.placeable(step.Key, plan) {
				continue
			}
			c, err := st.bestFit(step, plan)
			if err != nil {
				st.exclude(plan, step.ProcessID, err)
				continue
			}
			if best == nil || c.better(*best) {
				best = &c
			}
		}
		if best == nil {
			if n := st.unplaced(plan); n > 0 {
				return fmt.Errorf("%d steps unplaceable, dependency order broken", n)
			}
			return nil
		}

		finish := best.start.Add(best.step.Duration)
		st.timelines[best.device].insert(placement{
			key:        best.step.Key,
			start:      best.start,
			finish:     finish,
			containers: containerLoad(best.step),
		})
		st.holdContainers(best.step, best.start, finish)
		plan.Assignments[best.step.Key] = Assignment{
			Step:           best.step.Key,
			Device:         best.device,
			EarliestStart:  best.start,
			LatestStart:    best.latest,
			ExpectedFinish: finish,
		}
	}
}

func (st *state) unplaced(plan *Plan) int {
	n := 0
	for key, step := range st.steps {
		if st.excluded[step.ProcessID] {
			continue
		}
		if _, ok := plan.Assignments[key]; !ok {
			n++
		}
	}
	return n
}

// bestFit finds the earliest feasible start over all candidate devices. A
// container can run one operation at a time, so windows colliding with another
// step's hold on the same container are pushed past the hold.
func (st *state) bestFit(step *instance.Step, plan *Plan) (candidate, error) {
	earliest, latest := st.bounds(step, plan)

	var best *candidate
	for _, dev := range st.candidates(step) {
		tl := st.timelines[dev.Name]
		after := earliest
		for {
			start, ok := tl.earliestFit(after, step.Duration, containerLoad(step))
			if !ok {
				break
			}
			if !latest.IsZero() && start.After(latest) {
				break
			}
			if free, conflict := st.containerConflict(step, start, step.Duration); conflict {
				after = free
				continue
			}
			c := candidate{step: step, device: dev.Name, start: start, latest: latest}
			if best == nil || c.better(*best) {
				best = &c
			}
			break
		}
	}
	if best == nil {
		if latest.IsZero() {
			return candidate{}, fmt.Errorf("no %s device fits step %s", step.DeviceKind, step.Key)
		}
		return candidate{}, fmt.Errorf("step %s misses its max_wait window", step.Key)
	}
	return *best, nil
}

func (st *state) exclude(plan *Plan, processID string, err error) {
	st.excluded[processID] = true
	plan.Unschedulable[processID] = &types.UnschedulableError{ProcessID: processID, Reason: err.Error()}
	// Drop assignments already made for the doomed process.
	for key, step := range st.steps {
		if step.ProcessID != processID {
			continue
		}
		if a, ok := plan.Assignments[key]; ok {
			st.timelines[a.Device].remove(key)
			st.releaseContainers(step)
			delete(plan.Assignments, key)
		}
	}
}

func (st *state) buildQueues(plan *Plan) {
	for key, a := range plan.Assignments {
		plan.Queues[a.Device] = append(plan.Queues[a.Device], key)
	}
	for dev := range plan.Queues {
		q := plan.Queues[dev]
		sort.Slice(q, func(i, j int) bool {
			ai, aj := plan.Assignments[q[i]], plan.Assignments[q[j]]
			if !ai.EarliestStart.Equal(aj.EarliestStart) {
				return ai.EarliestStart.Before(aj.EarliestStart)
			}
			return q[i] < q[j]
		})
	}
}

// objective prices the plan: accumulated edge wait cost per idle second plus
// priority-weighted process makespan.
func (st *state) objective(plan *Plan) float64 {
	total := 0.0
	for _, d := range st.snap.Deps {
		to, ok := plan.Assignments[d.To]
		if !ok {
			continue
		}
		var predFinish time.Time
		if a, ok := plan.Assignments[d.From]; ok {
			predFinish = a.ExpectedFinish
		} else if r, ok := st.running[d.From]; ok {
			predFinish = r.ExpectedFinish
		} else {
			continue
		}
		if idle := to.EarliestStart.Sub(predFinish); idle > 0 {
			total += d.WaitCost * idle.Seconds()
		}
	}

	finishByProcess := make(map[string]time.Time)
	priority := make(map[string]int)
	for key, a := range plan.Assignments {
		step := st.steps[key]
		if a.ExpectedFinish.After(finishByProcess[step.ProcessID]) {
			finishByProcess[step.ProcessID] = a.ExpectedFinish
		}
		priority[step.ProcessID] = step.Priority
	}
	for pid, finish := range finishByProcess {
		total += float64(priority[pid]) * finish.Sub(st.snap.At).Seconds()
	}
	return total
}

// improve spends the remaining budget re-placing the costliest steps on
// alternative devices when that shrinks the objective.
func (s *Scheduler) improve(st *state, plan *Plan, deadline time.Time) {
	if len(plan.Assignments) < 2 {
		return
	}
	current := st.objective(plan)

	keys := lo.Keys(plan.Assignments)
	sort.Slice(keys, func(i, j int) bool {
		return plan.Assignments[keys[i]].EarliestStart.After(plan.Assignments[keys[j]].EarliestStart)
	})

	for _, key := range keys {
		if s.clock().After(deadline) {
			return
		}
		step := st.steps[key]
		if step == nil || len(st.candidates(step)) < 2 {
			continue
		}
		// A step with successors cannot move without invalidating them;
		// only frontier steps are re-placed.
		hasPlannedSucc := false
		for _, d := range st.succs[key] {
			if _, ok := plan.Assignments[d.To]; ok {
				hasPlannedSucc = true
				break
			}
		}
		if hasPlannedSucc {
			continue
		}

		old := plan.Assignments[key]
		st.timelines[old.Device].remove(key)
		st.releaseContainers(step)
		delete(plan.Assignments, key)

		c, err := st.bestFit(step, plan)
		if err != nil {
			// Should not happen for a previously placed step; restore.
			st.timelines[old.Device].insert(placement{key: key, start: old.EarliestStart, finish: old.ExpectedFinish, containers: containerLoad(step)})
			st.holdContainers(step, old.EarliestStart, old.ExpectedFinish)
			plan.Assignments[key] = old
			continue
		}
		finish := c.start.Add(step.Duration)
		st.timelines[c.device].insert(placement{key: key, start: c.start, finish: finish, containers: containerLoad(step)})
		st.holdContainers(step, c.start, finish)
		plan.Assignments[key] = Assignment{
			Step:           key,
			Device:         c.device,
			EarliestStart:  c.start,
			LatestStart:    c.latest,
			ExpectedFinish: finish,
		}

		if next := st.objective(plan); next < current {
			current = next
			continue
		}
		// No gain; roll back.
		st.timelines[c.device].remove(key)
		st.releaseContainers(step)
		st.timelines[old.Device].insert(placement{key: key, start: old.EarliestStart, finish: old.ExpectedFinish, containers: containerLoad(step)})
		st.holdContainers(step, old.EarliestStart, old.ExpectedFinish)
		plan.Assignments[key] = old
	}
}
