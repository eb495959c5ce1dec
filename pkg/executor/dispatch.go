package executor

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/plateworks/conductor/pkg/adapter"
	"github.com/plateworks/conductor/pkg/estimator"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/graph"
	"github.com/plateworks/conductor/pkg/instance"
	"github.com/plateworks/conductor/pkg/metrics"
	"github.com/plateworks/conductor/pkg/scheduler"
	"github.com/plateworks/conductor/pkg/store"
	"github.com/plateworks/conductor/pkg/types"
)

// tick is the periodic pass: watchdogs first, then dispatch.
func (e *Executor) tick() {
	now := e.clock()

	for key, f := range e.inflight {
		factor := e.cfg.TimeoutFactor
		if v, ok := e.cfg.KindTimeoutFactors[f.step.DeviceKind]; ok {
			factor = v
		}
		if f.duration > 0 && !f.timedOut && now.Sub(f.start) > time.Duration(float64(f.duration)*factor) {
			f.timedOut = true
			f.cancelAt = now
			f.handle.Cancel()
			e.logger.Warn().Str("step", string(key)).Str("device", f.device).
				Dur("scheduled", f.duration).Msg("step exceeded its timeout, cancelling")
			continue
		}
		if !f.replanned && !f.timedOut && now.After(f.expected.Add(e.cfg.DeviationSlack)) {
			f.replanned = true
			e.logger.Info().Str("step", string(key)).Msg("step running late, replanning")
			e.requestReplan(scheduler.ModeShort)
		}
		// A device that never acknowledges a cooperative cancel is written
		// off after the grace period.
		if !f.cancelAt.IsZero() && now.Sub(f.cancelAt) > e.cfg.CancelGrace {
			e.writeOff(f)
		}
	}

	for pid, entry := range e.unsched {
		if now.Sub(entry.since) > e.cfg.UnschedulableGrace {
			e.logger.Warn().Str("process_id", pid).Str("reason", entry.err.Reason).
				Msg("process unschedulable past grace, failing")
			e.failProcess(pid, entry.err)
		}
	}

	e.dispatchDue(now)
}

// dispatchDue hands every ready, planned, due step to its device adapter.
func (e *Executor) dispatchDue(now time.Time) {
	if e.plan == nil || e.paused {
		return
	}
	steps := e.inst.ReadySteps()
	sort.Slice(steps, func(i, j int) bool { return steps[i].Key < steps[j].Key })
	for _, step := range steps {
		p, ok := e.procs[step.ProcessID]
		if !ok || p.State != types.ProcessStateRunning {
			continue
		}
		if _, winding := e.winding[step.ProcessID]; winding {
			continue
		}
		if now.Before(p.StartAfter) {
			continue
		}
		if _, running := e.inflight[step.Key]; running {
			continue
		}
		asg, ok := e.plan.Assignments[step.Key]
		if !ok {
			continue
		}
		if now.Before(asg.EarliestStart) || now.Before(step.EarliestStart) {
			continue
		}
		if e.containersBusy(step.Containers) {
			continue
		}
		e.dispatch(step, asg, now)
	}
}

func (e *Executor) containersBusy(ids []string) bool {
	for _, id := range ids {
		if _, busy := e.busy[id]; busy {
			return true
		}
	}
	return false
}

// dispatch verifies the physical preconditions of one step and submits it.
// A precondition miss blocks the step and triggers a short replan instead of
// failing the process: the world usually catches up.
func (e *Executor) dispatch(step instance.Step, asg scheduler.Assignment, now time.Time) {
	f := &flight{
		step:      step,
		device:    asg.Device,
		start:     now,
		duration:  step.Duration,
		simulated: e.simulation,
	}
	if p := e.procs[step.ProcessID]; p != nil {
		f.experimentID = p.ExperimentID
	}

	if step.Movement != nil {
		if blocked := e.prepareMovement(f); blocked != "" {
			e.block(step, blocked)
			return
		}
		if e.est != nil {
			if d, ok := e.est.Estimate(estimator.Template{
				Fct:        step.Fct,
				IsMovement: true,
				SourceKind: f.srcKind,
				TargetKind: f.targetKind,
			}); ok {
				f.duration = d
			}
		}
	} else {
		for _, cid := range step.Containers {
			c, err := e.store.Container(cid)
			if err != nil || c.Removed {
				e.block(step, fmt.Sprintf("container %s unavailable", cid))
				return
			}
			if c.CurrentPos.Device != asg.Device {
				e.block(step, fmt.Sprintf("container %s is on %s, expected %s", cid, c.CurrentPos.Device, asg.Device))
				return
			}
		}
	}

	f.expected = now.Add(f.duration)

	ad := e.adapterFor(step.DeviceKind, f.simulated)
	handle, err := ad.Submit(e.ctx, adapter.Request{
		StepID:     string(step.Key),
		Device:     asg.Device,
		Fct:        step.Fct,
		Duration:   f.duration,
		Params:     step.Params,
		Containers: step.Containers,
		Produces:   step.Produces != "",
	})
	if err != nil {
		e.logger.Error().Err(err).Str("step", string(step.Key)).Str("device", asg.Device).Msg("submit failed")
		e.recordTerminal(step, asg.Device, now, now, types.StepStatusFailed, nil, err, f)
		if err2 := e.inst.MarkFailed(step.Key); err2 != nil {
			e.logger.Error().Err(err2).Str("step", string(step.Key)).Msg("failed to mark step failed")
		}
		metrics.StepsFinished.WithLabelValues(string(types.StepStatusFailed)).Inc()
		e.failProcess(step.ProcessID, &types.StepFailureError{ProcessID: step.ProcessID, StepID: string(step.Key), Cause: err})
		return
	}
	f.handle = handle

	if err := e.inst.MarkRunning(step.Key, asg.Device, now, f.expected); err != nil {
		e.logger.Error().Err(err).Str("step", string(step.Key)).Msg("failed to mark step running")
		handle.Cancel()
		return
	}
	e.inflight[step.Key] = f
	for _, cid := range step.Containers {
		e.busy[cid] = step.Key
	}
	if p := e.procs[step.ProcessID]; p != nil {
		p.NextStep = string(step.Key)
		if err := e.store.UpdateProcess(p); err != nil {
			e.logger.Error().Err(err).Str("process_id", step.ProcessID).Msg("failed to update process")
		}
	}

	metrics.StepsDispatched.WithLabelValues(string(step.DeviceKind)).Inc()
	metrics.StepsRunning.Inc()
	e.publish(&events.Event{
		Type:      events.EventStepDispatched,
		ProcessID: step.ProcessID,
		StepID:    string(step.Key),
		Device:    asg.Device,
		Message:   step.Fct,
	})
	e.logger.Info().Str("step", string(step.Key)).Str("fct", step.Fct).
		Str("device", asg.Device).Dur("duration", f.duration).Bool("simulated", f.simulated).
		Msg("step dispatched")

	go e.watch(step.Key, handle)
}

// watch forwards terminal observations of one handle into the core loop.
func (e *Executor) watch(key instance.StepKey, h adapter.Handle) {
	for o := range h.Observe() {
		if !o.Status.Terminal() {
			continue
		}
		select {
		case e.obsCh <- obsMsg{key: key, obs: o}:
		case <-e.stopCh:
		}
		return
	}
}

func (e *Executor) adapterFor(kind types.DeviceKind, simulated bool) adapter.Adapter {
	if simulated {
		return e.simAdapter
	}
	if ad, ok := e.adapters[kind]; ok {
		return ad
	}
	return e.simAdapter
}

// prepareMovement resolves the source and target of a movement step. Returns
// a non-empty blocking reason when the physical preconditions do not hold.
func (e *Executor) prepareMovement(f *flight) string {
	step := f.step
	mv := step.Movement
	if len(step.Containers) == 0 {
		return "movement without container"
	}
	c, err := e.store.Container(step.Containers[0])
	if err != nil || c.Removed {
		return fmt.Sprintf("container %s unavailable", step.Containers[0])
	}
	f.srcPos = c.CurrentPos
	if src, err := e.store.Device(c.CurrentPos.Device); err == nil {
		f.srcKind = src.Kind
	}
	if mv.RemoveLid && !c.Lidded {
		return fmt.Sprintf("container %s has no lid to remove", c.ID)
	}
	if mv.ReplaceLid && c.Lidded && !mv.RemoveLid {
		return fmt.Sprintf("container %s is already lidded", c.ID)
	}

	f.targetKind = mv.TargetKind
	f.targetDev = e.moveTarget(step, c.LabwareType)
	if f.targetDev == "" {
		return fmt.Sprintf("no %s device has a free slot for %s", mv.TargetKind, c.ID)
	}
	if _, err := e.store.FreeSlot(f.targetDev, c.LabwareType); err != nil {
		return fmt.Sprintf("no free slot on %s for %s", f.targetDev, c.ID)
	}
	return ""
}

// moveTarget picks the destination device of a movement: an explicit pin
// wins, then the device the plan assigned to the follow-up operation on this
// container, then any device of the target kind with a free slot.
func (e *Executor) moveTarget(step instance.Step, labwareType string) string {
	mv := step.Movement
	if mv.TargetDevice != "" {
		return mv.TargetDevice
	}

	if e.plan != nil {
		if g, ok := e.inst.Graph(step.ProcessID); ok {
			for _, edge := range g.Successors(step.Node) {
				if g.Node(edge.To).Kind != graph.KindOperation {
					continue
				}
				key := instance.MakeStepKey(step.ProcessID, edge.To)
				asg, ok := e.plan.Assignments[key]
				if !ok {
					continue
				}
				if d, err := e.store.Device(asg.Device); err == nil && d.Kind == mv.TargetKind {
					if _, err := e.store.FreeSlot(d.Name, labwareType); err == nil {
						return d.Name
					}
				}
			}
		}
	}

	for _, d := range e.store.Devices() {
		if d.Kind != mv.TargetKind {
			continue
		}
		if _, err := e.store.FreeSlot(d.Name, labwareType); err == nil {
			return d.Name
		}
	}
	return ""
}

func (e *Executor) block(step instance.Step, reason string) {
	if err := e.inst.MarkBlocked(step.Key); err != nil {
		e.logger.Error().Err(err).Str("step", string(step.Key)).Msg("failed to mark step blocked")
		return
	}
	metrics.StepsBlocked.Inc()
	e.publish(&events.Event{
		Type:      events.EventStepBlocked,
		ProcessID: step.ProcessID,
		StepID:    string(step.Key),
		Message:   reason,
	})
	e.logger.Warn().Str("step", string(step.Key)).Str("reason", reason).Msg("step blocked")
	e.requestReplan(scheduler.ModeShort)
}

// onObservation handles a terminal adapter observation.
func (e *Executor) onObservation(m obsMsg) {
	f, ok := e.inflight[m.key]
	if !ok {
		if af, abandoned := e.abandoned[m.key]; abandoned {
			e.finishAbandoned(af, m.obs)
		}
		return
	}
	e.release(f)

	switch m.obs.Status {
	case adapter.StatusOK:
		e.completeStep(f, m.obs)
	case adapter.StatusFailed, adapter.StatusTimeout:
		cause := m.obs.Err
		if cause == nil {
			cause = fmt.Errorf("device reported %s", m.obs.Status)
		}
		e.stepFailed(f, cause)
	case adapter.StatusCancelled:
		if f.timedOut {
			e.stepFailed(f, fmt.Errorf("exceeded %.1fx its scheduled duration", e.cfg.TimeoutFactor))
			return
		}
		if _, winding := e.winding[f.step.ProcessID]; winding {
			// Cancel won the race: the step never happened, nothing commits.
			now := e.clock()
			cause := m.obs.Err
			if cause == nil {
				cause = types.ErrCancelled
			}
			e.recordTerminal(f.step, f.device, f.start, now, types.StepStatusCancelled, nil, cause, f)
			if err := e.inst.MarkCancelled(f.step.Key); err != nil {
				e.logger.Error().Err(err).Str("step", string(f.step.Key)).Msg("failed to mark step cancelled")
			}
			metrics.StepsFinished.WithLabelValues(string(types.StepStatusCancelled)).Inc()
			e.maybeFinalize(f.step.ProcessID)
			return
		}
		cause := m.obs.Err
		if cause == nil {
			cause = errors.New("cancelled by device")
		}
		e.stepFailed(f, cause)
	}
}

func (e *Executor) release(f *flight) {
	delete(e.inflight, f.step.Key)
	for _, cid := range f.step.Containers {
		if e.busy[cid] == f.step.Key {
			delete(e.busy, cid)
		}
	}
	metrics.StepsRunning.Dec()
}

// writeOff abandons a flight whose device ignored the cooperative cancel. The
// step stops counting against its process so the wind-down can finish, but
// the flight and its container holds survive: the device is still physically
// engaged, and if it completes the operation anyway the result is a fact that
// must commit. See finishAbandoned.
func (e *Executor) writeOff(f *flight) {
	key := f.step.Key
	delete(e.inflight, key)
	e.abandoned[key] = f
	metrics.StepsRunning.Dec()
	e.logger.Warn().Str("step", string(key)).Str("device", f.device).
		Msg("cancel not acknowledged within grace, writing step off")

	if f.timedOut {
		e.stepFailed(f, fmt.Errorf("exceeded %.1fx its scheduled duration and ignored the cancel", e.cfg.TimeoutFactor))
		return
	}
	now := e.clock()
	e.recordTerminal(f.step, f.device, f.start, now, types.StepStatusCancelled,
		nil, fmt.Errorf("%w: not acknowledged within grace", types.ErrCancelled), f)
	if err := e.inst.MarkCancelled(key); err != nil {
		e.logger.Error().Err(err).Str("step", string(key)).Msg("failed to mark step cancelled")
	}
	metrics.StepsFinished.WithLabelValues(string(types.StepStatusCancelled)).Inc()
	e.maybeFinalize(f.step.ProcessID)
}

// finishAbandoned resolves a written-off flight from the device's real
// terminal observation. A completed operation commits in full, whatever the
// process's fate; anything else just confirms the write-off. Either way the
// device and its containers are finally free again.
func (e *Executor) finishAbandoned(f *flight, obs adapter.Observation) {
	key := f.step.Key
	delete(e.abandoned, key)
	for _, cid := range f.step.Containers {
		if e.busy[cid] == key {
			delete(e.busy, cid)
		}
	}

	if obs.Status != adapter.StatusOK {
		e.logger.Info().Str("step", string(key)).Str("status", string(obs.Status)).
			Msg("written-off step confirmed terminal")
		e.requestReplan(scheduler.ModeShort)
		return
	}

	finish := e.clock()
	commit := store.StepCommit{Record: e.record(f.step, f.device, f.start, finish, types.StepStatusOK, obs.Value, nil, f)}
	if f.step.Movement != nil {
		if blocked := e.stageMovement(f, &commit); blocked != "" {
			e.logger.Error().Str("step", string(key)).Str("reason", blocked).
				Msg("failed to commit written-off movement")
			return
		}
	}
	if err := e.store.CommitStep(commit); err != nil {
		e.logger.Error().Err(err).Str("step", string(key)).Msg("failed to commit written-off step")
		return
	}
	metrics.StepsFinished.WithLabelValues(string(types.StepStatusOK)).Inc()
	e.publish(&events.Event{
		Type:      events.EventStepCompleted,
		ProcessID: f.step.ProcessID,
		StepID:    string(key),
		Device:    f.device,
		Message:   f.step.Fct,
	})
	if f.step.Movement != nil {
		e.publish(&events.Event{
			Type:      events.EventContainerMoved,
			ProcessID: f.step.ProcessID,
			StepID:    string(key),
			Device:    f.targetDev,
			Message:   fmt.Sprintf("%s -> %s", f.srcPos, f.targetDev),
		})
	}
	e.logger.Info().Str("step", string(key)).Str("fct", f.step.Fct).Str("device", f.device).
		Msg("written-off step completed anyway, committed")
	e.requestReplan(scheduler.ModeShort)
}

// completeStep commits a successful step: history record plus, for movements,
// the lid and position changes, all in one atomic store transaction. The
// produced value feeds back into the workflow and may collapse a branch.
func (e *Executor) completeStep(f *flight, obs adapter.Observation) {
	step := f.step
	finish := e.clock()

	commit := store.StepCommit{Record: e.record(step, f.device, f.start, finish, types.StepStatusOK, obs.Value, nil, f)}
	if step.Movement != nil {
		if blocked := e.stageMovement(f, &commit); blocked != "" {
			e.stepFailed(f, fmt.Errorf("commit: %s", blocked))
			return
		}
	}
	if err := e.store.CommitStep(commit); err != nil {
		e.stepFailed(f, fmt.Errorf("commit: %w", err))
		return
	}

	pruned, err := e.inst.OnComplete(step.Key, finish, obs.Value)
	if err != nil {
		e.stepFailed(f, err)
		return
	}

	if p := e.procs[step.ProcessID]; p != nil {
		p.LastStep = string(step.Key)
		p.NextStep = ""
		if err := e.store.UpdateProcess(p); err != nil {
			e.logger.Error().Err(err).Str("process_id", step.ProcessID).Msg("failed to update process")
		}
	}

	metrics.StepsFinished.WithLabelValues(string(types.StepStatusOK)).Inc()
	e.publish(&events.Event{
		Type:      events.EventStepCompleted,
		ProcessID: step.ProcessID,
		StepID:    string(step.Key),
		Device:    f.device,
		Message:   step.Fct,
	})
	if step.Movement != nil {
		e.publish(&events.Event{
			Type:      events.EventContainerMoved,
			ProcessID: step.ProcessID,
			StepID:    string(step.Key),
			Device:    f.targetDev,
			Message:   fmt.Sprintf("%s -> %s", f.srcPos, f.targetDev),
		})
	}
	logEv := e.logger.Info().Str("step", string(step.Key)).Str("fct", step.Fct).Str("device", f.device)
	if obs.Value != nil {
		logEv = logEv.Float64("value", *obs.Value)
	}
	logEv.Msg("step completed")

	if len(pruned) > 0 {
		e.logger.Info().Str("process_id", step.ProcessID).Int("pruned", len(pruned)).
			Msg("branch resolved, losing arm pruned")
	}

	if _, winding := e.winding[step.ProcessID]; winding {
		e.maybeFinalize(step.ProcessID)
	} else if done, completed := e.inst.Done(step.ProcessID); done {
		state := types.ProcessStateCompleted
		if !completed {
			state = types.ProcessStateFailed
		}
		e.finalize(step.ProcessID, state, "")
	}

	e.requestReplan(scheduler.ModeShort)
}

// stageMovement resolves the final slot and lid positions and fills the
// commit. Slots are re-picked here: the core loop is the only writer, so a
// slot chosen now is still free when the commit applies.
func (e *Executor) stageMovement(f *flight, commit *store.StepCommit) string {
	step := f.step
	mv := step.Movement
	cid := step.Containers[0]
	c, err := e.store.Container(cid)
	if err != nil || c.Removed {
		return fmt.Sprintf("container %s unavailable", cid)
	}

	if mv.RemoveLid {
		park := mv.LidPark
		if park == nil {
			slot, err := e.store.FreeSlot(c.CurrentPos.Device, "")
			if err != nil {
				return fmt.Sprintf("no slot to park lid of %s: %v", cid, err)
			}
			park = &types.Position{Device: c.CurrentPos.Device, Slot: slot}
		}
		commit.Unlid = &store.LidOp{ContainerID: cid, Pos: park}
	}

	slot, err := e.store.FreeSlot(f.targetDev, c.LabwareType)
	if err != nil {
		return fmt.Sprintf("no free slot on %s: %v", f.targetDev, err)
	}
	dst := types.Position{Device: f.targetDev, Slot: slot}
	commit.Move = &store.MoveOp{Src: c.CurrentPos, Dst: dst}

	if mv.ReplaceLid {
		commit.Lid = &store.LidOp{ContainerID: cid}
	}
	return ""
}

func (e *Executor) record(step instance.Step, device string, start, finish time.Time, status types.StepStatus, value *float64, cause error, f *flight) *types.HistoryRecord {
	rec := &types.HistoryRecord{
		ID:           uuid.New().String(),
		ProcessID:    step.ProcessID,
		StepID:       string(step.Key),
		Fct:          step.Fct,
		Device:       device,
		DeviceKind:   step.DeviceKind,
		Containers:   step.Containers,
		Start:        start,
		Finish:       finish,
		Status:       status,
		Value:        value,
		Params:       step.Params,
		IsSimulation: f != nil && f.simulated,
	}
	if p := e.procs[step.ProcessID]; p != nil {
		rec.ExperimentID = p.ExperimentID
	} else if f != nil {
		// The process may have finalized while this flight was written off.
		rec.ExperimentID = f.experimentID
	}
	if f != nil && step.Movement != nil {
		rec.IsMovement = true
		rec.SourceKind = f.srcKind
		rec.TargetKind = f.targetKind
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// recordTerminal appends a non-OK history record; failures here are logged,
// not propagated, so a history write never masks the original outcome.
func (e *Executor) recordTerminal(step instance.Step, device string, start, finish time.Time, status types.StepStatus, value *float64, cause error, f *flight) {
	if err := e.store.RecordStep(e.record(step, device, start, finish, status, value, cause, f)); err != nil {
		e.logger.Error().Err(err).Str("step", string(step.Key)).Msg("failed to record step history")
	}
}

func (e *Executor) stepFailed(f *flight, cause error) {
	step := f.step
	now := e.clock()
	e.recordTerminal(step, f.device, f.start, now, types.StepStatusFailed, nil, cause, f)
	if err := e.inst.MarkFailed(step.Key); err != nil {
		e.logger.Error().Err(err).Str("step", string(step.Key)).Msg("failed to mark step failed")
	}
	metrics.StepsFinished.WithLabelValues(string(types.StepStatusFailed)).Inc()
	e.publish(&events.Event{
		Type:      events.EventStepFailed,
		ProcessID: step.ProcessID,
		StepID:    string(step.Key),
		Device:    f.device,
		Message:   cause.Error(),
	})
	e.logger.Error().Err(cause).Str("step", string(step.Key)).Str("device", f.device).Msg("step failed")
	e.failProcess(step.ProcessID, &types.StepFailureError{ProcessID: step.ProcessID, StepID: string(step.Key), Cause: cause})
}

// failProcess winds a process down towards the failed state.
func (e *Executor) failProcess(pid string, cause error) {
	p, ok := e.procs[pid]
	if !ok || p.State.Terminal() {
		return
	}
	if _, winding := e.winding[pid]; winding {
		return
	}
	e.windDown(pid, types.ProcessStateFailed, cause.Error())
}

// windDown drops the process's pending steps, cancels its in-flight ones and
// finalizes once nothing is left running.
func (e *Executor) windDown(pid string, target types.ProcessState, errMsg string) {
	e.winding[pid] = target
	if p := e.procs[pid]; p != nil && errMsg != "" {
		p.Error = errMsg
	}
	delete(e.unsched, pid)

	inflightKeys, err := e.inst.Cancel(pid)
	if err != nil {
		e.logger.Error().Err(err).Str("process_id", pid).Msg("failed to cancel process steps")
	}
	now := e.clock()
	for _, key := range inflightKeys {
		if f, ok := e.inflight[key]; ok && f.cancelAt.IsZero() {
			f.cancelAt = now
			f.handle.Cancel()
		}
	}
	e.maybeFinalize(pid)
	e.requestReplan(scheduler.ModeShort)
}

func (e *Executor) maybeFinalize(pid string) {
	target, ok := e.winding[pid]
	if !ok {
		return
	}
	for _, f := range e.inflight {
		if f.step.ProcessID == pid {
			return
		}
	}
	errMsg := ""
	if p := e.procs[pid]; p != nil {
		errMsg = p.Error
	}
	e.finalize(pid, target, errMsg)
}

// finalize moves a process to a terminal state. Completed workflows unload
// their containers; failed and cancelled ones leave them where they stand for
// the operator to inspect.
func (e *Executor) finalize(pid string, state types.ProcessState, errMsg string) {
	p, ok := e.procs[pid]
	if !ok {
		return
	}
	p.State = state
	p.FinishedAt = e.clock()
	p.NextStep = ""
	if errMsg != "" {
		p.Error = errMsg
	}
	if err := e.store.UpdateProcess(p); err != nil {
		e.logger.Error().Err(err).Str("process_id", pid).Msg("failed to persist terminal process")
	}

	if state == types.ProcessStateCompleted {
		for _, cid := range e.procContainers[pid] {
			if err := e.store.RemoveContainer(cid); err != nil && !errors.Is(err, types.ErrContainerRemoved) {
				e.logger.Error().Err(err).Str("container_id", cid).Msg("failed to unload container")
			}
		}
	}

	evType := events.EventProcessCompleted
	switch state {
	case types.ProcessStateFailed:
		evType = events.EventProcessFailed
	case types.ProcessStateCancelled:
		evType = events.EventProcessCancelled
	}
	metrics.ProcessesFinished.WithLabelValues(string(state)).Inc()
	e.publish(&events.Event{Type: evType, ProcessID: pid, Message: errMsg})
	e.logger.Info().Str("process_id", pid).Str("state", string(state)).Msg("process finished")

	e.inst.Remove(pid)
	delete(e.procs, pid)
	delete(e.procContainers, pid)
	delete(e.winding, pid)
	delete(e.unsched, pid)
}

// requestReplan schedules a planning pass on a worker goroutine. At most one
// pass runs at a time; requests arriving meanwhile coalesce into one follow-up
// with the deeper of the requested modes.
func (e *Executor) requestReplan(mode scheduler.Mode) {
	if e.planPending {
		if mode == scheduler.ModeLong || e.planQueued == scheduler.ModeLong {
			e.planQueued = scheduler.ModeLong
		} else {
			e.planQueued = scheduler.ModeShort
		}
		return
	}
	e.planPending = true
	snap := e.inst.Snapshot(e.clock())
	prev := e.plan
	go func() {
		timer := metrics.NewTimer(metrics.SchedulerDuration, string(mode))
		p, err := e.sched.Schedule(snap, mode, prev)
		timer.Stop()
		select {
		case e.planCh <- planResult{plan: p, mode: mode, err: err}:
		case <-e.stopCh:
		}
	}()
}

// onPlan installs a freshly computed plan and dispatches what it unblocked.
func (e *Executor) onPlan(r planResult) {
	e.planPending = false
	if r.err != nil {
		e.logger.Warn().Err(r.err).Str("mode", string(r.mode)).Msg("scheduling pass failed, keeping previous plan")
	}
	if r.plan != nil {
		e.plan = r.plan
		metrics.PlansComputed.WithLabelValues(string(r.mode)).Inc()
		e.publish(&events.Event{
			Type:    events.EventPlanComputed,
			Message: fmt.Sprintf("%s plan, %d assignments, objective %.1f", r.mode, len(r.plan.Assignments), r.plan.Objective),
		})
		e.logger.Debug().Str("mode", string(r.mode)).Int("assignments", len(r.plan.Assignments)).
			Float64("objective", r.plan.Objective).Msg("plan installed")

		now := e.clock()
		for pid, uerr := range r.plan.Unschedulable {
			if _, seen := e.unsched[pid]; !seen {
				e.unsched[pid] = unschedEntry{since: now, err: uerr}
				e.logger.Warn().Str("process_id", pid).Str("reason", uerr.Reason).Msg("process unschedulable")
			}
		}
		for pid := range e.unsched {
			if _, still := r.plan.Unschedulable[pid]; !still {
				delete(e.unsched, pid)
			}
		}
	}
	if e.planQueued != "" {
		mode := e.planQueued
		e.planQueued = ""
		e.requestReplan(mode)
		return
	}
	e.dispatchDue(e.clock())
}
