package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/plateworks/conductor/pkg/instance"
	"github.com/plateworks/conductor/pkg/types"
)

// placement is one occupied window on a device timeline.
type placement struct {
	key        instance.StepKey
	start      time.Time
	finish     time.Time
	containers int
}

// timeline tracks the planned occupancy of one device, sorted by start.
type timeline struct {
	dev        *types.Device
	placements []placement
}

// opLimit is the concurrent-operation bound of the device. A device without
// process capacity executes nothing; devices that forbid overlap run one
// operation at a time.
func (tl *timeline) opLimit() int {
	if tl.dev.ProcessCapacity <= 0 {
		return 0
	}
	if !tl.dev.AllowsOverlap {
		return 1
	}
	return tl.dev.ProcessCapacity
}

func (tl *timeline) insert(p placement) {
	i := sort.Search(len(tl.placements), func(i int) bool {
		return tl.placements[i].start.After(p.start)
	})
	tl.placements = append(tl.placements, placement{})
	copy(tl.placements[i+1:], tl.placements[i:])
	tl.placements[i] = p
}

func (tl *timeline) remove(key instance.StepKey) {
	for i, p := range tl.placements {
		if p.key == key {
			tl.placements = append(tl.placements[:i], tl.placements[i+1:]...)
			return
		}
	}
}

// fits reports whether the window can be added without breaching the
// operation or container limits.
func (tl *timeline) fits(start, finish time.Time, containers int) bool {
	ops, load := tl.overlap(start, finish)
	if ops+1 > tl.opLimit() {
		return false
	}
	if containers > 0 && load+containers > tl.dev.Capacity {
		return false
	}
	return true
}

// overlap counts operations and container load intersecting [start, finish).
func (tl *timeline) overlap(start, finish time.Time) (ops, load int) {
	for _, p := range tl.placements {
		if p.start.Before(finish) && p.finish.After(start) {
			ops++
			load += p.containers
		}
	}
	return ops, load
}

// earliestFit finds the first start at or after `after` where a window of
// length dur with the given container load fits. Returns false when the
// device can never take the load.
func (tl *timeline) earliestFit(after time.Time, dur time.Duration, containers int) (time.Time, bool) {
	if containers > 0 && containers > tl.dev.Capacity {
		return time.Time{}, false
	}
	start := after
	for i := 0; i <= len(tl.placements); i++ {
		if tl.fits(start, start.Add(dur), containers) {
			return start, true
		}
		// Advance past the earliest finishing overlapping placement.
		next := time.Time{}
		for _, p := range tl.placements {
			if p.start.Before(start.Add(dur)) && p.finish.After(start) {
				if next.IsZero() || p.finish.Before(next) {
					next = p.finish
				}
			}
		}
		if next.IsZero() {
			break
		}
		start = next
	}
	// All placements are in the past of the final candidate; it must fit.
	if tl.fits(start, start.Add(dur), containers) {
		return start, true
	}
	return time.Time{}, false
}

// validate checks a plan against every feasibility constraint. A non-nil
// error means the plan must not be dispatched.
func validate(snap *instance.Snapshot, plan *Plan) error {
	steps := make(map[instance.StepKey]*instance.Step, len(snap.Steps))
	for i := range snap.Steps {
		steps[snap.Steps[i].Key] = &snap.Steps[i]
	}
	devices := make(map[string]*types.Device, len(snap.Devices))
	for _, d := range snap.Devices {
		devices[d.Name] = d
	}
	running := make(map[instance.StepKey]instance.Running, len(snap.Running))
	for _, r := range snap.Running {
		running[r.Key] = r
	}

	type window struct {
		key           instance.StepKey
		device        string
		start, finish time.Time
		containers    []string
		load          int
	}
	var windows []window
	for key, a := range plan.Assignments {
		step, ok := steps[key]
		if !ok {
			return fmt.Errorf("assignment for unknown step %s", key)
		}
		dev, ok := devices[a.Device]
		if !ok {
			return fmt.Errorf("step %s assigned to unknown device %s", key, a.Device)
		}
		if step.Device != "" && step.Device != a.Device {
			return fmt.Errorf("step %s pinned to %s but assigned to %s", key, step.Device, a.Device)
		}
		if step.Device == "" && dev.Kind != step.DeviceKind {
			return fmt.Errorf("step %s needs kind %s, device %s is %s", key, step.DeviceKind, dev.Name, dev.Kind)
		}
		load := len(step.Containers)
		if step.Movement != nil {
			load = 0 // containers transit through the mover
		}
		windows = append(windows, window{
			key: key, device: a.Device,
			start: a.EarliestStart, finish: a.ExpectedFinish,
			containers: step.Containers, load: load,
		})
	}
	for key, r := range running {
		windows = append(windows, window{
			key: key, device: r.Device,
			start: r.Start, finish: r.ExpectedFinish,
			containers: r.Containers, load: len(r.Containers),
		})
	}

	// Device capacity at every instant.
	for name, dev := range devices {
		tl := timeline{dev: dev}
		limit := tl.opLimit()
		var onDev []window
		for _, w := range windows {
			if w.device == name {
				onDev = append(onDev, w)
			}
		}
		for _, w := range onDev {
			ops, load := 0, 0
			for _, o := range onDev {
				if o.start.Before(w.finish) && o.finish.After(w.start) {
					ops++
					load += o.load
				}
			}
			if ops > limit {
				return fmt.Errorf("device %s: %d concurrent operations, limit %d", name, ops, limit)
			}
			if dev.Capacity > 0 && load > dev.Capacity {
				return fmt.Errorf("device %s: %d concurrent containers, capacity %d", name, load, dev.Capacity)
			}
		}
	}

	// Container exclusivity across all devices.
	for i, w := range windows {
		for _, o := range windows[i+1:] {
			if !(o.start.Before(w.finish) && o.finish.After(w.start)) {
				continue
			}
			for _, c := range w.containers {
				for _, oc := range o.containers {
					if c != "" && c == oc {
						return fmt.Errorf("container %s double-booked by %s and %s", c, w.key, o.key)
					}
				}
			}
		}
	}

	// Dependency windows.
	for _, d := range snap.Deps {
		to, ok := plan.Assignments[d.To]
		if !ok {
			continue
		}
		var predFinish time.Time
		if a, ok := plan.Assignments[d.From]; ok {
			predFinish = a.ExpectedFinish
		} else if r, ok := running[d.From]; ok {
			predFinish = r.ExpectedFinish
		} else {
			continue
		}
		if to.EarliestStart.Before(predFinish.Add(d.MinWait)) {
			return fmt.Errorf("step %s starts before %s finishes plus min_wait", d.To, d.From)
		}
		if d.MaxWait != nil && to.EarliestStart.After(predFinish.Add(*d.MaxWait)) {
			return fmt.Errorf("step %s starts after the max_wait window of %s", d.To, d.From)
		}
	}
	return nil
}
