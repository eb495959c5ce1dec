package adapter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// SimConfig tunes the simulated adapter.
type SimConfig struct {
	// Speed divides every scheduled duration; 10 makes a 60 s incubation
	// take 6 s of wall time. Values below 1 are clamped to 1.
	Speed float64
	// Value synthesizes the measurement of a producing operation. Nil uses
	// a deterministic hash of the request, spread over [0, 1).
	Value func(req Request) float64
}

// Sim is the simulated device adapter used in simulation mode and in tests.
// It sleeps for the scheduled duration, scaled by the speed factor, and
// completes with a synthesized value.
type Sim struct {
	cfg SimConfig
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.Speed < 1 {
		cfg.Speed = 1
	}
	return &Sim{cfg: cfg}
}

func (s *Sim) Submit(ctx context.Context, req Request) (Handle, error) {
	h := &simHandle{
		ch:     make(chan Observation, 4),
		cancel: make(chan struct{}),
	}
	wall := time.Duration(float64(req.Duration) / s.cfg.Speed)
	go h.run(ctx, req, wall, s.value(req))
	return h, nil
}

func (s *Sim) value(req Request) *float64 {
	if !req.Produces {
		return nil
	}
	var v float64
	if s.cfg.Value != nil {
		v = s.cfg.Value(req)
	} else {
		f := fnv.New32a()
		f.Write([]byte(req.StepID + req.Fct))
		v = float64(f.Sum32()%1000) / 1000
	}
	return &v
}

type simHandle struct {
	ch       chan Observation
	cancel   chan struct{}
	cancelMu sync.Mutex
	done     bool
}

func (h *simHandle) Observe() <-chan Observation { return h.ch }

func (h *simHandle) Cancel() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	close(h.cancel)
	return true
}

func (h *simHandle) run(ctx context.Context, req Request, wall time.Duration, value *float64) {
	defer close(h.ch)

	h.ch <- Observation{Status: StatusStarted}

	timer := time.NewTimer(wall)
	defer timer.Stop()

	// Progress beats at quarter intervals keep long simulated operations
	// observable without flooding the core loop.
	beat := wall / 4
	var beats <-chan time.Time
	if beat > 10*time.Millisecond {
		ticker := time.NewTicker(beat)
		defer ticker.Stop()
		beats = ticker.C
	}

	start := time.Now()
	for {
		select {
		case <-timer.C:
			h.ch <- Observation{Status: StatusOK, Progress: 1, Value: value}
			return
		case <-beats:
			p := float64(time.Since(start)) / float64(wall)
			if p > 1 {
				p = 1
			}
			select {
			case h.ch <- Observation{Status: StatusRunning, Progress: p}:
			default: // drop a beat rather than block completion
			}
		case <-h.cancel:
			h.ch <- Observation{Status: StatusCancelled}
			return
		case <-ctx.Done():
			h.ch <- Observation{Status: StatusCancelled, Err: ctx.Err()}
			return
		}
	}
}
