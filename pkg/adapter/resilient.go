package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

// Resilient wraps an adapter with per-device retry and circuit breaking.
// Submission failures are transient transport problems more often than not;
// a breaker keeps a flapping device from absorbing the whole dispatch loop.
type Resilient struct {
	inner      Adapter
	attempts   uint
	newBreaker func(device string) *gobreaker.CircuitBreaker

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ResilientConfig tunes the wrapper.
type ResilientConfig struct {
	// Attempts bounds submission retries per dispatch. Default 3.
	Attempts uint
	// BreakAfter consecutive failures open the device's breaker. Default 5.
	BreakAfter uint32
	// Cooldown is how long an open breaker rejects before probing again.
	Cooldown time.Duration
}

func NewResilient(inner Adapter, cfg ResilientConfig) *Resilient {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.BreakAfter == 0 {
		cfg.BreakAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	r := &Resilient{
		inner:    inner,
		attempts: cfg.Attempts,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	r.newBreaker = func(device string) *gobreaker.CircuitBreaker {
		logger := log.WithDevice(device)
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    device,
			Timeout: cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakAfter
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn().Str("from", from.String()).Str("to", to.String()).
					Msg("device breaker changed state")
			},
		})
	}
	return r
}

func (r *Resilient) breaker(device string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[device]
	if !ok {
		b = r.newBreaker(device)
		r.breakers[device] = b
	}
	return b
}

func (r *Resilient) Submit(ctx context.Context, req Request) (Handle, error) {
	b := r.breaker(req.Device)

	var handle Handle
	err := retry.Do(
		func() error {
			h, err := b.Execute(func() (interface{}, error) {
				return r.inner.Submit(ctx, req)
			})
			if err != nil {
				return err
			}
			handle = h.(Handle)
			return nil
		},
		retry.Attempts(r.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// An open breaker will not close between attempts; bail out.
			return err != gobreaker.ErrOpenState && ctx.Err() == nil
		}),
	)
	if err != nil {
		return nil, &types.TransportError{
			Device: req.Device,
			Cause:  fmt.Errorf("submit %s: %w", req.Fct, err),
		}
	}
	return handle, nil
}
