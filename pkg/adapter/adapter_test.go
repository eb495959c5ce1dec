package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func drain(t *testing.T, h Handle, timeout time.Duration) []Observation {
	t.Helper()
	var obs []Observation
	deadline := time.After(timeout)
	for {
		select {
		case o, ok := <-h.Observe():
			if !ok {
				return obs
			}
			obs = append(obs, o)
		case <-deadline:
			t.Fatal("observation stream did not terminate")
		}
	}
}

func TestSimCompletes(t *testing.T) {
	sim := NewSim(SimConfig{Speed: 100})
	begin := time.Now()
	h, err := sim.Submit(context.Background(), Request{
		StepID:   "s1",
		Fct:      "incubate",
		Duration: 2 * time.Second,
	})
	require.NoError(t, err)

	obs := drain(t, h, 5*time.Second)
	require.NotEmpty(t, obs)
	assert.Equal(t, StatusStarted, obs[0].Status)
	last := obs[len(obs)-1]
	assert.Equal(t, StatusOK, last.Status)
	assert.Nil(t, last.Value)

	// 2 s of scheduled time at 100x is 20 ms of wall time.
	assert.Less(t, time.Since(begin), time.Second)
}

func TestSimProducesDeterministicValue(t *testing.T) {
	sim := NewSim(SimConfig{Speed: 1000})
	run := func() float64 {
		h, err := sim.Submit(context.Background(), Request{
			StepID: "s1", Fct: "read_absorbance", Duration: time.Second, Produces: true,
		})
		require.NoError(t, err)
		obs := drain(t, h, 5*time.Second)
		last := obs[len(obs)-1]
		require.Equal(t, StatusOK, last.Status)
		require.NotNil(t, last.Value)
		return *last.Value
	}
	v1, v2 := run(), run()
	assert.Equal(t, v1, v2)
	assert.GreaterOrEqual(t, v1, 0.0)
	assert.Less(t, v1, 1.0)
}

func TestSimConfiguredValue(t *testing.T) {
	sim := NewSim(SimConfig{Speed: 1000, Value: func(Request) float64 { return 0.45 }})
	h, err := sim.Submit(context.Background(), Request{StepID: "s1", Duration: time.Second, Produces: true})
	require.NoError(t, err)
	obs := drain(t, h, 5*time.Second)
	last := obs[len(obs)-1]
	require.NotNil(t, last.Value)
	assert.Equal(t, 0.45, *last.Value)
}

func TestSimCancel(t *testing.T) {
	sim := NewSim(SimConfig{Speed: 1})
	h, err := sim.Submit(context.Background(), Request{StepID: "s1", Duration: time.Hour})
	require.NoError(t, err)

	// Give the goroutine a moment to emit started, then cancel.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.Cancel())

	obs := drain(t, h, 5*time.Second)
	last := obs[len(obs)-1]
	assert.Equal(t, StatusCancelled, last.Status)
}

func TestSimContextCancel(t *testing.T) {
	sim := NewSim(SimConfig{Speed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := sim.Submit(ctx, Request{StepID: "s1", Duration: time.Hour})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cancel()

	obs := drain(t, h, 5*time.Second)
	last := obs[len(obs)-1]
	assert.Equal(t, StatusCancelled, last.Status)
	assert.Error(t, last.Err)
}

// flaky fails the first n submissions.
type flaky struct {
	fails int32
	inner Adapter
}

func (f *flaky) Submit(ctx context.Context, req Request) (Handle, error) {
	if atomic.AddInt32(&f.fails, -1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.inner.Submit(ctx, req)
}

func TestResilientRetries(t *testing.T) {
	f := &flaky{fails: 2, inner: NewSim(SimConfig{Speed: 1000})}
	r := NewResilient(f, ResilientConfig{Attempts: 3})

	h, err := r.Submit(context.Background(), Request{StepID: "s1", Device: "reader-1", Duration: time.Second})
	require.NoError(t, err)
	obs := drain(t, h, 5*time.Second)
	assert.Equal(t, StatusOK, obs[len(obs)-1].Status)
}

func TestResilientGivesUpWithTransportError(t *testing.T) {
	f := &flaky{fails: 100, inner: NewSim(SimConfig{})}
	r := NewResilient(f, ResilientConfig{Attempts: 2})

	_, err := r.Submit(context.Background(), Request{StepID: "s1", Device: "reader-1"})
	require.Error(t, err)

	var te *types.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "reader-1", te.Device)
}

func TestResilientBreakerOpens(t *testing.T) {
	f := &flaky{fails: 100, inner: NewSim(SimConfig{})}
	r := NewResilient(f, ResilientConfig{Attempts: 1, BreakAfter: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := r.Submit(context.Background(), Request{Device: "reader-1"})
		require.Error(t, err)
	}

	// The breaker is open now; the inner adapter is no longer consulted.
	before := atomic.LoadInt32(&f.fails)
	_, err := r.Submit(context.Background(), Request{Device: "reader-1"})
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&f.fails))

	// Other devices are unaffected by reader-1's breaker.
	_, err = r.Submit(context.Background(), Request{Device: "reader-2"})
	require.Error(t, err) // still flaky, but the inner adapter was consulted
	assert.NotEqual(t, before, atomic.LoadInt32(&f.fails))
}
