package client

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/api"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/executor"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/scheduler"
	"github.com/plateworks/conductor/pkg/store"
	"github.com/plateworks/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newClient(t *testing.T) *Client {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.ConfigureLab("client test lab", []*types.Device{
		{Name: "hotel-1", Kind: types.DeviceKindStorage, Capacity: 10},
		{Name: "arm-1", Kind: types.DeviceKindMover, Capacity: 1},
		{Name: "incubator-1", Kind: types.DeviceKindIncubator, Capacity: 4, AllowsOverlap: true},
	}))

	broker := events.NewBroker()
	broker.Start()
	exec := executor.New(executor.Config{Tick: 10 * time.Millisecond}, st, scheduler.New(scheduler.Config{}), nil, broker, nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.SetSimulation(true, 500))

	ts := httptest.NewServer(api.NewServer(exec, broker).Router())
	t.Cleanup(func() {
		ts.Close()
		exec.Stop()
		broker.Stop()
		st.Close()
	})
	return New(ts.URL)
}

const clientProcess = `
name: client-run
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
    duration: 2s
`

func TestRoundTrip(t *testing.T) {
	c := newClient(t)

	id, err := c.Submit([]byte(clientProcess), 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.Start([]string{id}))

	require.Eventually(t, func() bool {
		ps, err := c.Process(id)
		return err == nil && ps.Process.State == types.ProcessStateCompleted
	}, 20*time.Second, 50*time.Millisecond)

	st, err := c.Status()
	require.NoError(t, err)
	assert.True(t, st.Simulation)
	assert.Len(t, st.Devices, 3)
}

func TestErrorsCarryServerMessage(t *testing.T) {
	c := newClient(t)

	err := c.Cancel("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown process")

	_, err = c.Submit([]byte("name: broken\n"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labware")
}

func TestEventsStream(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.EventType, 16)
	go func() {
		_ = c.Events(ctx, func(ev *events.Event) {
			got <- ev.Type
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.SetSimulation(true, 100))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case typ := <-got:
			if typ == events.EventSimulationOn {
				return
			}
		case <-deadline:
			t.Fatal("never received simulation.enabled")
		}
	}
}
