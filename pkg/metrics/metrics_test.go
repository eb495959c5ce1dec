package metrics

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeSource struct {
	devices    []*types.Device
	containers []*types.Container
}

func (f *fakeSource) Devices() []*types.Device { return f.devices }

func (f *fakeSource) ListContainers() ([]*types.Container, error) { return f.containers, nil }

func TestCollectorSamplesOccupancy(t *testing.T) {
	src := &fakeSource{
		devices: []*types.Device{
			{Name: "hotel-9", Kind: types.DeviceKindStorage, Capacity: 10},
			{Name: "reader-9", Kind: types.DeviceKindPlateReader, Capacity: 1},
		},
		containers: []*types.Container{
			{ID: "c1", CurrentPos: types.Position{Device: "hotel-9", Slot: 0}},
			{ID: "c2", CurrentPos: types.Position{Device: "hotel-9", Slot: 1},
				LidPos: &types.Position{Device: "hotel-9", Slot: 2}},
			{ID: "c3", CurrentPos: types.Position{Device: "reader-9", Slot: 0}, Removed: true},
		},
	}

	c := NewCollector(src, time.Hour)
	c.collect()

	// c2's parked lid occupies a slot of its own.
	assert.Equal(t, 3.0, testutil.ToFloat64(DeviceOccupancy.WithLabelValues("hotel-9")))
	assert.Equal(t, 0.0, testutil.ToFloat64(DeviceOccupancy.WithLabelValues("reader-9")))
	assert.Equal(t, 10.0, testutil.ToFloat64(DeviceCapacity.WithLabelValues("hotel-9")))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeSource{}, 10*time.Millisecond)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}

func TestTimerObserves(t *testing.T) {
	before := testutil.CollectAndCount(SchedulerDuration)
	timer := NewTimer(SchedulerDuration, "test")
	time.Sleep(time.Millisecond)
	timer.Stop()
	require.GreaterOrEqual(t, testutil.CollectAndCount(SchedulerDuration), before)
}
