package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/types"
)

// Source is the slice of the status store the collector reads.
type Source interface {
	Devices() []*types.Device
	ListContainers() ([]*types.Container, error)
}

// Collector periodically samples device occupancy from the status store.
// Occupancy is polled rather than event-driven: the store is the authority
// and a missed event must not leave a gauge stale.
type Collector struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the collection loop.
func (c *Collector) Start() {
	go c.run()
}

// Stop halts the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	containers, err := c.source.ListContainers()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to list containers")
		return
	}
	occupied := make(map[string]int)
	for _, ct := range containers {
		if ct.Removed {
			continue
		}
		occupied[ct.CurrentPos.Device]++
		if ct.LidPos != nil {
			occupied[ct.LidPos.Device]++
		}
	}
	for _, d := range c.source.Devices() {
		DeviceCapacity.WithLabelValues(d.Name).Set(float64(d.Capacity))
		DeviceOccupancy.WithLabelValues(d.Name).Set(float64(occupied[d.Name]))
	}
}
