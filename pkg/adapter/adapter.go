// Package adapter defines the device adapter surface the executor drives.
// An adapter translates one scheduled operation into a concrete device
// command and reports progress through an observation stream; the core never
// sees wire protocols.
package adapter

import (
	"context"
	"time"
)

// Status is the adapter-side state of one submitted operation.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further observations follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Observation is one progress report from an in-flight operation.
type Observation struct {
	Status   Status
	Progress float64  // 0..1
	Value    *float64 // set on ok for producing operations
	Err      error    // set on failed/timeout
}

// Request describes the operation being submitted to a device.
type Request struct {
	StepID     string
	Device     string
	Fct        string
	Duration   time.Duration // scheduled duration
	Params     map[string]string
	Containers []string
	Produces   bool // the operation yields a measurement value
}

// Handle observes one in-flight operation.
type Handle interface {
	// Observe returns the observation stream. The channel closes after a
	// terminal observation.
	Observe() <-chan Observation
	// Cancel requests a cooperative cancel. It reports whether the device
	// acknowledged the request; an acknowledged cancel still completes
	// through the observation stream.
	Cancel() bool
}

// Adapter submits operations to the devices of one kind.
type Adapter interface {
	Submit(ctx context.Context, req Request) (Handle, error)
}
