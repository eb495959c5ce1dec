package types

import (
	"errors"
	"fmt"
)

// State conflict sentinels. Mutating store operations are rejected with one of
// these when an invariant would be violated; no state change occurs.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnknownContainer = errors.New("unknown container")
	ErrInvalidSlot      = errors.New("slot index out of range")
	ErrPositionOccupied = errors.New("position occupied")
	ErrSourceEmpty      = errors.New("source position empty")
	ErrDestOccupied     = errors.New("destination position occupied")
	ErrAmbiguousSource  = errors.New("ambiguous source position")
	ErrBarcodeMismatch  = errors.New("barcode mismatch")
	ErrContainerRemoved = errors.New("container removed")
	ErrAlreadyLidded    = errors.New("container already lidded")
	ErrNotLidded        = errors.New("container not lidded")
	ErrLidNotFound      = errors.New("lid not at expected position")
	ErrIncompatibleSlot = errors.New("slot not suited for labware type")
	ErrDeviceFull       = errors.New("no free slot on device")
	ErrUnknownProcess   = errors.New("unknown process")
)

// IsStateConflict reports whether err is a store invariant rejection.
func IsStateConflict(err error) bool {
	for _, s := range []error{
		ErrUnknownDevice, ErrUnknownContainer, ErrInvalidSlot,
		ErrPositionOccupied, ErrSourceEmpty, ErrDestOccupied,
		ErrAmbiguousSource, ErrBarcodeMismatch, ErrContainerRemoved,
		ErrAlreadyLidded, ErrNotLidded, ErrLidNotFound, ErrIncompatibleSlot,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// ConfigError reports an invalid lab configuration document. Fatal for the
// load call that produced it.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// UnschedulableError reports that no feasible plan exists for a process under
// the current constraints. The process fails; others continue.
type UnschedulableError struct {
	ProcessID string
	Reason    string
}

func (e *UnschedulableError) Error() string {
	return fmt.Sprintf("process %s unschedulable: %s", e.ProcessID, e.Reason)
}

// StepFailureError reports a device adapter failure or timeout for one step.
type StepFailureError struct {
	ProcessID string
	StepID    string
	Cause     error
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step %s of process %s failed: %v", e.StepID, e.ProcessID, e.Cause)
}

func (e *StepFailureError) Unwrap() error { return e.Cause }

// TransportError reports a lost connection to a device adapter. Treated as a
// step failure with a specific cause.
type TransportError struct {
	Device string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to device %s: %v", e.Device, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ErrCancelled marks explicit user cancellation. Reported as a terminal state,
// not treated as a system error.
var ErrCancelled = errors.New("cancelled")
