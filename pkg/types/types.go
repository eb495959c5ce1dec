package types

import (
	"fmt"
	"time"
)

// DeviceKind classifies a physical device.
type DeviceKind string

const (
	DeviceKindIncubator     DeviceKind = "incubator"
	DeviceKindPlateReader   DeviceKind = "plate_reader"
	DeviceKindLiquidHandler DeviceKind = "liquid_handler"
	DeviceKindMover         DeviceKind = "mover"
	DeviceKindCentrifuge    DeviceKind = "centrifuge"
	DeviceKindStorage       DeviceKind = "storage"
)

// KnownDeviceKinds lists every kind the lab configuration may declare.
var KnownDeviceKinds = []DeviceKind{
	DeviceKindIncubator,
	DeviceKindPlateReader,
	DeviceKindLiquidHandler,
	DeviceKindMover,
	DeviceKindCentrifuge,
	DeviceKindStorage,
}

// Device is a physical lab device with finite capacity.
type Device struct {
	Name            string
	Kind            DeviceKind
	Capacity        int // max concurrent containers
	ProcessCapacity int // max concurrent operations (default = Capacity)
	MinCapacity     int // minimum occupancy to operate (default 1)
	AllowsOverlap   bool
	DeepWellSlots   []int // slot indexes suited for deep-well labware
	Params          map[string]string
	CreatedAt       time.Time
}

// DeepWellSuited reports whether the given slot accepts deep-well labware.
func (d *Device) DeepWellSuited(slot int) bool {
	for _, s := range d.DeepWellSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// LabwareDeepWell is the labware-type tag that restricts a container to
// deep-well-suited positions.
const LabwareDeepWell = "deep_well"

// Position identifies one slot on one device.
type Position struct {
	Device string `json:"device"`
	Slot   int    `json:"slot"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s[%d]", p.Device, p.Slot)
}

// Container is a physical labware item (plate, tube) tracked by the store.
type Container struct {
	ID          string
	Barcode     string
	CurrentPos  Position
	StartingPos Position
	Lidded      bool
	LidPos      *Position // set iff Lidded=false and the lid is parked
	Removed     bool
	LabwareType string // e.g. "deep_well"
	CreatedAt   time.Time
	RemovedAt   time.Time
}

// ProcessState is the lifecycle state of a submitted workflow.
type ProcessState string

const (
	ProcessStatePending   ProcessState = "pending"
	ProcessStateRunning   ProcessState = "running"
	ProcessStatePaused    ProcessState = "paused"
	ProcessStateCompleted ProcessState = "completed"
	ProcessStateFailed    ProcessState = "failed"
	ProcessStateCancelled ProcessState = "cancelled"
)

// Terminal reports whether the state is a terminal one.
func (s ProcessState) Terminal() bool {
	return s == ProcessStateCompleted || s == ProcessStateFailed || s == ProcessStateCancelled
}

// Process is one submitted workflow.
type Process struct {
	ID           string
	Name         string
	State        ProcessState
	Priority     int // numerically lower = higher priority
	ExperimentID string
	SubmittedAt  time.Time
	StartAfter   time.Time // earliest allowed start (submit delay)
	StartedAt    time.Time
	FinishedAt   time.Time
	LastStep     string
	NextStep     string
	Error        string
}

// StepState is the executor-side state of one scheduled step.
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateReady     StepState = "ready"
	StepStateRunning   StepState = "running"
	StepStateCompleted StepState = "completed"
	StepStateFailed    StepState = "failed"
	StepStateCancelled StepState = "cancelled"
	StepStateBlocked   StepState = "blocked"
)

// StepStatus is the terminal outcome recorded for an executed step.
type StepStatus string

const (
	StepStatusOK        StepStatus = "ok"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
)

// HistoryRecord is one append-only record of an executed step.
type HistoryRecord struct {
	ID           string
	ExperimentID string
	ProcessID    string
	StepID       string
	Fct          string
	Device       string
	DeviceKind   DeviceKind
	Containers   []string
	Start        time.Time
	Finish       time.Time
	Status       StepStatus
	Value        *float64 // producing operations only
	Params       map[string]string
	IsMovement   bool
	SourceKind   DeviceKind // movement records: where the container came from
	TargetKind   DeviceKind // movement records: where it went
	IsSimulation bool
	Error        string
}

// Certificate is a per-device credential blob persisted alongside lab state.
type Certificate struct {
	ID        string
	Device    string
	Name      string
	Data      []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Experiment groups the history records of one workflow execution.
type Experiment struct {
	ID        string
	ProcessID string
	Name      string
	StartedAt time.Time
}
