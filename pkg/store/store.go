package store

import (
	"time"

	"github.com/plateworks/conductor/pkg/types"
)

// ContainerSpec describes a container being loaded into the lab.
type ContainerSpec struct {
	Barcode     string
	Pos         types.Position
	Lidded      bool
	LabwareType string
}

// MoveOp is a single container relocation.
type MoveOp struct {
	Src     types.Position
	Dst     types.Position
	Barcode string // optional; verified against the container at Src
}

// LidOp is a lid removal or replacement for one container.
type LidOp struct {
	ContainerID string
	// Pos is where the lid is parked (unlid) or where it is expected to be
	// found (lid). Nil on lid means "wherever the store recorded it".
	Pos *types.Position
}

// StepCommit bundles the state changes of one executed step. The whole commit
// is applied atomically: either every change lands or none does.
type StepCommit struct {
	Record *types.HistoryRecord
	Unlid  *LidOp
	Move   *MoveOp
	Lid    *LidOp
}

// HistoryFilter selects history records for estimation and status queries.
type HistoryFilter struct {
	Fct          string
	ExperimentID string
	ProcessID    string
	Status       types.StepStatus
	IsMovement   *bool
	SourceKind   types.DeviceKind
	TargetKind   types.DeviceKind
	Since        time.Time
}

// Store is the authoritative record of devices, positions, containers and step
// history. All mutating operations are rejected, not silently corrected, when
// an invariant would be violated.
type Store interface {
	// Lab catalogue
	ConfigureLab(description string, devices []*types.Device) error
	Devices() []*types.Device
	Device(name string) (*types.Device, error)

	// Containers
	AddContainer(spec ContainerSpec) (string, error)
	MoveContainer(op MoveOp) error
	Unlid(op LidOp) error
	Lid(op LidOp) error
	SetBarcode(containerID, barcode string) error
	RemoveContainer(id string) error

	// Lookups. Removed containers are excluded from position lookups.
	PositionEmpty(pos types.Position) (bool, error)
	ContainerAt(pos types.Position) (*types.Container, error)
	ContainerByBarcode(barcode string) (*types.Container, error)
	Container(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	// FreeSlot returns the lowest empty slot on the device compatible with
	// the given labware type.
	FreeSlot(device string, labwareType string) (int, error)

	// Processes and experiments
	CreateProcess(p *types.Process) error
	UpdateProcess(p *types.Process) error
	GetProcess(id string) (*types.Process, error)
	ListProcesses() ([]*types.Process, error)
	CreateExperiment(e *types.Experiment) error

	// History
	RecordStep(rec *types.HistoryRecord) error
	CommitStep(c StepCommit) error
	ListHistory(f HistoryFilter) ([]*types.HistoryRecord, error)

	// Per-device certificates
	SaveCertificate(cert *types.Certificate) error
	GetCertificate(id string) (*types.Certificate, error)
	ListCertificates(device string) ([]*types.Certificate, error)
	DeleteCertificate(id string) error

	// Utility
	WipeLab() error
	Close() error
}
