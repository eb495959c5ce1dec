package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plateworks/conductor/pkg/types"
)

// occupant records what sits at a position: a container, or a parked lid
// belonging to a container. Positions hold at most one occupant; lids and
// containers share the namespace.
type occupant struct {
	ContainerID string
	IsLid       bool
}

// labState is the in-memory authoritative lab state. Its mutating methods
// validate every invariant and reject on violation without partial changes;
// callers clone the state first when they need transactional semantics.
type labState struct {
	description string
	devices     map[string]*types.Device
	containers  map[string]*types.Container
	occupancy   map[types.Position]occupant
}

func newLabState() *labState {
	return &labState{
		devices:    make(map[string]*types.Device),
		containers: make(map[string]*types.Container),
		occupancy:  make(map[types.Position]occupant),
	}
}

// clone deep-copies the state so a multi-op commit can be staged and thrown
// away on failure.
func (st *labState) clone() *labState {
	c := &labState{
		description: st.description,
		devices:     make(map[string]*types.Device, len(st.devices)),
		containers:  make(map[string]*types.Container, len(st.containers)),
		occupancy:   make(map[types.Position]occupant, len(st.occupancy)),
	}
	for k, v := range st.devices {
		c.devices[k] = v // devices are immutable between ConfigureLab calls
	}
	for k, v := range st.containers {
		cp := *v
		if v.LidPos != nil {
			lp := *v.LidPos
			cp.LidPos = &lp
		}
		c.containers[k] = &cp
	}
	for k, v := range st.occupancy {
		c.occupancy[k] = v
	}
	return c
}

func (st *labState) validPosition(pos types.Position) (*types.Device, error) {
	dev, ok := st.devices[pos.Device]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", pos, types.ErrUnknownDevice)
	}
	if pos.Slot < 0 || pos.Slot >= dev.Capacity {
		return nil, fmt.Errorf("position %s: %w", pos, types.ErrInvalidSlot)
	}
	return dev, nil
}

func slotCompatible(dev *types.Device, slot int, labwareType string) bool {
	if labwareType == types.LabwareDeepWell {
		return dev.DeepWellSuited(slot)
	}
	return true
}

func (st *labState) barcodeTaken(barcode, exceptID string) bool {
	if barcode == "" {
		return false
	}
	for id, c := range st.containers {
		if id != exceptID && !c.Removed && c.Barcode == barcode {
			return true
		}
	}
	return false
}

func (st *labState) addContainer(spec ContainerSpec) (*types.Container, error) {
	dev, err := st.validPosition(spec.Pos)
	if err != nil {
		return nil, err
	}
	if _, taken := st.occupancy[spec.Pos]; taken {
		return nil, fmt.Errorf("position %s: %w", spec.Pos, types.ErrPositionOccupied)
	}
	if !slotCompatible(dev, spec.Pos.Slot, spec.LabwareType) {
		return nil, fmt.Errorf("position %s: %w", spec.Pos, types.ErrIncompatibleSlot)
	}
	if st.barcodeTaken(spec.Barcode, "") {
		return nil, fmt.Errorf("barcode %q: %w", spec.Barcode, types.ErrBarcodeMismatch)
	}

	c := &types.Container{
		ID:          uuid.New().String(),
		Barcode:     spec.Barcode,
		CurrentPos:  spec.Pos,
		StartingPos: spec.Pos,
		Lidded:      spec.Lidded,
		LabwareType: spec.LabwareType,
		CreatedAt:   time.Now(),
	}
	st.containers[c.ID] = c
	st.occupancy[spec.Pos] = occupant{ContainerID: c.ID}
	return c, nil
}

func (st *labState) moveContainer(op MoveOp) (*types.Container, error) {
	if _, err := st.validPosition(op.Src); err != nil {
		return nil, err
	}
	occ, ok := st.occupancy[op.Src]
	if !ok {
		return nil, fmt.Errorf("move from %s: %w", op.Src, types.ErrSourceEmpty)
	}
	if occ.IsLid {
		// A parked lid is not a movable container.
		return nil, fmt.Errorf("move from %s: %w", op.Src, types.ErrAmbiguousSource)
	}
	c := st.containers[occ.ContainerID]

	if op.Barcode != "" {
		switch {
		case c.Barcode == "":
			if st.barcodeTaken(op.Barcode, c.ID) {
				return nil, fmt.Errorf("barcode %q already assigned: %w", op.Barcode, types.ErrBarcodeMismatch)
			}
			c.Barcode = op.Barcode
		case c.Barcode != op.Barcode:
			return nil, fmt.Errorf("expected barcode %q, found %q: %w", op.Barcode, c.Barcode, types.ErrBarcodeMismatch)
		}
	}

	dstDev, err := st.validPosition(op.Dst)
	if err != nil {
		return nil, err
	}
	if _, taken := st.occupancy[op.Dst]; taken {
		return nil, fmt.Errorf("move to %s: %w", op.Dst, types.ErrDestOccupied)
	}
	if !slotCompatible(dstDev, op.Dst.Slot, c.LabwareType) {
		return nil, fmt.Errorf("move to %s: %w", op.Dst, types.ErrIncompatibleSlot)
	}

	delete(st.occupancy, op.Src)
	st.occupancy[op.Dst] = occupant{ContainerID: c.ID}
	c.CurrentPos = op.Dst
	return c, nil
}

func (st *labState) unlid(op LidOp) (*types.Container, error) {
	c, err := st.activeContainer(op.ContainerID)
	if err != nil {
		return nil, err
	}
	if !c.Lidded {
		return nil, fmt.Errorf("container %s: %w", c.ID, types.ErrNotLidded)
	}
	if op.Pos == nil {
		return nil, fmt.Errorf("container %s: unlid requires a park position", c.ID)
	}
	if _, err := st.validPosition(*op.Pos); err != nil {
		return nil, err
	}
	if _, taken := st.occupancy[*op.Pos]; taken {
		return nil, fmt.Errorf("park lid at %s: %w", *op.Pos, types.ErrPositionOccupied)
	}

	pos := *op.Pos
	c.Lidded = false
	c.LidPos = &pos
	st.occupancy[pos] = occupant{ContainerID: c.ID, IsLid: true}
	return c, nil
}

func (st *labState) lid(op LidOp) (*types.Container, error) {
	c, err := st.activeContainer(op.ContainerID)
	if err != nil {
		return nil, err
	}
	if c.Lidded {
		return nil, fmt.Errorf("container %s: %w", c.ID, types.ErrAlreadyLidded)
	}
	if c.LidPos == nil {
		return nil, fmt.Errorf("container %s has no parked lid: %w", c.ID, types.ErrNotLidded)
	}
	if op.Pos != nil && *op.Pos != *c.LidPos {
		return nil, fmt.Errorf("lid expected at %s, recorded at %s: %w", *op.Pos, *c.LidPos, types.ErrLidNotFound)
	}

	delete(st.occupancy, *c.LidPos)
	c.Lidded = true
	c.LidPos = nil
	return c, nil
}

func (st *labState) setBarcode(containerID, barcode string) (*types.Container, error) {
	c, err := st.activeContainer(containerID)
	if err != nil {
		return nil, err
	}
	if st.barcodeTaken(barcode, c.ID) {
		return nil, fmt.Errorf("barcode %q already assigned: %w", barcode, types.ErrBarcodeMismatch)
	}
	c.Barcode = barcode
	return c, nil
}

func (st *labState) removeContainer(id string) (*types.Container, error) {
	c, err := st.activeContainer(id)
	if err != nil {
		return nil, err
	}
	delete(st.occupancy, c.CurrentPos)
	if c.LidPos != nil {
		delete(st.occupancy, *c.LidPos)
		c.LidPos = nil
	}
	c.Removed = true
	c.RemovedAt = time.Now()
	return c, nil
}

func (st *labState) activeContainer(id string) (*types.Container, error) {
	c, ok := st.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, types.ErrUnknownContainer)
	}
	if c.Removed {
		return nil, fmt.Errorf("container %s: %w", id, types.ErrContainerRemoved)
	}
	return c, nil
}

// configure replaces the device catalogue, rejecting the swap when an active
// container or parked lid would be stranded on a vanished or shrunken device.
func (st *labState) configure(description string, devices []*types.Device) error {
	next := make(map[string]*types.Device, len(devices))
	for _, d := range devices {
		if _, dup := next[d.Name]; dup {
			return &types.ConfigError{Field: d.Name, Msg: "duplicate device name"}
		}
		cp := *d
		if cp.ProcessCapacity == 0 && cp.Capacity > 0 {
			cp.ProcessCapacity = cp.Capacity
		}
		if cp.MinCapacity == 0 {
			cp.MinCapacity = 1
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		next[d.Name] = &cp
	}

	check := func(pos types.Position, labwareType string) error {
		dev, ok := next[pos.Device]
		if !ok {
			return fmt.Errorf("container stranded at %s: %w", pos, types.ErrUnknownDevice)
		}
		if pos.Slot < 0 || pos.Slot >= dev.Capacity {
			return fmt.Errorf("container stranded at %s: %w", pos, types.ErrInvalidSlot)
		}
		if !slotCompatible(dev, pos.Slot, labwareType) {
			return fmt.Errorf("container stranded at %s: %w", pos, types.ErrIncompatibleSlot)
		}
		return nil
	}
	for _, c := range st.containers {
		if c.Removed {
			continue
		}
		if err := check(c.CurrentPos, c.LabwareType); err != nil {
			return err
		}
		if c.LidPos != nil {
			if err := check(*c.LidPos, ""); err != nil {
				return err
			}
		}
	}

	st.description = description
	st.devices = next
	return nil
}
